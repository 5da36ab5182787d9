package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"ubysbot/internal/config"
)

var (
	logsLines  int
	logsFollow bool
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the daemon log file",
		Long: `Prints the last lines of the file configured under logging.file and, with
--follow, keeps streaming as the daemon appends. Rotation and truncation
are handled by reopening the file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs()
		},
	}
	cmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of lines to print")
	cmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep streaming appended lines")
	return cmd
}

func runLogs() error {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return err
	}
	path := strings.TrimSpace(cfg.Logging.File.Path)
	if !cfg.Logging.File.Enabled || path == "" {
		return errors.New("logging.file is not enabled in the config")
	}

	offset, err := printTail(os.Stdout, path, logsLines)
	if err != nil {
		return err
	}
	if !logsFollow {
		return nil
	}
	return followFile(os.Stdout, path, offset)
}

// tailChunk bounds how much of the file the tail scan reads.
const tailChunk = 256 * 1024

// printTail writes the last n lines to w and returns the file size at read
// time, which is where --follow picks up.
func printTail(w io.Writer, path string, n int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()

	start := size - tailChunk
	if start < 0 {
		start = 0
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return size, nil
	}

	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if start > 0 && len(lines) > 0 {
		// The first line of a mid-file chunk is almost always partial.
		lines = lines[1:]
	}
	if n >= 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, ln := range lines {
		fmt.Fprintln(w, ln)
	}
	return size, nil
}

// followFile streams appends via fsnotify. The watch sits on the directory so
// rotation (a fresh file under the same name) is picked up too.
func followFile(w io.Writer, path string, offset int64) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)

	return streamAppends(w, watcher, abs, offset, sigc)
}

// streamAppends copies new file content to w on every write/create event
// until stop fires or the watcher closes.
func streamAppends(w io.Writer, watcher *fsnotify.Watcher, abs string, offset int64, stop <-chan os.Signal) error {
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				offset = 0
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				n, err := dumpFrom(w, abs, offset)
				if err != nil {
					if os.IsNotExist(err) {
						// Rotated away; wait for the next create.
						offset = 0
						continue
					}
					return err
				}
				offset = n
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case <-stop:
			return nil
		}
	}
}

// dumpFrom copies everything after offset to w and returns the new offset.
// A file smaller than offset was truncated; start over from zero.
func dumpFrom(w io.Writer, path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if fi.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(w, f)
	return offset + n, err
}
