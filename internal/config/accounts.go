package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UpdateAccounts loads the config at path, hands the account list to mutate,
// validates the result and writes the file back atomically in its original
// format (JSON or YAML by extension). A running daemon picks the change up
// through its file watcher; no IPC is needed.
func UpdateAccounts(path string, mutate func(accounts []Account) ([]Account, error)) error {
	m := NewConfigManager(path)
	cfg, err := m.Parse()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	in := append([]Account(nil), cfg.Monitor.Accounts...)
	out, err := mutate(in)
	if err != nil {
		return err
	}
	cfg.Monitor.Accounts = out

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid config: %w", err)
	}

	b, err := marshalForPath(path, cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writeFileAtomic(path, b, 0o600)
}

// AddAccount appends a new account, rejecting duplicate names.
func AddAccount(path string, acct Account) error {
	return UpdateAccounts(path, func(accounts []Account) ([]Account, error) {
		for _, a := range accounts {
			if strings.EqualFold(a.Name, acct.Name) {
				return nil, fmt.Errorf("account %q already exists", acct.Name)
			}
		}
		return append(accounts, acct), nil
	})
}

// RemoveAccount deletes the account with the given name.
func RemoveAccount(path, name string) error {
	return UpdateAccounts(path, func(accounts []Account) ([]Account, error) {
		out := accounts[:0]
		found := false
		for _, a := range accounts {
			if strings.EqualFold(a.Name, name) {
				found = true
				continue
			}
			out = append(out, a)
		}
		if !found {
			return nil, fmt.Errorf("account %q not found", name)
		}
		return out, nil
	})
}

// SetAccountEnabled flips the enabled flag for one account.
func SetAccountEnabled(path, name string, enabled bool) error {
	return UpdateAccounts(path, func(accounts []Account) ([]Account, error) {
		for i := range accounts {
			if strings.EqualFold(accounts[i].Name, name) {
				accounts[i].Enabled = enabled
				return accounts, nil
			}
		}
		return nil, fmt.Errorf("account %q not found", name)
	})
}

// writeFileAtomic writes via a temp file in the same directory plus rename so
// the watcher never observes a half-written config.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
