package router

import (
	"math/rand"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq uint64

// newReqID builds a short id for log correlation: base36 timestamp, a
// process-local sequence and two random characters.
func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	return base36(time.Now().UnixNano()) + "-" + base36(int64(n)) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alpha[rand.Intn(len(alpha))]
	}
	return string(b)
}

func base36(v int64) string {
	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	if v < 0 {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var out [32]byte
	i := len(out)
	for v > 0 {
		i--
		out[i] = chars[v%36]
		v /= 36
	}
	return string(out[i:])
}

// tokenizeCommandLine splits command text into tokens, honoring single and
// double quotes plus backslash escapes: `/cmd a "b c" --k=v`.
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var out []string
	var buf strings.Builder
	emit := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}

	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			buf.WriteByte(ch)
			escaped = false
		case ch == '\\':
			escaped = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			emit()
		default:
			buf.WriteByte(ch)
		}
	}
	emit()
	return out
}

// parseFlags separates positionals from flags. Long form takes --k=v, --k v
// and bare --flag; short form takes -k=v, -k v, and -abc as the booleans a,
// b and c.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}

	nextIsValue := func(i int) bool {
		return i+1 < len(args) && !strings.HasPrefix(args[i+1], "-")
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case strings.HasPrefix(a, "--") && len(a) > 2:
			key := a[2:]
			if eq := strings.IndexByte(key, '='); eq >= 0 {
				flags[key[:eq]] = key[eq+1:]
			} else if nextIsValue(i) {
				flags[key] = args[i+1]
				i++
			} else {
				bools[key] = true
			}

		case strings.HasPrefix(a, "-") && len(a) > 1 && a != "-":
			key := a[1:]
			switch {
			case strings.IndexByte(key, '=') >= 0:
				eq := strings.IndexByte(key, '=')
				flags[key[:eq]] = key[eq+1:]
			case len(key) == 1 && nextIsValue(i):
				flags[key] = args[i+1]
				i++
			case len(key) == 1:
				bools[key] = true
			default:
				// grouped short booleans
				for j := 0; j < len(key); j++ {
					bools[string(key[j])] = true
				}
			}

		default:
			pos = append(pos, a)
		}
	}
	return pos, flags, bools
}
