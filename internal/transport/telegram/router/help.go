package router

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// helpText renders help for a command path as Telegram HTML. An empty path
// lists the top level.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			// the token may be an alias for some leaf
			if leaf, hit := alias[p]; hit && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return helpUnknown()
		}
		cur = n
		full = append(full, p)
	}

	if len(path) == 0 {
		return m.helpIndex(root)
	}
	return m.helpEntry(cur, full)
}

func helpUnknown() string {
	return "❓ <b>Unknown command</b>\nType <code>/help</code> to see the command list."
}

type helpRow struct {
	name string
	desc string
	lock bool
}

func (m *CommandManager) helpIndex(root *cmdNode) string {
	rows := make([]helpRow, 0, 16)
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if n == nil {
			continue
		}
		rows = append(rows, helpRow{name: name, desc: nodeSummary(n), lock: subtreeOwnerOnly(n)})
	}
	// Owner-only entries sink to the bottom; alphabetical within each band.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
	}
	for _, r := range rows {
		lines = append(lines, bullet(r.lock)+"<code>/"+html.EscapeString(r.name)+"</code>"+descSuffix(r.desc))
	}
	lines = append(lines, "Tip: in Telegram, type <code>/</code> and keep typing to see suggestions (autocomplete).")
	return strings.Join(lines, "\n")
}

func bullet(lock bool) string {
	if lock {
		return "• 🔒 "
	}
	return "• "
}

func descSuffix(desc string) string {
	if desc == "" {
		return ""
	}
	return " — " + html.EscapeString(desc)
}

func (m *CommandManager) helpEntry(cur *cmdNode, full []string) string {
	title := "/" + strings.Join(full, " ")
	lines := []string{fmt.Sprintf("📚 <b>Help</b> <code>%s</code>", html.EscapeString(title))}

	if cur != nil && cur.cmd != nil {
		c := cur.cmd
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>Owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if short := shortcutsFor(*c); len(short) > 0 {
			lines = append(lines, "<b>Shortcut</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	} else {
		lines = append(lines, "Command group (has subcommands).")
		if subtreeOwnerOnly(cur) {
			lines = append(lines, "🔒 <i>Owner only</i>")
		}
	}

	if cur != nil && len(cur.children) > 0 {
		lines = append(lines, "<b>Subcommand</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			if n == nil {
				continue
			}
			sub := "/" + strings.Join(append(append([]string(nil), full...), name), " ")
			lines = append(lines, bullet(subtreeOwnerOnly(n))+"<code>"+html.EscapeString(sub)+"</code>"+descSuffix(nodeSummary(n)))
		}
	}

	return strings.Join(lines, "\n")
}

// nodeSummary is a one-liner for listings: the command's own description,
// or a hint at the first few subcommands for groups.
func nodeSummary(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	max := 3
	if len(kids) < max {
		max = len(kids)
	}
	s := strings.Join(kids[:max], ", ")
	if len(kids) > max {
		s += ", …"
	}
	return "subcommands: " + s
}

// subtreeOwnerOnly reports whether every command under n is owner-only; a
// group of restricted commands gets the lock icon too.
func subtreeOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	for _, ch := range n.children {
		if !subtreeOwnerOnly(ch) {
			return false
		}
	}
	return true
}

// shortcutsFor lists alternative spellings of a command: declared aliases,
// their Telegram-safe forms, and the /menu name for multi-token routes.
func shortcutsFor(c Command) []string {
	seen := map[string]bool{}
	out := make([]string, 0, 8)
	put := func(s string) {
		if s != "" && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}

	if menu, ok := telegramCommandNameFromRoute(splitRoute(c.Route)); ok {
		put(menu)
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		put(a)
		put(sanitizeTelegramCommand(a))
	}

	sort.Strings(out)
	return out
}
