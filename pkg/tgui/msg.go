package tgui

import (
	"context"
	"strings"

	kit "ubysbot/internal/transport"
)

// Message is a rendered payload: text plus send options. Handlers build it
// once and hand it to the adapter or the notifier without repeating
// ParseMode boilerplate.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

// Send delivers the message via the adapter.
func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	return ad.SendText(ctx, to, m.Text, m.Opt)
}

// Builder assembles a Telegram message line by line, HTML parse mode by
// default. Under HTML, text passed to Title, Line, KV and Bullets is
// escaped; RawLine trusts its input.
type Builder struct {
	lines     []string
	parseMode string
}

func New() *Builder { return &Builder{parseMode: "HTML"} }

// ParseMode overrides the parse mode ("HTML" or empty for plain text).
// Escaping and tag helpers follow the mode.
func (b *Builder) ParseMode(mode string) *Builder {
	b.parseMode = strings.TrimSpace(mode)
	return b
}

func (b *Builder) html() bool { return strings.EqualFold(b.parseMode, "HTML") }

// Title adds a bold first line, optionally prefixed with an emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	e := strings.TrimSpace(emoji)
	if !b.html() {
		if e != "" {
			t = e + " " + t
		}
		b.lines = append(b.lines, t)
		return b
	}
	line := B(t).String()
	if e != "" {
		line = Esc(e).String() + " " + line
	}
	b.lines = append(b.lines, line)
	return b
}

// Line adds one line, escaped under HTML. All-whitespace input becomes a
// blank line.
func (b *Builder) Line(s string) *Builder {
	switch {
	case strings.TrimSpace(s) == "":
		b.lines = append(b.lines, "")
	case b.html():
		b.lines = append(b.lines, Esc(s).String())
	default:
		b.lines = append(b.lines, s)
	}
	return b
}

// KV adds a "• key: value" row, bold key under HTML.
func (b *Builder) KV(key, value string) *Builder {
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if key == "" {
		return b
	}
	if b.html() {
		b.lines = append(b.lines, "• "+B(key).String()+": "+Esc(value).String())
		return b
	}
	line := "• " + key
	if value != "" {
		line += ": " + value
	}
	b.lines = append(b.lines, line)
	return b
}

// RawLine adds a line of already-safe HTML.
func (b *Builder) RawLine(s string) *Builder {
	b.lines = append(b.lines, s)
	return b
}

// Blank inserts an empty line.
func (b *Builder) Blank() *Builder { return b.Line("") }

// Bullets adds one "• item" line per non-empty item.
func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// Code adds an inline <code> line under HTML, a plain line otherwise.
func (b *Builder) Code(s string) *Builder {
	if s = strings.TrimSpace(s); s == "" {
		return b
	}
	if b.html() {
		b.lines = append(b.lines, Code(s).String())
	} else {
		b.lines = append(b.lines, s)
	}
	return b
}

// Build produces the final message with link previews disabled.
func (b *Builder) Build() Message {
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")
	return Message{
		Text: text,
		Opt:  &kit.SendOptions{ParseMode: b.parseMode, DisablePreview: true},
	}
}
