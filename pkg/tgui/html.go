package tgui

import "html"

// H is HTML that is safe to hand to Telegram with ParseMode="HTML".
// Values of type H are already escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func tag(name string, inner H) H {
	return H("<" + name + ">" + string(inner) + "</" + name + ">")
}

// B renders bold text.
func B(s string) H { return tag("b", Esc(s)) }

// I renders italic text.
func I(s string) H { return tag("i", Esc(s)) }

// Code renders inline monospace text.
func Code(s string) H { return tag("code", Esc(s)) }
