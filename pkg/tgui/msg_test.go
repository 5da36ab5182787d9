package tgui

import (
	"strings"
	"testing"
)

func TestBuilderEscapes(t *testing.T) {
	m := New().
		Title("🎓", "alice: current grades").
		Blank().
		Line("Math <Midterm> 90 & up").
		Build()

	want := "🎓 <b>alice: current grades</b>\n\nMath &lt;Midterm&gt; 90 &amp; up"
	if m.Text != want {
		t.Fatalf("text:\n got %q\nwant %q", m.Text, want)
	}
	if m.Opt == nil || m.Opt.ParseMode != "HTML" || !m.Opt.DisablePreview {
		t.Fatalf("options: %+v", m.Opt)
	}
}

func TestBuilderBullets(t *testing.T) {
	m := New().Bullets("one", "  ", "two & three").Build()
	want := "• one\n• two &amp; three"
	if m.Text != want {
		t.Fatalf("bullets: %q", m.Text)
	}
}

func TestBuilderRawAndCode(t *testing.T) {
	m := New().RawLine(B("bold").String()).Code("go version").Build()
	if !strings.Contains(m.Text, "<b>bold</b>") || !strings.Contains(m.Text, "<code>go version</code>") {
		t.Fatalf("raw/code: %q", m.Text)
	}
}

func TestBuilderKV(t *testing.T) {
	m := New().
		KV("State", "paused & idle").
		KV("  ", "dropped").
		KV("Accounts", "").
		Build()
	want := "• <b>State</b>: paused &amp; idle\n• <b>Accounts</b>: "
	if m.Text != want {
		t.Fatalf("kv:\n got %q\nwant %q", m.Text, want)
	}
}

func TestBuilderPlainParseMode(t *testing.T) {
	m := New().
		ParseMode("").
		Title("🩺", "health").
		KV("state", "ok").
		Line("a <b> stays").
		Code("go version").
		Build()

	want := "🩺 health\n• state: ok\na <b> stays\ngo version"
	if m.Text != want {
		t.Fatalf("plain:\n got %q\nwant %q", m.Text, want)
	}
	if m.Opt == nil || m.Opt.ParseMode != "" {
		t.Fatalf("options: %+v", m.Opt)
	}
}

func TestHTMLHelpers(t *testing.T) {
	if got := B("a<b").String(); got != "<b>a&lt;b</b>" {
		t.Fatalf("B: %q", got)
	}
	if got := Esc(`"quotes"`).String(); got != "&#34;quotes&#34;" {
		t.Fatalf("Esc: %q", got)
	}
	if got := Code("x > 1").String(); got != "<code>x &gt; 1</code>" {
		t.Fatalf("Code: %q", got)
	}
}
