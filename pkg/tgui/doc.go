// Package tgui renders Telegram messages for command replies and alerts.
//
// The Builder assembles HTML-mode text line by line and escapes everything
// except RawLine, so handlers never hand unescaped input to Telegram.
package tgui
