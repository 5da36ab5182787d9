// Package transport defines the messaging-platform neutral types the bot
// core speaks. The Telegram implementation lives under transport/telegram;
// everything above it (router, notifier, monitor) depends only on this
// package so the delivery channel stays swappable.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event. Exactly one of Message/Callback is set,
// matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is an inbound chat message.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread, 0 outside forums
	FromID       int64
	FromUsername string
	Text         string
}

// Callback is an inline-button press.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// ChatTarget addresses an outbound message.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a sent message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool

	// ReplyMarkupAdapter carries adapter-specific keyboard markup
	// (Telegram: *telebot.ReplyMarkup). Only honored on sends and edits of
	// single messages.
	ReplyMarkupAdapter any
}

// Notification is an outbound message queued through the notifier: grade
// change alerts, survey warnings, fetch-error reports, digests.
type Notification struct {
	Channel  string // logical stream, e.g. "grades.update", "monitor.survey"
	Priority int    // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter is a messaging backend. Start feeds inbound updates into out
// until ctx is canceled. SendText, EditText and AnswerCallback are safe for
// concurrent use.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can sync a command
// menu (Telegram setMyCommands). The router feeds it the registered routes.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
