// Package transport holds the chat-platform neutral types shared by the
// delivery path and the bot front end.
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound half of a chat adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photo []byte, caption string, opt *SendOptions) (MessageRef, error)
}

// Command is an inbound bot command such as "/start".
type Command struct {
	Name         string // without the leading slash
	Args         string
	ChatID       int64
	FromID       int64
	FromUsername string
}

// CommandHandler returns the reply text; an empty reply sends nothing.
type CommandHandler func(ctx context.Context, cmd Command) (string, error)
