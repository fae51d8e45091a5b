// Package chat defines the narrow contract between the core and the
// conversational transport. The core consumes discrete events (messages,
// component selections) and emits response actions; rendering, localization,
// and the wire protocol are entirely the transport's concern.
package chat

import "context"

// Attachment is a file carried by an inbound message.
type Attachment struct {
	Name string
	URL  string
}

// Message is one inbound text message.
type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	Content     string
	Attachments []Attachment
}

// Selection is one inbound component selection (select menu, button).
type Selection struct {
	ID        string
	ChannelID string
	UserID    string
	CustomID  string
	Values    []string
}

// SelectOption is one entry of a rendered selection menu.
type SelectOption struct {
	Label       string
	Description string
	Value       string
}

// BotProfile is the transport's view of an external bot identity.
type BotProfile struct {
	ID       string
	Username string
}

// Collaborator is the outbound half of the transport contract. All methods
// are request/response; delete operations are used best-effort by callers.
type Collaborator interface {
	// SendMessage posts text to a channel and returns the message id.
	SendMessage(ctx context.Context, channelID, text string) (string, error)

	// EditMessage replaces the text of a previously sent message.
	EditMessage(ctx context.Context, channelID, messageID, text string) error

	// DeleteMessage removes a message if the transport permits it.
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	// SendSelect posts a selection menu and returns the message id. The
	// transport echoes customID back in the resulting Selection event.
	SendSelect(ctx context.Context, channelID, prompt, customID string, options []SelectOption) (string, error)

	// SendFile delivers a local file to a channel.
	SendFile(ctx context.Context, channelID, path string) error

	// CreateChannel opens an ephemeral coordination channel visible to one
	// user and returns its id.
	CreateChannel(ctx context.Context, userID, name string) (string, error)

	// DeleteChannel tears down an ephemeral channel.
	DeleteChannel(ctx context.Context, channelID string) error

	// LookupBot resolves an external bot id to its identity.
	LookupBot(ctx context.Context, botID string) (BotProfile, error)

	// FetchAttachment downloads an attachment to a local path.
	FetchAttachment(ctx context.Context, att Attachment, destPath string) error
}
