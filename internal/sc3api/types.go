package sc3api

import "strconv"

// Chat is the nested chat object of an inbound message.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// User is the sender of a message or the bot identity returned by getMe.
type User struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// Message is the payload carried by an Update.
type Message struct {
	MessageID int64  `json:"message_id"`
	ChatID    *int64 `json:"chat_id,omitempty"`
	Chat      *Chat  `json:"chat,omitempty"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text"`
	Date      int64  `json:"date,omitempty"` // unix seconds
}

// Update is one inbound event. UpdateID increases monotonically per bot.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// ResolveChatID returns the chat identifier using the fallback order
// chat.id, chat_id, from.id. ok is false when none is present.
func (u Update) ResolveChatID() (string, bool) {
	m := u.Message
	if m == nil {
		return "", false
	}
	switch {
	case m.Chat != nil:
		return strconv.FormatInt(m.Chat.ID, 10), true
	case m.ChatID != nil:
		return strconv.FormatInt(*m.ChatID, 10), true
	case m.From != nil && m.From.ID != 0:
		return strconv.FormatInt(m.From.ID, 10), true
	}
	return "", false
}

// ParseMode selects how the remote API renders outbound text.
type ParseMode string

const (
	ParseModeText     ParseMode = "text"
	ParseModeMarkdown ParseMode = "markdown"
)

// SendOptions tune a sendMessage call.
type SendOptions struct {
	ParseMode ParseMode
	Silent    bool
}

// PollOptions tune a getUpdates call. Cursor is the exclusive lower bound of
// already-seen updates; zero omits the offset parameter.
type PollOptions struct {
	TimeoutSeconds int
	Cursor         int64
}

// IdentityResult is the outcome of getMe.
type IdentityResult struct {
	OK       bool   `json:"ok"`
	ID       int64  `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SendResult is the outcome of sendMessage.
type SendResult struct {
	OK        bool   `json:"ok"`
	MessageID int64  `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PollResult is the outcome of getUpdates.
type PollResult struct {
	OK      bool
	Updates []Update
	Error   string
}

type sendMessageRequest struct {
	ChatID    int64     `json:"chat_id"`
	Text      string    `json:"text"`
	ParseMode ParseMode `json:"parse_mode,omitempty"`
	Silent    bool      `json:"silent,omitempty"`
}

type sentMessage struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	Date      int64  `json:"date,omitempty"`
}
