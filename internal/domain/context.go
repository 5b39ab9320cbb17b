package domain

// MessageContext is the host-neutral envelope built from one inbound update
// and handed to the reply pipeline. It is not retained after dispatch.
type MessageContext struct {
	Provider  string `json:"provider"`
	Surface   string `json:"surface"`
	AccountID string `json:"accountId"`
	ChatType  string `json:"chatType"` // always "direct"

	From string `json:"from"`
	To   string `json:"to"`

	Body         string `json:"body"`
	RawBody      string `json:"rawBody"`
	CommandBody  string `json:"commandBody"`
	BodyForAgent string `json:"bodyForAgent"`

	SessionKey string `json:"sessionKey"` // "{channel}:{chatId}"
	MessageSid string `json:"messageSid"` // "{channel}:{messageId}"
	SenderName string `json:"senderName,omitempty"`

	OriginatingChannel string `json:"originatingChannel"`
	OriginatingTo      string `json:"originatingTo"`

	Timestamp int64 `json:"timestamp"` // epoch milliseconds
}
