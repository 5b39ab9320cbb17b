package domain

import (
	"context"
	"time"
)

// Reply kinds reported by a Dispatcher.
const (
	ReplyKindTool  = "tool"
	ReplyKindBlock = "block"
	ReplyKindFinal = "final"
)

// ReplyPayload is one piece of generated output to deliver back to the chat.
type ReplyPayload struct {
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

// ErrorInfo describes which pipeline segment failed.
type ErrorInfo struct {
	Kind string
}

// DispatchOptions carries the callbacks a Dispatcher reports through.
type DispatchOptions struct {
	// Deliver sends one reply to the originating conversation.
	Deliver func(ctx context.Context, reply ReplyPayload) error
	// OnError reports a failed segment; the remaining pipeline keeps running.
	OnError func(err error, info ErrorInfo)
}

// DispatchResult summarizes what the pipeline queued.
type DispatchResult struct {
	QueuedFinal bool
	Counts      map[string]int
}

// Dispatcher is the host's reply-generation pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg MessageContext, opts DispatchOptions) (DispatchResult, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg MessageContext, opts DispatchOptions) (DispatchResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, msg MessageContext, opts DispatchOptions) (DispatchResult, error) {
	return f(ctx, msg, opts)
}

// StatusSink records activity timestamps for an account.
type StatusSink interface {
	RecordInbound(at time.Time)
	RecordOutbound(at time.Time)
}
