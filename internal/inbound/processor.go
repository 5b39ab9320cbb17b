// Package inbound turns sc3bot updates into host message contexts, runs them
// through the reply pipeline, and delivers the replies back to the chat.
package inbound

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"sc3bridge/internal/account"
	"sc3bridge/internal/domain"
	"sc3bridge/internal/metrics"
	"sc3bridge/internal/sc3api"
	"sc3bridge/internal/textchunk"
)

// Channel is the provider tag used in session keys and message ids.
const Channel = "sc3bot"

// ErrNoChatID marks an update that carries no usable chat identifier.
var ErrNoChatID = errors.New("update has no chat identifier")

// Params bundles everything one update needs. Both intake modes build it the same way.
type Params struct {
	Account    account.Account
	Transport  sc3api.Transport
	Dispatcher domain.Dispatcher
	Status     domain.StatusSink
	// Logger should already be scoped to the account.
	Logger *slog.Logger
	Now    func() time.Time
}

// BuildContext derives the MessageContext for update. receivedAt is used when
// the message carries no timestamp.
func BuildContext(update sc3api.Update, chatID, accountID string, receivedAt time.Time) domain.MessageContext {
	msg := update.Message
	ts := receivedAt.UnixMilli()
	if msg.Date > 0 {
		ts = msg.Date * 1000
	}
	senderName := ""
	if msg.From != nil {
		senderName = msg.From.Name
		if senderName == "" {
			senderName = msg.From.Username
		}
	}
	return domain.MessageContext{
		Provider:           Channel,
		Surface:            Channel,
		AccountID:          accountID,
		ChatType:           "direct",
		From:               chatID,
		To:                 chatID,
		Body:               msg.Text,
		RawBody:            msg.Text,
		CommandBody:        msg.Text,
		BodyForAgent:       msg.Text,
		SessionKey:         Channel + ":" + chatID,
		MessageSid:         Channel + ":" + strconv.FormatInt(msg.MessageID, 10),
		SenderName:         senderName,
		OriginatingChannel: Channel,
		OriginatingTo:      chatID,
		Timestamp:          ts,
	}
}

// Process handles one update end to end. Updates without a chat id are logged
// and dropped. The returned error is the dispatcher's own failure, if any;
// delivery failures and segment errors are logged and never returned.
func Process(ctx context.Context, update sc3api.Update, p Params) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("update_id", update.UpdateID)
	now := p.Now
	if now == nil {
		now = time.Now
	}

	chatID, ok := update.ResolveChatID()
	if !ok {
		metrics.UpdatesDropped.Inc()
		logger.Error("sc3bot update dropped", "err", ErrNoChatID)
		return nil
	}

	msgCtx := BuildContext(update, chatID, p.Account.ID, now())
	if p.Status != nil {
		p.Status.RecordInbound(now())
	}
	logger.Debug("sc3bot inbound", "chat_id", chatID, "message_sid", msgCtx.MessageSid, "text_len", len(msgCtx.Body))

	replyTo := p.Account.Settings.DefaultTo
	if replyTo == "" {
		replyTo = chatID
	}

	opts := domain.DispatchOptions{
		Deliver: func(ctx context.Context, reply domain.ReplyPayload) error {
			deliver(ctx, p, logger, replyTo, reply, now)
			return nil
		},
		OnError: func(err error, info domain.ErrorInfo) {
			metrics.DispatchErrors.Inc()
			logger.Error("sc3bot reply segment failed", "kind", info.Kind, "err", err)
		},
	}

	start := time.Now()
	result, err := p.Dispatcher.Dispatch(ctx, msgCtx, opts)
	metrics.DispatchLatency.ObserveSince(start)
	if err != nil {
		metrics.DispatchErrors.Inc()
		return err
	}
	if !result.QueuedFinal {
		logger.Debug("sc3bot no final reply queued", "chat_id", chatID)
	}
	return nil
}

// deliver sends one reply, split to the account's chunk limit. Whitespace-only
// replies are skipped. Failures are logged and not retried.
func deliver(ctx context.Context, p Params, logger *slog.Logger, to string, reply domain.ReplyPayload, now func() time.Time) {
	if strings.TrimSpace(reply.Text) == "" {
		return
	}
	opts := sc3api.SendOptions{
		ParseMode: sc3api.ParseMode(p.Account.Settings.ParseMode),
		Silent:    p.Account.Settings.Silent,
	}
	for _, chunk := range textchunk.Split(reply.Text, p.Account.Settings.TextChunkLimit) {
		res := p.Transport.SendText(ctx, p.Account.Token, to, chunk, opts)
		if !res.OK {
			metrics.RepliesFailed.Inc()
			logger.Error("sc3bot reply send failed", "to", to, "kind", reply.Kind, "err", res.Error)
			return
		}
		metrics.RepliesSent.Inc()
		if p.Status != nil {
			p.Status.RecordOutbound(now())
		}
	}
}
