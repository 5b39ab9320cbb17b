// Package dispatch provides the reply pipelines the bridge can hand messages
// to: a local echo for smoke tests and an HTTP hook into the host.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"sc3bridge/internal/config"
	"sc3bridge/internal/domain"
	"sc3bridge/internal/sc3api"
)

// Echo replies with the inbound text. It is the default pipeline.
type Echo struct {
	// Prefix is prepended to every reply.
	Prefix string
}

func (e Echo) Dispatch(ctx context.Context, msg domain.MessageContext, opts domain.DispatchOptions) (domain.DispatchResult, error) {
	if strings.TrimSpace(msg.Body) == "" {
		return domain.DispatchResult{}, nil
	}
	if err := opts.Deliver(ctx, domain.ReplyPayload{Text: e.Prefix + msg.Body, Kind: domain.ReplyKindFinal}); err != nil {
		return domain.DispatchResult{}, err
	}
	return domain.DispatchResult{QueuedFinal: true, Counts: map[string]int{domain.ReplyKindFinal: 1}}, nil
}

// HTTPConfig configures an HTTP dispatcher.
type HTTPConfig struct {
	URL        string
	AuthToken  string
	Timeout    time.Duration
	HTTPClient *http.Client
	MaxRetries int
	// RetryBase scales the backoff between attempts. Defaults to one second.
	RetryBase time.Duration
	Logger    *slog.Logger
}

// HTTP posts each message context to the host and delivers the replies it
// returns.
type HTTP struct {
	url       string
	authToken string
	client    *http.Client
	retry     retryPolicy
	logger    *slog.Logger
}

type hostRequest struct {
	RequestID string                `json:"requestId"`
	Context   domain.MessageContext `json:"context"`
}

type hostResponse struct {
	Replies []domain.ReplyPayload `json:"replies"`
	Errors  []hostError           `json:"errors"`
}

type hostError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewHTTP creates an HTTP dispatcher.
func NewHTTP(cfg HTTPConfig) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = sc3api.SharedHTTPClient(timeout)
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	base := cfg.RetryBase
	if base <= 0 {
		base = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		client:    client,
		retry:     retryPolicy{maxRetries: retries, base: base},
		logger:    logger,
	}
}

func (h *HTTP) Dispatch(ctx context.Context, msg domain.MessageContext, opts domain.DispatchOptions) (domain.DispatchResult, error) {
	requestID := uuid.NewString()
	payload, err := json.Marshal(hostRequest{RequestID: requestID, Context: msg})
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("encode context: %w", err)
	}
	logger := h.logger.With("request_id", requestID, "session", msg.SessionKey)

	resp, err := doWithRetry(ctx, h.client, h.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		if h.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+h.authToken)
		}
		return req, nil
	}, logger)
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("reply host: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("read reply host response: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return domain.DispatchResult{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.DispatchResult{}, fmt.Errorf("reply host: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out hostResponse
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return domain.DispatchResult{}, fmt.Errorf("decode reply host response: %w", err)
		}
	}

	if opts.OnError != nil {
		for _, e := range out.Errors {
			opts.OnError(errors.New(e.Message), domain.ErrorInfo{Kind: e.Kind})
		}
	}

	result := domain.DispatchResult{Counts: map[string]int{}}
	for _, r := range out.Replies {
		kind := r.Kind
		if kind == "" {
			kind = domain.ReplyKindFinal
		}
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		if err := opts.Deliver(ctx, domain.ReplyPayload{Text: r.Text, Kind: kind}); err != nil {
			if opts.OnError != nil {
				opts.OnError(err, domain.ErrorInfo{Kind: kind})
			}
			continue
		}
		result.Counts[kind]++
		if kind == domain.ReplyKindFinal {
			result.QueuedFinal = true
		}
	}
	logger.Debug("reply host answered", "replies", len(out.Replies), "errors", len(out.Errors))
	return result, nil
}

// FromConfig builds the dispatcher selected by the host section.
func FromConfig(cfg config.HostConfig, logger *slog.Logger) (domain.Dispatcher, error) {
	switch cfg.Dispatcher {
	case "", "echo":
		return Echo{}, nil
	case "http":
		if cfg.ReplyURL == "" {
			return nil, errors.New("host.replyUrl is required for the http dispatcher")
		}
		return NewHTTP(HTTPConfig{
			URL:        cfg.ReplyURL,
			AuthToken:  cfg.ReplyAuthToken,
			Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
			MaxRetries: 3,
			Logger:     logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown dispatcher %q", cfg.Dispatcher)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
