// Package sc3api is the client for the sc3bot bot API: identity probe, sendMessage,
// getUpdates long-polling, and parsing/verification of webhook deliveries.
package sc3api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPollTimeout is the server-side long-poll hold time.
	DefaultPollTimeout = 30 * time.Second

	maxResponseBytes = 4 << 20
)

// Transport is the set of remote calls the bridge depends on.
type Transport interface {
	GetMe(ctx context.Context, token string) IdentityResult
	SendText(ctx context.Context, token, to, text string, opts SendOptions) SendResult
	GetUpdates(ctx context.Context, token string, opts PollOptions) PollResult
}

type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to one sc3bot API endpoint. It is stateless apart from the
// pooled HTTP client and safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

var _ Transport = (*Client)(nil)

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// envelope is the common response shape of every API method.
type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (e envelope) message(method string) string {
	if e.Error != "" {
		return e.Error
	}
	if e.Description != "" {
		return e.Description
	}
	return method + ": ok=false"
}

// call performs one API request and returns the decoded envelope. Every failure
// (network, non-2xx, undecodable body, ok=false) comes back as a message string.
func (c *Client) call(ctx context.Context, method, httpMethod, token string, query string, body any) (envelope, string) {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
	if query != "" {
		url += "?" + query
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return envelope{}, fmt.Sprintf("%s: encode request: %v", method, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, url, reader)
	if err != nil {
		return envelope{}, fmt.Sprintf("%s: build request: %v", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, fmt.Sprintf("%s: %s", method, redact(err.Error(), token))
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env envelope
		if json.Unmarshal(raw, &env) == nil && (env.Error != "" || env.Description != "") {
			return env, fmt.Sprintf("%s: HTTP %d: %s", method, resp.StatusCode, env.message(method))
		}
		return envelope{}, fmt.Sprintf("%s: HTTP %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Sprintf("%s: decode response: %v", method, err)
	}
	if !env.OK {
		return env, env.message(method)
	}
	return env, ""
}

// GetMe probes the bot identity behind token.
func (c *Client) GetMe(ctx context.Context, token string) IdentityResult {
	env, errMsg := c.call(ctx, "getMe", http.MethodGet, token, "", nil)
	if errMsg != "" {
		c.logger.Debug("sc3bot getMe failed", "err", errMsg)
		return IdentityResult{OK: false, Error: errMsg}
	}
	var me User
	if err := json.Unmarshal(env.Result, &me); err != nil {
		return IdentityResult{OK: false, Error: fmt.Sprintf("getMe: decode result: %v", err)}
	}
	return IdentityResult{OK: true, ID: me.ID, Name: me.Name, Username: me.Username}
}

// SendText delivers text to the chat identified by to (numeric id or its string form).
func (c *Client) SendText(ctx context.Context, token, to, text string, opts SendOptions) SendResult {
	chatID, err := ParseChatTarget(to)
	if err != nil {
		return SendResult{OK: false, Error: err.Error()}
	}
	req := sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: opts.ParseMode,
		Silent:    opts.Silent,
	}
	env, errMsg := c.call(ctx, "sendMessage", http.MethodPost, token, "", req)
	if errMsg != "" {
		c.logger.Debug("sc3bot sendMessage failed", "chat_id", chatID, "err", errMsg)
		return SendResult{OK: false, Error: errMsg}
	}
	var sent sentMessage
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &sent); err != nil {
			return SendResult{OK: false, Error: fmt.Sprintf("sendMessage: decode result: %v", err)}
		}
	}
	return SendResult{OK: true, MessageID: sent.MessageID}
}

// GetUpdates long-polls for updates after opts.Cursor.
func (c *Client) GetUpdates(ctx context.Context, token string, opts PollOptions) PollResult {
	timeout := opts.TimeoutSeconds
	if timeout < 0 {
		timeout = 0
	}
	query := "timeout=" + strconv.Itoa(timeout)
	if opts.Cursor > 0 {
		query += "&offset=" + strconv.FormatInt(opts.Cursor, 10)
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second+15*time.Second)
	defer cancel()

	env, errMsg := c.call(reqCtx, "getUpdates", http.MethodGet, token, query, nil)
	if errMsg != "" {
		return PollResult{OK: false, Error: errMsg}
	}
	var updates []Update
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &updates); err != nil {
			return PollResult{OK: false, Error: fmt.Sprintf("getUpdates: decode result: %v", err)}
		}
	}
	return PollResult{OK: true, Updates: updates}
}

// ParseChatTarget accepts a numeric chat id, its string form, or the string form
// prefixed with "sc3bot:".
func ParseChatTarget(to string) (int64, error) {
	s := strings.TrimSpace(to)
	s = strings.TrimPrefix(s, "sc3bot:")
	if s == "" {
		return 0, fmt.Errorf("chat target is empty")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat target %q: must be a numeric chat id", to)
	}
	return id, nil
}

// redact keeps the bot token out of logged URL errors.
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<token>")
}
