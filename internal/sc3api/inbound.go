package sc3api

import (
	"bytes"
	"crypto/hmac"
	"encoding/json"
	"math"
	"net/http"
	"strings"
)

// SecretHeader carries the shared secret on webhook deliveries.
const SecretHeader = "x-sc3bot-webhook-secret"

// DecodeJSON decodes a webhook body keeping numbers exact.
func DecodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseInboundPayload validates and converts a webhook body. It returns nil on
// any shape mismatch and never panics.
func ParseInboundPayload(raw []byte) *Update {
	v, err := DecodeJSON(raw)
	if err != nil {
		return nil
	}
	return ParseInboundValue(v)
}

// ParseInboundValue converts an already decoded JSON value into an Update.
// Required: truthy "ok", numeric "update_id", and a "message" object with a
// numeric "message_id" and string "text". The chat id comes from "chat_id"
// when numeric, else from "chat.id".
func ParseInboundValue(v any) *Update {
	body, ok := v.(map[string]any)
	if !ok || !truthy(body["ok"]) {
		return nil
	}
	updateID, ok := asInt(body["update_id"])
	if !ok {
		return nil
	}
	msgObj, ok := body["message"].(map[string]any)
	if !ok {
		return nil
	}
	messageID, ok := asInt(msgObj["message_id"])
	if !ok {
		return nil
	}
	text, ok := msgObj["text"].(string)
	if !ok {
		return nil
	}

	msg := &Message{MessageID: messageID, Text: text}
	if id, ok := asInt(msgObj["chat_id"]); ok {
		msg.ChatID = &id
	} else if chatObj, ok := msgObj["chat"].(map[string]any); ok {
		if id, ok := asInt(chatObj["id"]); ok {
			chatType, _ := chatObj["type"].(string)
			msg.Chat = &Chat{ID: id, Type: chatType}
		}
	}
	if fromObj, ok := msgObj["from"].(map[string]any); ok {
		if id, ok := asInt(fromObj["id"]); ok {
			name, _ := fromObj["name"].(string)
			username, _ := fromObj["username"].(string)
			msg.From = &User{ID: id, Name: name, Username: username}
		}
	}
	if date, ok := asInt(msgObj["date"]); ok {
		msg.Date = date
	}
	return &Update{UpdateID: updateID, Message: msg}
}

// VerifySecret reports whether the secret header in h equals expected.
// Header names match case-insensitively; an absent header or empty expected
// secret never verifies.
func VerifySecret(h http.Header, expected string) bool {
	if expected == "" {
		return false
	}
	got, found := lookupHeader(h, SecretHeader)
	if !found {
		return false
	}
	return hmac.Equal([]byte(got), []byte(expected))
}

func lookupHeader(h http.Header, name string) (string, bool) {
	if vals := h.Values(name); len(vals) > 0 {
		return vals[0], true
	}
	for k, vals := range h {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return vals[0], true
		}
	}
	return "", false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0 && !math.IsNaN(f)
	case float64:
		return t != 0 && !math.IsNaN(t)
	default:
		return true
	}
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int64(f), true
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return 0, false
		}
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}
