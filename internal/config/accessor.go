package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// tree is the generic JSON form of a Config that dot paths walk over.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func fromTree(t tree) (*Config, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitPath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	return parts, nil
}

// GetByPath returns the value at a dot path such as "gateway.port" or
// "channels.sc3bot.accounts.ops.defaultTo".
func GetByPath(cfg *Config, path string) (any, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var cur any = t
	for _, key := range parts {
		switch node := cur.(type) {
		case tree:
			v, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("invalid list index %q in %s", key, path)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("%s: %s is not an object", path, key)
		}
	}
	return cur, nil
}

// SetByPath stores value at a dot path, creating intermediate objects (for
// example a new entry under channels.sc3bot.accounts). String input is tried
// as a bool or number first and kept as a string when the field rejects that.
func SetByPath(cfg *Config, path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	updated, err := setAt(cfg, parts, coerce(value))
	if err != nil {
		s, isString := value.(string)
		if !isString {
			return fmt.Errorf("set %s: %w", path, err)
		}
		if updated, err = setAt(cfg, parts, s); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	*cfg = *updated
	return nil
}

func setAt(cfg *Config, parts []string, value any) (*Config, error) {
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	node := t
	for _, key := range parts[:len(parts)-1] {
		child, ok := node[key]
		if !ok || child == nil {
			next := tree{}
			node[key] = next
			node = next
			continue
		}
		next, ok := child.(tree)
		if !ok {
			return nil, fmt.Errorf("%s is not an object", key)
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
	return fromTree(t)
}

// coerce turns "true", "false" and numeric strings into their JSON types.
func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a deep copy with bot tokens, webhook secrets and the
// reply pipeline token masked.
func Sanitize(cfg *Config) *Config {
	t, err := toTree(cfg)
	if err != nil {
		return cfg
	}
	out, err := fromTree(t)
	if err != nil {
		return cfg
	}
	sc := &out.Channels.Sc3Bot
	sc.AccountConfig = maskAccount(sc.AccountConfig)
	for id, ac := range sc.Accounts {
		sc.Accounts[id] = maskAccount(ac)
	}
	out.Host.ReplyAuthToken = maskSecret(out.Host.ReplyAuthToken)
	return out
}

func maskAccount(ac AccountConfig) AccountConfig {
	ac.BotToken = maskSecret(ac.BotToken)
	if ac.WebhookSecret != "" {
		ac.WebhookSecret = "***"
	}
	return ac
}

// maskSecret keeps the first and last four characters of long values.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

// ListPaths flattens the config into dot path -> leaf value.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, node tree)
	walk = func(prefix string, node tree) {
		for k, v := range node {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			if child, ok := v.(tree); ok {
				walk(p, child)
				continue
			}
			out[p] = v
		}
	}
	walk("", t)
	return out
}
