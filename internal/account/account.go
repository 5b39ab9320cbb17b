// Package account resolves the effective settings for one sc3bot account by
// merging the per-account section, the channel-level defaults and the environment.
package account

import (
	"errors"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"sc3bridge/internal/config"
)

const (
	// DefaultID names the account used when none is specified.
	DefaultID = "default"
	// TokenEnvVar supplies the bot credential for the default account when config has none.
	TokenEnvVar = "SC3BOT_BOT_TOKEN"

	DefaultAPIBase         = "https://api.sc3bot.com"
	DefaultWebhookPath     = "/sc3bot/webhook"
	DefaultPollingInterval = time.Second
	DefaultTextChunkLimit  = 4000
)

// ErrMissingToken is returned when an account is started without a bot credential.
var ErrMissingToken = errors.New("sc3bot bot token is not configured")

// TokenSource records where the credential came from.
type TokenSource string

const (
	TokenFromConfig TokenSource = "config"
	TokenFromEnv    TokenSource = "env"
	TokenNone       TokenSource = "none"
)

// DMPolicy governs which senders' direct messages are accepted.
type DMPolicy string

const (
	PolicyOpen      DMPolicy = "open"
	PolicyPairing   DMPolicy = "pairing"
	PolicyAllowlist DMPolicy = "allowlist"
	PolicyDisabled  DMPolicy = "disabled"
)

// Mode is the update intake mode chosen for an account.
type Mode string

const (
	ModePolling Mode = "polling"
	ModeWebhook Mode = "webhook"
)

// Settings is the merged configuration bag of one account.
type Settings struct {
	DefaultTo       string
	APIBase         string
	WebhookURL      string
	WebhookPath     string
	WebhookSecret   string
	DMPolicy        DMPolicy
	AllowFrom       []string
	PollingEnabled  *bool
	PollingInterval time.Duration
	TextChunkLimit  int
	ParseMode       string
	Silent          bool
}

// Account is a resolved view of one configured account. It is recomputed on
// every Resolve call so configuration edits take effect on the next lookup.
type Account struct {
	ID          string
	Name        string
	Enabled     bool
	Token       string
	TokenSource TokenSource
	Settings    Settings
}

// Configured reports whether the account has a usable credential.
func (a Account) Configured() bool {
	return a.Token != ""
}

// WebhookConfigured reports whether any webhook field is set.
func (a Account) WebhookConfigured() bool {
	s := a.Settings
	return s.WebhookURL != "" || s.WebhookPath != "" || s.WebhookSecret != ""
}

// Mode decides between polling and webhook intake. An explicit pollingEnabled is
// authoritative; otherwise any webhook field selects webhook mode.
func (a Account) Mode() Mode {
	if pe := a.Settings.PollingEnabled; pe != nil {
		if *pe {
			return ModePolling
		}
		return ModeWebhook
	}
	if a.WebhookConfigured() {
		return ModeWebhook
	}
	return ModePolling
}

// WebhookRoutePath returns the local path webhook deliveries for this account arrive on:
// the explicit path, else the path component of the webhook URL, else the default.
func (a Account) WebhookRoutePath() string {
	if p := strings.TrimSpace(a.Settings.WebhookPath); p != "" {
		return p
	}
	if raw := strings.TrimSpace(a.Settings.WebhookURL); raw != "" {
		if u, err := url.Parse(raw); err == nil && u.Path != "" && u.Path != "/" {
			return u.Path
		}
	}
	return DefaultWebhookPath
}

// NormalizeID trims and lowercases an account id; empty becomes DefaultID.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return DefaultID
	}
	return id
}

// ListAccountIDs returns the configured account ids with DefaultID first.
func ListAccountIDs(cfg *config.Config) []string {
	accounts := cfg.Channels.Sc3Bot.Accounts
	if len(accounts) == 0 {
		return []string{DefaultID}
	}
	seen := map[string]bool{DefaultID: true}
	var rest []string
	for id := range accounts {
		id = NormalizeID(id)
		if seen[id] {
			continue
		}
		seen[id] = true
		rest = append(rest, id)
	}
	sort.Strings(rest)
	return append([]string{DefaultID}, rest...)
}

// Resolver merges configuration with the process environment.
type Resolver struct {
	LookupEnv func(string) (string, bool)
}

// Resolve uses the real process environment.
func Resolve(cfg *config.Config, accountID string) Account {
	return Resolver{LookupEnv: os.LookupEnv}.Resolve(cfg, accountID)
}

// Resolve builds the Account for accountID. Per-account values win over channel-level
// values, which win over the environment (credential only, default account only),
// which win over built-in defaults.
func (r Resolver) Resolve(cfg *config.Config, accountID string) Account {
	id := NormalizeID(accountID)
	base := cfg.Channels.Sc3Bot.AccountConfig
	override := lookupAccount(cfg.Channels.Sc3Bot.Accounts, id)

	acct := Account{
		ID:      id,
		Name:    firstString(override.Name, base.Name),
		Enabled: firstBool(true, override.Enabled, base.Enabled),
	}

	switch {
	case strings.TrimSpace(override.BotToken) != "":
		acct.Token, acct.TokenSource = strings.TrimSpace(override.BotToken), TokenFromConfig
	case strings.TrimSpace(base.BotToken) != "":
		acct.Token, acct.TokenSource = strings.TrimSpace(base.BotToken), TokenFromConfig
	default:
		acct.TokenSource = TokenNone
		if id == DefaultID && r.LookupEnv != nil {
			if v, ok := r.LookupEnv(TokenEnvVar); ok && strings.TrimSpace(v) != "" {
				acct.Token, acct.TokenSource = strings.TrimSpace(v), TokenFromEnv
			}
		}
	}

	interval := DefaultPollingInterval
	if ms := firstInt(override.PollingIntervalMs, base.PollingIntervalMs); ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}
	chunk := firstInt(override.TextChunkLimit, base.TextChunkLimit)
	if chunk <= 0 {
		chunk = DefaultTextChunkLimit
	}
	policy := DMPolicy(firstString(override.DMPolicy, base.DMPolicy))
	if policy == "" {
		policy = PolicyOpen
	}
	allow := []string(override.AllowFrom)
	if len(allow) == 0 {
		allow = []string(base.AllowFrom)
	}

	acct.Settings = Settings{
		DefaultTo:       firstString(override.DefaultTo, base.DefaultTo),
		APIBase:         firstString(override.APIBase, base.APIBase, DefaultAPIBase),
		WebhookURL:      firstString(override.WebhookURL, base.WebhookURL),
		WebhookPath:     firstString(override.WebhookPath, base.WebhookPath),
		WebhookSecret:   firstString(override.WebhookSecret, base.WebhookSecret),
		DMPolicy:        policy,
		AllowFrom:       append([]string(nil), allow...),
		PollingEnabled:  firstBoolPtr(override.PollingEnabled, base.PollingEnabled),
		PollingInterval: interval,
		TextChunkLimit:  chunk,
		ParseMode:       firstString(override.ParseMode, base.ParseMode, "text"),
		Silent:          firstBool(false, override.Silent, base.Silent),
	}
	return acct
}

func lookupAccount(accounts map[string]config.AccountConfig, id string) config.AccountConfig {
	if ac, ok := accounts[id]; ok {
		return ac
	}
	for k, ac := range accounts {
		if NormalizeID(k) == id {
			return ac
		}
	}
	return config.AccountConfig{}
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstBool(def bool, vals ...*bool) bool {
	if p := firstBoolPtr(vals...); p != nil {
		return *p
	}
	return def
}

func firstBoolPtr(vals ...*bool) *bool {
	for _, v := range vals {
		if v != nil {
			b := *v
			return &b
		}
	}
	return nil
}
