package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for sc3bridge.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Host     HostConfig     `json:"host" yaml:"host"`
	Pairing  PairingConfig  `json:"pairing" yaml:"pairing"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat,omitempty" yaml:"logFormat,omitempty"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// GatewayConfig configures the shared HTTP listener that serves webhook targets.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

type ChannelsConfig struct {
	Sc3Bot Sc3BotConfig `json:"sc3bot" yaml:"sc3bot"`
}

// AccountConfig holds the fields that may be set per account or once for the whole channel.
// Zero values mean "not set" so that the resolver can fall through to the next level.
type AccountConfig struct {
	Enabled           *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Name              string         `json:"name,omitempty" yaml:"name,omitempty"`
	BotToken          string         `json:"botToken,omitempty" yaml:"botToken,omitempty"`
	DefaultTo         string         `json:"defaultTo,omitempty" yaml:"defaultTo,omitempty"`
	APIBase           string         `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	WebhookURL        string         `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
	WebhookPath       string         `json:"webhookPath,omitempty" yaml:"webhookPath,omitempty"`
	WebhookSecret     string         `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
	DMPolicy          string         `json:"dmPolicy,omitempty" yaml:"dmPolicy,omitempty"` // open | pairing | allowlist | disabled
	AllowFrom         FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	PollingEnabled    *bool          `json:"pollingEnabled,omitempty" yaml:"pollingEnabled,omitempty"`
	PollingIntervalMs int            `json:"pollingIntervalMs,omitempty" yaml:"pollingIntervalMs,omitempty"`
	TextChunkLimit    int            `json:"textChunkLimit,omitempty" yaml:"textChunkLimit,omitempty"`
	ParseMode         string         `json:"parseMode,omitempty" yaml:"parseMode,omitempty"` // text | markdown
	Silent            *bool          `json:"silent,omitempty" yaml:"silent,omitempty"`
}

// Sc3BotConfig is the channel-level section. Its inline fields act as defaults for every account.
type Sc3BotConfig struct {
	AccountConfig `yaml:",inline"`
	Accounts      map[string]AccountConfig `json:"accounts,omitempty" yaml:"accounts,omitempty"`
}

// FlexStringList is a []string that can unmarshal from arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return fmt.Errorf("allowFrom: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out = append(out, strconv.FormatInt(n, 10))
			} else if fl, err := v.Float64(); err == nil {
				out = append(out, strconv.FormatInt(int64(fl), 10))
			} else {
				out = append(out, v.String())
			}
		default:
			return fmt.Errorf("allowFrom: unsupported entry %v", v)
		}
	}
	*f = out
	return nil
}

// UnmarshalYAML accepts scalars of any type; yaml already renders numbers as their literal text.
func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("allowFrom: expected a list, got %s", node.Tag)
	}
	result := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("allowFrom: entries must be scalars")
		}
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

// HostConfig selects the reply pipeline inbound messages are handed to.
type HostConfig struct {
	Dispatcher     string `json:"dispatcher" yaml:"dispatcher"` // "echo" | "http"
	ReplyURL       string `json:"replyUrl,omitempty" yaml:"replyUrl,omitempty"`
	ReplyAuthToken string `json:"replyAuthToken,omitempty" yaml:"replyAuthToken,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

type PairingConfig struct {
	DBPath         string `json:"dbPath" yaml:"dbPath"`
	TTLDays        int    `json:"ttlDays,omitempty" yaml:"ttlDays,omitempty"`
	CodeTTLMinutes int    `json:"codeTtlMinutes,omitempty" yaml:"codeTtlMinutes,omitempty"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.sc3bridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sc3bridge"
	}
	return filepath.Join(home, ".sc3bridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	cfg, err := Parse(data, isYAML(path))
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Parse decodes config bytes on top of Defaults after expanding ${VAR} references.
func Parse(data []byte, asYAML bool) (*Config, error) {
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if asYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Pairing.DBPath = ExpandPath(cfg.Pairing.DBPath)
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-fallback}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvVars substitutes ${VAR} references with environment values. An
// unset or empty VAR takes the fallback when one is given and is otherwise
// left as written.
func ExpandEnvVars(input string) string {
	var b strings.Builder
	last := 0
	for _, m := range envVarPattern.FindAllStringSubmatchIndex(input, -1) {
		b.WriteString(input[last:m[0]])
		last = m[1]

		if val := os.Getenv(input[m[2]:m[3]]); val != "" {
			b.WriteString(val)
			continue
		}
		if m[4] >= 0 && m[7] > m[6] {
			b.WriteString(input[m[6]:m[7]])
			continue
		}
		b.WriteString(input[m[0]:m[1]])
	}
	b.WriteString(input[last:])
	return b.String()
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

var (
	validPolicies   = map[string]bool{"": true, "open": true, "pairing": true, "allowlist": true, "disabled": true}
	validParseModes = map[string]bool{"": true, "text": true, "markdown": true}
)

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 0 and 65535")
	}

	switch cfg.Host.Dispatcher {
	case "", "echo":
	case "http":
		if cfg.Host.ReplyURL == "" {
			errs = append(errs, "host.replyUrl is required when host.dispatcher is http")
		}
	default:
		errs = append(errs, "host.dispatcher must be one of: echo, http")
	}

	sc := cfg.Channels.Sc3Bot
	errs = append(errs, validateAccount("channels.sc3bot", sc.AccountConfig)...)
	for id, ac := range sc.Accounts {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "channels.sc3bot.accounts: account id must not be empty")
			continue
		}
		errs = append(errs, validateAccount("channels.sc3bot.accounts."+id, ac)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateAccount(prefix string, ac AccountConfig) []string {
	var errs []string
	if !validPolicies[ac.DMPolicy] {
		errs = append(errs, prefix+".dmPolicy must be one of: open, pairing, allowlist, disabled")
	}
	if !validParseModes[ac.ParseMode] {
		errs = append(errs, prefix+".parseMode must be one of: text, markdown")
	}
	if ac.PollingIntervalMs < 0 {
		errs = append(errs, prefix+".pollingIntervalMs must be >= 0")
	}
	if ac.TextChunkLimit < 0 {
		errs = append(errs, prefix+".textChunkLimit must be >= 0")
	}
	if ac.WebhookURL != "" && !strings.HasPrefix(ac.WebhookURL, "http://") && !strings.HasPrefix(ac.WebhookURL, "https://") {
		errs = append(errs, prefix+".webhookUrl must be an http(s) URL")
	}
	return errs
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
