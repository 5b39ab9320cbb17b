// Package policy enforces per-account DM policy in front of the reply
// pipeline and keeps the pairing records that the "pairing" policy needs.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"sc3bridge/internal/account"
	"sc3bridge/internal/domain"
)

// PairingChecker is the part of PairingStore the gate needs.
type PairingChecker interface {
	IsPaired(ctx context.Context, accountID, senderID string) (bool, error)
	RequestCode(ctx context.Context, accountID, senderID, senderName string) (string, bool, error)
}

// GateConfig configures a Gate.
type GateConfig struct {
	AccountID string
	Policy    account.DMPolicy
	AllowFrom []string
	// Pairing is required for the pairing policy; without it every
	// unlisted sender is rejected.
	Pairing PairingChecker
	Next    domain.Dispatcher
	Logger  *slog.Logger
}

// Gate is a Dispatcher that only forwards messages from admitted senders.
// Rejected messages return a zero result so callers see no final reply.
type Gate struct {
	accountID string
	policy    account.DMPolicy
	allow     map[string]bool
	wildcard  bool
	pairing   PairingChecker
	next      domain.Dispatcher
	logger    *slog.Logger
}

// NewGate builds a gate around cfg.Next.
func NewGate(cfg GateConfig) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		accountID: cfg.AccountID,
		policy:    cfg.Policy,
		allow:     make(map[string]bool, len(cfg.AllowFrom)),
		pairing:   cfg.Pairing,
		next:      cfg.Next,
		logger:    logger,
	}
	if g.policy == "" {
		g.policy = account.PolicyOpen
	}
	for _, entry := range cfg.AllowFrom {
		id := normalizeSender(entry)
		if id == "*" {
			g.wildcard = true
		} else if id != "" {
			g.allow[id] = true
		}
	}
	return g
}

// Allowed reports whether sender appears in the allow list.
func (g *Gate) Allowed(sender string) bool {
	return g.wildcard || g.allow[normalizeSender(sender)]
}

func (g *Gate) Dispatch(ctx context.Context, msg domain.MessageContext, opts domain.DispatchOptions) (domain.DispatchResult, error) {
	sender := normalizeSender(msg.From)
	logger := g.logger.With("account", g.accountID, "sender", sender, "policy", string(g.policy))

	switch g.policy {
	case account.PolicyOpen:
		return g.next.Dispatch(ctx, msg, opts)

	case account.PolicyDisabled:
		logger.Debug("sc3bot dm dropped")
		return domain.DispatchResult{}, nil

	case account.PolicyAllowlist:
		if g.Allowed(sender) {
			return g.next.Dispatch(ctx, msg, opts)
		}
		logger.Info("sc3bot dm from unlisted sender dropped")
		return domain.DispatchResult{}, nil

	case account.PolicyPairing:
		if g.Allowed(sender) {
			return g.next.Dispatch(ctx, msg, opts)
		}
		if g.pairing == nil {
			logger.Warn("sc3bot pairing policy without a pairing store; dm dropped")
			return domain.DispatchResult{}, nil
		}
		paired, err := g.pairing.IsPaired(ctx, g.accountID, sender)
		if err != nil {
			return domain.DispatchResult{}, fmt.Errorf("pairing check: %w", err)
		}
		if paired {
			return g.next.Dispatch(ctx, msg, opts)
		}
		return g.challenge(ctx, logger, sender, msg.SenderName, opts)
	}

	logger.Warn("sc3bot unknown dm policy; dm dropped")
	return domain.DispatchResult{}, nil
}

// challenge hands an unpaired sender a code. A live code is not re-sent.
func (g *Gate) challenge(ctx context.Context, logger *slog.Logger, sender, name string, opts domain.DispatchOptions) (domain.DispatchResult, error) {
	code, created, err := g.pairing.RequestCode(ctx, g.accountID, sender, name)
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("issue pairing code: %w", err)
	}
	if !created {
		logger.Debug("sc3bot pairing code already pending")
		return domain.DispatchResult{}, nil
	}
	if opts.Deliver != nil {
		text := fmt.Sprintf("This bot requires pairing. Your code is %s.\nAsk the operator to run: sc3bridge pairing approve %s", code, code)
		if err := opts.Deliver(ctx, domain.ReplyPayload{Text: text, Kind: domain.ReplyKindBlock}); err != nil {
			logger.Warn("sc3bot pairing code delivery failed", "err", err)
		}
	}
	return domain.DispatchResult{}, nil
}

func normalizeSender(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > len("sc3bot:") && strings.EqualFold(s[:len("sc3bot:")], "sc3bot:") {
		s = s[len("sc3bot:"):]
	}
	return strings.ToLower(strings.TrimSpace(s))
}
