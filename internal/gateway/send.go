package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sc3bridge/internal/account"
	"sc3bridge/internal/config"
	"sc3bridge/internal/sc3api"
	"sc3bridge/internal/textchunk"
)

// ErrNoTarget is returned when neither an explicit target nor defaultTo is set.
var ErrNoTarget = errors.New("no target chat: pass one or set defaultTo")

// SendOutbound pushes text to a chat on behalf of accountID. An empty to falls
// back to the account's defaultTo. Long text is split to the account's chunk
// limit; the ids of the sent messages are returned.
func SendOutbound(ctx context.Context, cfg *config.Config, transport sc3api.Transport, accountID, to, text string) ([]int64, error) {
	acct := account.Resolve(cfg, accountID)
	if !acct.Configured() {
		return nil, fmt.Errorf("sc3bot account %q: %w", acct.ID, account.ErrMissingToken)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty message")
	}
	target := strings.TrimSpace(to)
	if target == "" {
		target = acct.Settings.DefaultTo
	}
	if target == "" {
		return nil, ErrNoTarget
	}

	opts := sc3api.SendOptions{
		ParseMode: sc3api.ParseMode(acct.Settings.ParseMode),
		Silent:    acct.Settings.Silent,
	}
	var ids []int64
	for _, chunk := range textchunk.Split(text, acct.Settings.TextChunkLimit) {
		res := transport.SendText(ctx, acct.Token, target, chunk, opts)
		if !res.OK {
			return ids, fmt.Errorf("send to %s: %s", target, res.Error)
		}
		ids = append(ids, res.MessageID)
	}
	return ids, nil
}
