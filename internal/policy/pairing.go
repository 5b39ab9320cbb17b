package policy

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUnknownCode is returned by Approve for codes that do not exist or expired.
var ErrUnknownCode = errors.New("unknown or expired pairing code")

// PairingConfig configures a PairingStore.
type PairingConfig struct {
	// TTL bounds how long a pairing stays valid. Zero keeps pairings forever.
	TTL time.Duration
	// CodeTTL bounds how long a pending code can be approved.
	CodeTTL time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// PairedSender is one approved sender.
type PairedSender struct {
	AccountID string
	SenderID  string
	PairedAt  time.Time
	ExpiresAt time.Time // zero when the pairing never expires
}

// PendingRequest is a code waiting for operator approval.
type PendingRequest struct {
	Code       string
	AccountID  string
	SenderID   string
	SenderName string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// PairingStore persists paired senders and pending codes in sqlite. Unpaired
// senders receive a one-time code; an operator approves it out of band.
type PairingStore struct {
	db      *sql.DB
	ownsDB  bool
	ttl     time.Duration
	codeTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// OpenPairingStore opens (creating if needed) the sqlite database at path.
func OpenPairingStore(ctx context.Context, path string, cfg PairingConfig) (*PairingStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create pairing db directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open pairing db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ps, err := NewPairingStore(ctx, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	ps.ownsDB = true
	return ps, nil
}

// NewPairingStore uses an already open database and applies migrations.
func NewPairingStore(ctx context.Context, db *sql.DB, cfg PairingConfig) (*PairingStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codeTTL := cfg.CodeTTL
	if codeTTL <= 0 {
		codeTTL = time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if err := migrate(ctx, db, logger); err != nil {
		return nil, err
	}
	return &PairingStore{
		db:      db,
		ttl:     cfg.TTL,
		codeTTL: codeTTL,
		logger:  logger,
		now:     now,
	}, nil
}

// Close releases the database if the store opened it.
func (ps *PairingStore) Close() error {
	if ps.ownsDB {
		return ps.db.Close()
	}
	return nil
}

// IsPaired reports whether sender holds an unexpired pairing on account.
func (ps *PairingStore) IsPaired(ctx context.Context, accountID, senderID string) (bool, error) {
	var count int
	err := ps.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM paired_senders
		 WHERE account_id = ? AND sender_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		accountID, senderID, ps.now().UnixMilli(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check pairing: %w", err)
	}
	return count > 0, nil
}

// RequestCode returns the pending code for sender, issuing a new one when
// none is live. created is false when an existing code was reused.
func (ps *PairingStore) RequestCode(ctx context.Context, accountID, senderID, senderName string) (code string, created bool, err error) {
	now := ps.now()

	err = ps.db.QueryRowContext(ctx,
		`SELECT code FROM pairing_requests WHERE account_id = ? AND sender_id = ? AND expires_at > ?`,
		accountID, senderID, now.UnixMilli(),
	).Scan(&code)
	if err == nil {
		return code, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("lookup pairing code: %w", err)
	}

	if _, err := ps.db.ExecContext(ctx,
		`DELETE FROM pairing_requests WHERE expires_at <= ? OR (account_id = ? AND sender_id = ?)`,
		now.UnixMilli(), accountID, senderID,
	); err != nil {
		return "", false, fmt.Errorf("clear pairing codes: %w", err)
	}

	for attempt := 0; attempt < 5; attempt++ {
		code = generateCode(6)
		_, err = ps.db.ExecContext(ctx,
			`INSERT INTO pairing_requests (code, account_id, sender_id, sender_name, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			code, accountID, senderID, senderName, now.UnixMilli(), now.Add(ps.codeTTL).UnixMilli(),
		)
		if err == nil {
			ps.logger.Info("pairing code issued", "account", accountID, "sender", senderID)
			return code, true, nil
		}
		if !strings.Contains(strings.ToLower(err.Error()), "unique") {
			break
		}
	}
	return "", false, fmt.Errorf("store pairing code: %w", err)
}

// Approve pairs the sender behind code and consumes the code.
func (ps *PairingStore) Approve(ctx context.Context, code string) (PairedSender, error) {
	code = strings.TrimSpace(code)
	now := ps.now()

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return PairedSender{}, fmt.Errorf("begin approve: %w", err)
	}
	defer tx.Rollback()

	var p PairedSender
	err = tx.QueryRowContext(ctx,
		`SELECT account_id, sender_id FROM pairing_requests WHERE code = ? AND expires_at > ?`,
		code, now.UnixMilli(),
	).Scan(&p.AccountID, &p.SenderID)
	if errors.Is(err, sql.ErrNoRows) {
		return PairedSender{}, ErrUnknownCode
	}
	if err != nil {
		return PairedSender{}, fmt.Errorf("lookup pairing code: %w", err)
	}

	p.PairedAt = now
	var expires any
	if ps.ttl > 0 {
		p.ExpiresAt = now.Add(ps.ttl)
		expires = p.ExpiresAt.UnixMilli()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO paired_senders (account_id, sender_id, paired_at, expires_at) VALUES (?, ?, ?, ?)`,
		p.AccountID, p.SenderID, now.UnixMilli(), expires,
	); err != nil {
		return PairedSender{}, fmt.Errorf("store pairing: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = ?`, code); err != nil {
		return PairedSender{}, fmt.Errorf("consume pairing code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return PairedSender{}, fmt.Errorf("commit approve: %w", err)
	}

	ps.logger.Info("sender paired", "account", p.AccountID, "sender", p.SenderID)
	return p, nil
}

// List returns live pairings, for one account or all when accountID is empty.
func (ps *PairingStore) List(ctx context.Context, accountID string) ([]PairedSender, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT account_id, sender_id, paired_at, expires_at FROM paired_senders
		 WHERE (? = '' OR account_id = ?) AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY account_id, paired_at`,
		accountID, accountID, ps.now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list pairings: %w", err)
	}
	defer rows.Close()

	var out []PairedSender
	for rows.Next() {
		var p PairedSender
		var pairedAt int64
		var expiresAt sql.NullInt64
		if err := rows.Scan(&p.AccountID, &p.SenderID, &pairedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan pairing: %w", err)
		}
		p.PairedAt = time.UnixMilli(pairedAt)
		if expiresAt.Valid {
			p.ExpiresAt = time.UnixMilli(expiresAt.Int64)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Pending returns unexpired codes awaiting approval.
func (ps *PairingStore) Pending(ctx context.Context, accountID string) ([]PendingRequest, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT code, account_id, sender_id, sender_name, created_at, expires_at FROM pairing_requests
		 WHERE (? = '' OR account_id = ?) AND expires_at > ?
		 ORDER BY created_at`,
		accountID, accountID, ps.now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("list pairing requests: %w", err)
	}
	defer rows.Close()

	var out []PendingRequest
	for rows.Next() {
		var r PendingRequest
		var created, expires int64
		if err := rows.Scan(&r.Code, &r.AccountID, &r.SenderID, &r.SenderName, &created, &expires); err != nil {
			return nil, fmt.Errorf("scan pairing request: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		r.ExpiresAt = time.UnixMilli(expires)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Revoke removes a pairing and reports whether one existed.
func (ps *PairingStore) Revoke(ctx context.Context, accountID, senderID string) (bool, error) {
	res, err := ps.db.ExecContext(ctx,
		`DELETE FROM paired_senders WHERE account_id = ? AND sender_id = ?`,
		accountID, senderID,
	)
	if err != nil {
		return false, fmt.Errorf("revoke pairing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		ps.logger.Info("pairing revoked", "account", accountID, "sender", senderID)
	}
	return n > 0, nil
}

func generateCode(length int) string {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			code[i] = '0'
			continue
		}
		code[i] = byte('0') + byte(n.Int64())
	}
	return string(code)
}
