package gateway

import (
	"sort"
	"sync"
	"time"

	"sc3bridge/internal/account"
	"sc3bridge/internal/domain"
	"sc3bridge/internal/sc3api"
)

// State is an account's lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateProbing State = "probing"
	StateRunning State = "running"
	StateErrored State = "errored"
)

// Snapshot is the host-facing view of one account.
type Snapshot struct {
	AccountID      string                 `json:"accountId"`
	Name           string                 `json:"name,omitempty"`
	Enabled        bool                   `json:"enabled"`
	Configured     bool                   `json:"configured"`
	State          State                  `json:"state"`
	Running        bool                   `json:"running"`
	Mode           account.Mode           `json:"mode,omitempty"`
	WebhookPath    string                 `json:"webhookPath,omitempty"`
	TokenSource    account.TokenSource    `json:"tokenSource"`
	RunID          string                 `json:"runId,omitempty"`
	Cursor         int64                  `json:"cursor,omitempty"`
	LastStartAt    *time.Time             `json:"lastStartAt,omitempty"`
	LastStopAt     *time.Time             `json:"lastStopAt,omitempty"`
	LastInboundAt  *time.Time             `json:"lastInboundAt,omitempty"`
	LastOutboundAt *time.Time             `json:"lastOutboundAt,omitempty"`
	LastError      string                 `json:"lastError,omitempty"`
	Probe          *sc3api.IdentityResult `json:"probe,omitempty"`
}

// Store holds the latest Snapshot per account. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*Snapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{accounts: make(map[string]*Snapshot)}
}

// Update applies fn to the snapshot for id, creating it if needed.
func (s *Store) Update(id string, fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.accounts[id]
	if !ok {
		snap = &Snapshot{AccountID: id, State: StateStopped}
		s.accounts[id] = snap
	}
	fn(snap)
}

// Get returns a copy of the snapshot for id.
func (s *Store) Get(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.accounts[id]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// All returns copies of every snapshot, sorted by account id.
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.accounts))
	for _, snap := range s.accounts {
		out = append(out, *snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Sink returns a StatusSink that records activity for id.
func (s *Store) Sink(id string) domain.StatusSink {
	return accountSink{store: s, id: id}
}

type accountSink struct {
	store *Store
	id    string
}

func (a accountSink) RecordInbound(at time.Time) {
	a.store.Update(a.id, func(s *Snapshot) { s.LastInboundAt = &at })
}

func (a accountSink) RecordOutbound(at time.Time) {
	a.store.Update(a.id, func(s *Snapshot) { s.LastOutboundAt = &at })
}
