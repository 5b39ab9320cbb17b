// Package webhook routes sc3bot webhook deliveries to the account that owns
// them. Several accounts may share one path; the secret header picks between
// them.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"sc3bridge/internal/metrics"
	"sc3bridge/internal/sc3api"
)

// MaxBodyBytes is the largest webhook body accepted.
const MaxBodyBytes = 1 << 20

// ErrBodyTooLarge is returned by ReadBody when the ceiling is exceeded.
var ErrBodyTooLarge = errors.New("webhook body exceeds 1 MiB")

// Handler consumes one parsed update for a target.
type Handler func(ctx context.Context, update sc3api.Update) error

// Target binds a path, and optionally a secret, to one account's processing.
type Target struct {
	Path      string
	Secret    string
	AccountID string
	Handle    Handler
	// Logger is expected to carry the account attribute already.
	Logger *slog.Logger
}

// Router is safe for concurrent use. Lookups read an immutable snapshot;
// register and unregister swap in a new one.
type Router struct {
	mu     sync.Mutex
	table  atomic.Pointer[map[string][]*Target]
	logger *slog.Logger
	// async runs processing after the response is written. Tests replace it.
	async func(func())
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		logger: logger,
		async:  func(fn func()) { go fn() },
	}
	empty := map[string][]*Target{}
	r.table.Store(&empty)
	return r
}

// NormalizePath enforces a leading slash and strips a trailing one, except
// for the root path.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// Register adds t under its normalized path and returns a function that
// removes exactly this target. Calling it more than once is harmless.
func (r *Router) Register(t *Target) func() {
	path := NormalizePath(t.Path)
	r.mu.Lock()
	cur := *r.table.Load()
	next := make(map[string][]*Target, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	list := make([]*Target, 0, len(cur[path])+1)
	list = append(list, cur[path]...)
	next[path] = append(list, t)
	r.table.Store(&next)
	r.mu.Unlock()
	metrics.WebhookTargets.Inc()

	r.logger.Info("webhook target registered", "path", path, "account", t.AccountID, "secret", t.Secret != "")

	var once sync.Once
	return func() {
		once.Do(func() {
			if r.remove(path, t) {
				metrics.WebhookTargets.Dec()
				r.logger.Info("webhook target removed", "path", path, "account", t.AccountID)
			}
		})
	}
}

func (r *Router) remove(path string, t *Target) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.table.Load()
	list := cur[path]
	idx := -1
	for i, existing := range list {
		if existing == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	next := make(map[string][]*Target, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	remaining := make([]*Target, 0, len(list)-1)
	remaining = append(remaining, list[:idx]...)
	remaining = append(remaining, list[idx+1:]...)
	if len(remaining) == 0 {
		delete(next, path)
	} else {
		next[path] = remaining
	}
	r.table.Store(&next)
	return true
}

// Targets returns the targets registered at path, in registration order.
func (r *Router) Targets(path string) []*Target {
	list := (*r.table.Load())[NormalizePath(path)]
	out := make([]*Target, len(list))
	copy(out, list)
	return out
}

// Paths lists every path with at least one target.
func (r *Router) Paths() []string {
	table := *r.table.Load()
	out := make([]string, 0, len(table))
	for p := range table {
		out = append(out, p)
	}
	return out
}

// Middleware serves registered webhook paths and hands everything else to next.
func (r *Router) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.Dispatch(w, req) {
			return
		}
		if next == nil {
			http.NotFound(w, req)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// ServeHTTP lets the router stand alone; unknown paths get 404.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Middleware(nil).ServeHTTP(w, req)
}

// Dispatch handles req when its path has registered targets and reports
// whether it did. A 200 is written before the update is processed.
func (r *Router) Dispatch(w http.ResponseWriter, req *http.Request) bool {
	path := NormalizePath(req.URL.Path)
	targets := (*r.table.Load())[path]
	if len(targets) == 0 {
		return false
	}

	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respond(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return true
	}

	target := selectTarget(targets, req.Header)
	if target == nil {
		r.logger.Warn("webhook rejected", "path", path, "reason", "no matching target", "targets", len(targets))
		respond(w, http.StatusUnauthorized, "unauthorized")
		return true
	}

	body, err := ReadBody(req.Body)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			respond(w, http.StatusRequestEntityTooLarge, "Payload Too Large")
		} else {
			respond(w, http.StatusBadRequest, "Bad Request")
		}
		return true
	}
	if len(body) == 0 {
		respond(w, http.StatusBadRequest, "empty body")
		return true
	}
	value, err := sc3api.DecodeJSON(body)
	if err != nil {
		respond(w, http.StatusBadRequest, "invalid json")
		return true
	}
	update := sc3api.ParseInboundValue(value)
	if update == nil {
		respond(w, http.StatusBadRequest, "invalid payload")
		return true
	}

	respond(w, http.StatusOK, "ok")
	metrics.UpdatesReceived("webhook").Inc()

	deliveryID := uuid.NewString()
	logger := target.Logger
	if logger == nil {
		logger = r.logger.With("account", target.AccountID)
	}
	logger = logger.With("delivery_id", deliveryID, "update_id", update.UpdateID)
	// The request context ends with the response; processing must outlive it.
	ctx := context.WithoutCancel(req.Context())
	r.async(func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("webhook processing panicked", "err", fmt.Errorf("panic: %v", rec))
			}
		}()
		if err := target.Handle(ctx, *update); err != nil {
			logger.Error("webhook processing failed", "err", err)
		}
	})
	return true
}

// ReadBody reads at most MaxBodyBytes from body.
func ReadBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	if len(data) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// selectTarget picks the target for a request. A lone unsecured target takes
// everything; otherwise the secret header decides, falling back to the single
// unsecured target if there is exactly one.
func selectTarget(targets []*Target, h http.Header) *Target {
	if len(targets) == 1 && targets[0].Secret == "" {
		return targets[0]
	}
	for _, t := range targets {
		if t.Secret != "" && sc3api.VerifySecret(h, t.Secret) {
			return t
		}
	}
	var open *Target
	for _, t := range targets {
		if t.Secret == "" {
			if open != nil {
				return nil
			}
			open = t
		}
	}
	return open
}

func respond(w http.ResponseWriter, status int, msg string) {
	metrics.WebhookResponses(status).Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}
