package webhook

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"sc3bridge/internal/sc3api"
)

const validBody = `{"ok":true,"update_id":5,"message":{"message_id":1,"chat_id":42,"text":"hi"}}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newSyncRouter runs processing inline so tests can observe it.
func newSyncRouter() *Router {
	r := NewRouter(testLogger())
	r.async = func(fn func()) { fn() }
	return r
}

type recorder struct {
	mu      sync.Mutex
	updates []sc3api.Update
}

func (rec *recorder) handle(ctx context.Context, u sc3api.Update) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.updates = append(rec.updates, u)
	return nil
}

func (rec *recorder) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.updates)
}

func post(r *Router, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":               "/",
		"/":              "/",
		"hook":           "/hook",
		"/hook/":         "/hook",
		" /sc3bot/hook ": "/sc3bot/hook",
		"//":             "/",
		"/a/b//":         "/a/b",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDispatch_UnknownPathNotHandled(t *testing.T) {
	r := newSyncRouter()
	req := httptest.NewRequest(http.MethodPost, "/nope", strings.NewReader(validBody))
	w := httptest.NewRecorder()
	if r.Dispatch(w, req) {
		t.Fatal("unknown path must not be handled")
	}
}

func TestMiddleware_FallsThrough(t *testing.T) {
	r := newSyncRouter()
	r.Register(&Target{Path: "/hook", Handle: (&recorder{}).handle})

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})
	w := httptest.NewRecorder()
	r.Middleware(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	if !called || w.Code != http.StatusTeapot {
		t.Fatalf("expected next handler, got %d", w.Code)
	}
}

func TestDispatch_MethodNotAllowed(t *testing.T) {
	r := newSyncRouter()
	r.Register(&Target{Path: "/hook", Handle: (&recorder{}).handle})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hook", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if w.Header().Get("Allow") != "POST" {
		t.Fatalf("expected Allow: POST, got %q", w.Header().Get("Allow"))
	}
}

func TestDispatch_SingleOpenTargetTakesAll(t *testing.T) {
	r := newSyncRouter()
	rec := &recorder{}
	r.Register(&Target{Path: "/hook/", Handle: rec.handle})

	for _, hdr := range []map[string]string{nil, {"x-sc3bot-webhook-secret": "anything"}} {
		w := post(r, "/hook", validBody, hdr)
		if w.Code != http.StatusOK || w.Body.String() != "ok" {
			t.Fatalf("expected 200 ok, got %d %q", w.Code, w.Body.String())
		}
	}
	if rec.count() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", rec.count())
	}
	if id, _ := rec.updates[0].ResolveChatID(); id != "42" {
		t.Fatalf("expected chat 42, got %q", id)
	}
}

func TestDispatch_SecretSelectsExactTarget(t *testing.T) {
	r := newSyncRouter()
	a, b := &recorder{}, &recorder{}
	r.Register(&Target{Path: "/hook", Secret: "alpha", AccountID: "a", Handle: a.handle})
	r.Register(&Target{Path: "/hook", Secret: "beta", AccountID: "b", Handle: b.handle})

	w := post(r, "/hook", validBody, map[string]string{"x-sc3bot-webhook-secret": "beta"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if a.count() != 0 || b.count() != 1 {
		t.Fatalf("expected only b, got a=%d b=%d", a.count(), b.count())
	}

	post(r, "/hook", validBody, map[string]string{"x-sc3bot-webhook-secret": "alpha"})
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected a then b once each, got a=%d b=%d", a.count(), b.count())
	}
}

func TestDispatch_WrongSecretUnauthorized(t *testing.T) {
	r := newSyncRouter()
	rec := &recorder{}
	r.Register(&Target{Path: "/hook", Secret: "s3cret", Handle: rec.handle})

	w := post(r, "/hook", validBody, map[string]string{"x-sc3bot-webhook-secret": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if rec.count() != 0 {
		t.Fatal("processor must not run on auth failure")
	}
}

func TestDispatch_TwoOpenTargetsAmbiguous(t *testing.T) {
	r := newSyncRouter()
	a, b := &recorder{}, &recorder{}
	r.Register(&Target{Path: "/hook", Handle: a.handle})
	r.Register(&Target{Path: "/hook", Handle: b.handle})

	w := post(r, "/hook", validBody, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for ambiguous targets, got %d", w.Code)
	}
	if a.count()+b.count() != 0 {
		t.Fatal("no target should be invoked")
	}
}

func TestDispatch_OpenFallbackBesideSecretTarget(t *testing.T) {
	r := newSyncRouter()
	secured, open := &recorder{}, &recorder{}
	r.Register(&Target{Path: "/hook", Secret: "s3cret", Handle: secured.handle})
	r.Register(&Target{Path: "/hook", Handle: open.handle})

	post(r, "/hook", validBody, map[string]string{"x-sc3bot-webhook-secret": "nope"})
	if secured.count() != 0 || open.count() != 1 {
		t.Fatalf("expected open fallback, got secured=%d open=%d", secured.count(), open.count())
	}
}

func TestDispatch_BodyCeiling(t *testing.T) {
	r := newSyncRouter()
	r.Register(&Target{Path: "/hook", Handle: (&recorder{}).handle})

	// Trailing whitespace pads a valid payload to exactly the ceiling.
	exact := bytes.Repeat([]byte(" "), MaxBodyBytes)
	copy(exact, validBody)
	w := post(r, "/hook", string(exact), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected body of exactly 1 MiB to be accepted, got %d", w.Code)
	}

	over := bytes.Repeat([]byte("x"), MaxBodyBytes+1)
	w = post(r, "/hook", string(over), nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestDispatch_BadBodies(t *testing.T) {
	r := newSyncRouter()
	rec := &recorder{}
	r.Register(&Target{Path: "/hook", Handle: rec.handle})

	for name, body := range map[string]string{
		"empty":     "",
		"not json":  "{nope",
		"bad shape": `{"ok":false,"update_id":1,"message":{"message_id":1,"text":"x"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			if w := post(r, "/hook", body, nil); w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
		})
	}
	if rec.count() != 0 {
		t.Fatal("processor must not run for rejected bodies")
	}
}

func TestDispatch_HandlerErrorStaysInLogs(t *testing.T) {
	r := newSyncRouter()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r.Register(&Target{
		Path:   "/hook",
		Logger: logger,
		Handle: func(ctx context.Context, u sc3api.Update) error { return errors.New("dispatcher down") },
	})

	w := post(r, "/hook", validBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("handler failures must not change the response, got %d", w.Code)
	}
	if !strings.Contains(buf.String(), "dispatcher down") || !strings.Contains(buf.String(), "delivery_id=") {
		t.Fatalf("expected error in target logger, got %q", buf.String())
	}
}

func TestDispatch_HandlerPanicRecovered(t *testing.T) {
	r := newSyncRouter()
	r.Register(&Target{
		Path:   "/hook",
		Handle: func(ctx context.Context, u sc3api.Update) error { panic("boom") },
	})
	if w := post(r, "/hook", validBody, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestDispatch_RespondsBeforeProcessing(t *testing.T) {
	r := NewRouter(testLogger())
	release := make(chan struct{})
	done := make(chan struct{})
	r.Register(&Target{Path: "/hook", Handle: func(ctx context.Context, u sc3api.Update) error {
		<-release
		if ctx.Err() != nil {
			t.Error("processing context must outlive the request")
		}
		close(done)
		return nil
	}})

	w := post(r, "/hook", validBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	close(release)
	<-done
}

func TestUnregister_Idempotent(t *testing.T) {
	r := newSyncRouter()
	keep := &Target{Path: "/hook", Secret: "k", Handle: (&recorder{}).handle}
	r.Register(keep)
	unregister := r.Register(&Target{Path: "/hook", Secret: "x", Handle: (&recorder{}).handle})

	unregister()
	after := r.Targets("/hook")
	unregister()
	again := r.Targets("/hook")

	if len(after) != 1 || len(again) != 1 || again[0] != keep {
		t.Fatalf("expected only the kept target, got %d then %d", len(after), len(again))
	}
}

func TestUnregister_LastTargetFreesPath(t *testing.T) {
	r := newSyncRouter()
	unregister := r.Register(&Target{Path: "/hook", Handle: (&recorder{}).handle})
	unregister()

	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(validBody))
	if r.Dispatch(httptest.NewRecorder(), req) {
		t.Fatal("path should be unhandled once its last target is gone")
	}
	if len(r.Paths()) != 0 {
		t.Fatalf("expected no paths, got %v", r.Paths())
	}
}

func TestRegister_ConcurrentWithDispatch(t *testing.T) {
	r := newSyncRouter()
	rec := &recorder{}
	r.Register(&Target{Path: "/hook", Secret: "base", Handle: rec.handle})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			un := r.Register(&Target{Path: "/hook", Secret: "tmp", Handle: (&recorder{}).handle})
			un()
		}()
		go func() {
			defer wg.Done()
			post(r, "/hook", validBody, map[string]string{"x-sc3bot-webhook-secret": "base"})
		}()
	}
	wg.Wait()
	if rec.count() != 20 {
		t.Fatalf("expected 20 deliveries to base, got %d", rec.count())
	}
}
