package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"sc3bridge/internal/account"
	"sc3bridge/internal/config"
	"sc3bridge/internal/dispatch"
	"sc3bridge/internal/domain"
	"sc3bridge/internal/sc3api"
	"sc3bridge/internal/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type sent struct {
	token, to, text string
}

// fakeTransport serves queued updates once, then idles until cancelled.
type fakeTransport struct {
	mu       sync.Mutex
	updates  []sc3api.Update
	sent     []sent
	probeErr string
	probes   int
	fetches  int
	sentCh   chan sent
}

func newFakeTransport(updates ...sc3api.Update) *fakeTransport {
	return &fakeTransport{updates: updates, sentCh: make(chan sent, 16)}
}

func (f *fakeTransport) GetMe(ctx context.Context, token string) sc3api.IdentityResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probeErr != "" {
		return sc3api.IdentityResult{OK: false, Error: f.probeErr}
	}
	return sc3api.IdentityResult{OK: true, ID: 1, Username: "bridge_bot"}
}

func (f *fakeTransport) SendText(ctx context.Context, token, to, text string, opts sc3api.SendOptions) sc3api.SendResult {
	f.mu.Lock()
	s := sent{token, to, text}
	f.sent = append(f.sent, s)
	n := len(f.sent)
	f.mu.Unlock()
	f.sentCh <- s
	return sc3api.SendResult{OK: true, MessageID: int64(n)}
}

func (f *fakeTransport) GetUpdates(ctx context.Context, token string, opts sc3api.PollOptions) sc3api.PollResult {
	f.mu.Lock()
	f.fetches++
	if len(f.updates) > 0 {
		u := f.updates
		f.updates = nil
		f.mu.Unlock()
		return sc3api.PollResult{OK: true, Updates: u}
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return sc3api.PollResult{OK: false, Error: ctx.Err().Error()}
	case <-time.After(5 * time.Millisecond):
		return sc3api.PollResult{OK: true}
	}
}

func (f *fakeTransport) waitSent(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.sentCh:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a send")
		return sent{}
	}
}

func chatUpdate(updateID, chatID int64, text string) sc3api.Update {
	return sc3api.Update{UpdateID: updateID, Message: &sc3api.Message{MessageID: updateID, ChatID: &chatID, Text: text}}
}

func boolPtr(b bool) *bool { return &b }

func TestStartAccount_MissingToken(t *testing.T) {
	tr := newFakeTransport()
	store := NewStore()
	err := StartAccount(context.Background(), Params{
		Account:    account.Account{ID: "default", Enabled: true, TokenSource: account.TokenNone},
		Transport:  tr,
		Dispatcher: dispatch.Echo{},
		Status:     store,
		Logger:     testLogger(),
	})
	if !errors.Is(err, account.ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if tr.probes != 0 {
		t.Fatal("probe must not run without a token")
	}
	snap, _ := store.Get("default")
	if snap.State != StateErrored || snap.Running || snap.LastError == "" {
		t.Fatalf("unexpected status: %+v", snap)
	}
}

func TestStartAccount_PollingEndToEnd(t *testing.T) {
	tr := newFakeTransport(chatUpdate(5, 42, "hi"))
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- StartAccount(ctx, Params{
			Account: account.Account{
				ID: "default", Enabled: true, Token: "T", TokenSource: account.TokenFromConfig,
				Settings: account.Settings{TextChunkLimit: 4000, ParseMode: "text"},
			},
			Transport:  tr,
			Dispatcher: dispatch.Echo{},
			Status:     store,
			Logger:     testLogger(),
		})
	}()

	s := tr.waitSent(t)
	if s.to != "42" || s.text != "hi" || s.token != "T" {
		t.Fatalf("unexpected send: %+v", s)
	}
	snap, _ := store.Get("default")
	if !snap.Running || snap.State != StateRunning || snap.Mode != account.ModePolling {
		t.Fatalf("expected running polling account, got %+v", snap)
	}
	if snap.Probe == nil || snap.Probe.Username != "bridge_bot" {
		t.Fatalf("expected probe result, got %+v", snap.Probe)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("clean stop expected, got %v", err)
	}
	snap, _ = store.Get("default")
	if snap.Running || snap.State != StateStopped || snap.Cursor != 6 {
		t.Fatalf("unexpected final status: %+v", snap)
	}
	if snap.LastInboundAt == nil || snap.LastOutboundAt == nil || snap.LastStopAt == nil {
		t.Fatalf("timestamps should be recorded: %+v", snap)
	}
}

func TestStartAccount_ProbeFailureNotFatal(t *testing.T) {
	tr := newFakeTransport()
	tr.probeErr = "HTTP 502"
	ctx, cancel := context.WithCancel(context.Background())
	store := NewStore()

	done := make(chan error, 1)
	go func() {
		done <- StartAccount(ctx, Params{
			Account:    account.Account{ID: "a", Enabled: true, Token: "T"},
			Transport:  tr,
			Dispatcher: dispatch.Echo{},
			Status:     store,
			Logger:     testLogger(),
		})
	}()
	time.Sleep(30 * time.Millisecond)
	snap, _ := store.Get("a")
	if !snap.Running {
		t.Fatalf("account should run despite failed probe: %+v", snap)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestStartAccount_WebhookRegistersAndUnregisters(t *testing.T) {
	tr := newFakeTransport()
	router := webhook.NewRouter(testLogger())
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- StartAccount(ctx, Params{
			Account: account.Account{
				ID: "hook", Enabled: true, Token: "T",
				Settings: account.Settings{
					WebhookURL:     "https://example.com/sc3/hook/",
					WebhookSecret:  "s3cret",
					TextChunkLimit: 4000,
				},
			},
			Transport:  tr,
			Dispatcher: dispatch.Echo{},
			Router:     router,
			Status:     store,
			Logger:     testLogger(),
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(router.Targets("/sc3/hook")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("webhook target never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tr.fetches != 0 {
		t.Fatal("webhook mode must not poll")
	}

	req := httptest.NewRequest(http.MethodPost, "/sc3/hook", strings.NewReader(`{"ok":true,"update_id":1,"message":{"message_id":1,"chat_id":9,"text":"yo"}}`))
	req.Header.Set(sc3api.SecretHeader, "s3cret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if s := tr.waitSent(t); s.to != "9" || s.text != "yo" {
		t.Fatalf("unexpected send: %+v", s)
	}

	cancel()
	<-done
	if len(router.Targets("/sc3/hook")) != 0 {
		t.Fatal("target should be removed on stop")
	}
	if snap, _ := store.Get("hook"); snap.WebhookPath != "/sc3/hook" || snap.Mode != account.ModeWebhook {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStartAccount_PollingExplicitlyDisabledUsesWebhook(t *testing.T) {
	acct := account.Account{ID: "x", Token: "T", Settings: account.Settings{PollingEnabled: boolPtr(false)}}
	if acct.Mode() != account.ModeWebhook || acct.WebhookRoutePath() != account.DefaultWebhookPath {
		t.Fatalf("expected webhook on default path, got %s %s", acct.Mode(), acct.WebhookRoutePath())
	}
}

func TestManager_RunServesWebhookAndStatus(t *testing.T) {
	t.Setenv(account.TokenEnvVar, "")
	cfg := config.Defaults()
	cfg.Metrics.Enabled = true
	cfg.Channels.Sc3Bot.Accounts = map[string]config.AccountConfig{
		"poll": {BotToken: "P"},
		"hook": {BotToken: "H", WebhookPath: "/hook", WebhookSecret: "s"},
		"off":  {BotToken: "O", Enabled: boolPtr(false)},
	}

	transports := map[string]*fakeTransport{
		"poll": newFakeTransport(chatUpdate(1, 11, "from poll")),
		"hook": newFakeTransport(),
		"off":  newFakeTransport(),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(ManagerConfig{
		Config:       cfg,
		Dispatcher:   dispatch.Echo{},
		NewTransport: func(a account.Account) sc3api.Transport { return transports[a.ID] },
		Listener:     ln,
		Logger:       testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	if s := transports["poll"].waitSent(t); s.to != "11" {
		t.Fatalf("unexpected poll reply: %+v", s)
	}

	base := "http://" + ln.Addr().String()
	deadline := time.Now().Add(2 * time.Second)
	for len(m.Router().Targets("/hook")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("webhook target never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	req, _ := http.NewRequest(http.MethodPost, base+"/hook", strings.NewReader(`{"ok":true,"update_id":3,"message":{"message_id":3,"chat_id":77,"text":"from hook"}}`))
	req.Header.Set("X-Sc3bot-Webhook-Secret", "s")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from webhook, got %d", resp.StatusCode)
	}
	if s := transports["hook"].waitSent(t); s.to != "77" || s.text != "from hook" {
		t.Fatalf("unexpected hook reply: %+v", s)
	}

	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Accounts []Snapshot `json:"accounts"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	states := map[string]State{}
	for _, s := range status.Accounts {
		states[s.AccountID] = s.State
	}
	if states["poll"] != StateRunning || states["hook"] != StateRunning || states["off"] != StateStopped {
		t.Fatalf("unexpected states: %v", states)
	}
	if _, ok := states["default"]; ok {
		t.Fatal("tokenless default account should not be started beside named accounts")
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "sc3bridge_webhook_targets") {
		t.Fatalf("metrics endpoint missing gauges: %s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	if transports["off"].probes != 0 {
		t.Fatal("disabled account must not start")
	}
}

func TestSendOutbound(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels.Sc3Bot.BotToken = "T"
	cfg.Channels.Sc3Bot.DefaultTo = "500"
	cfg.Channels.Sc3Bot.TextChunkLimit = 5

	tr := newFakeTransport()
	ids, err := SendOutbound(context.Background(), cfg, tr, "", "", "hello world")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || tr.sent[0].to != "500" {
		t.Fatalf("expected 3 chunks to 500, got %v %+v", ids, tr.sent)
	}

	if _, err := SendOutbound(context.Background(), cfg, tr, "", "sc3bot:9", "x"); err != nil {
		t.Fatal(err)
	}
	if last := tr.sent[len(tr.sent)-1]; last.to != "sc3bot:9" {
		t.Fatalf("explicit target should win, got %q", last.to)
	}

	cfg.Channels.Sc3Bot.DefaultTo = ""
	if _, err := SendOutbound(context.Background(), cfg, tr, "", "", "x"); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}

	t.Setenv(account.TokenEnvVar, "")
	if _, err := SendOutbound(context.Background(), config.Defaults(), tr, "", "1", "x"); !errors.Is(err, account.ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestStore_SinkAndAll(t *testing.T) {
	s := NewStore()
	at := time.Unix(100, 0)
	s.Sink("b").RecordInbound(at)
	s.Sink("a").RecordOutbound(at)

	all := s.All()
	if len(all) != 2 || all[0].AccountID != "a" || all[1].AccountID != "b" {
		t.Fatalf("unexpected snapshots: %+v", all)
	}
	if all[1].LastInboundAt == nil || !all[1].LastInboundAt.Equal(at) {
		t.Fatal("inbound timestamp not recorded")
	}
}

// ctxTransport fails sends whose context is already done, like a real client.
type ctxTransport struct {
	*fakeTransport
}

func (c ctxTransport) SendText(ctx context.Context, token, to, text string, opts sc3api.SendOptions) sc3api.SendResult {
	if err := ctx.Err(); err != nil {
		return sc3api.SendResult{OK: false, Error: err.Error()}
	}
	return c.fakeTransport.SendText(ctx, token, to, text, opts)
}

// lockedBuffer collects log output from concurrent goroutines.
type lockedBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func TestStartAccount_PollingReplyOutlivesCancel(t *testing.T) {
	tr := ctxTransport{newFakeTransport(chatUpdate(8, 42, "slow"))}
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := domain.DispatcherFunc(func(ctx context.Context, msg domain.MessageContext, opts domain.DispatchOptions) (domain.DispatchResult, error) {
		close(entered)
		<-release
		if err := opts.Deliver(ctx, domain.ReplyPayload{Text: "late reply", Kind: domain.ReplyKindFinal}); err != nil {
			return domain.DispatchResult{}, err
		}
		return domain.DispatchResult{QueuedFinal: true}, nil
	})

	var logs lockedBuffer
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- StartAccount(ctx, Params{
			Account: account.Account{
				ID: "default", Enabled: true, Token: "T", TokenSource: account.TokenFromConfig,
				Settings: account.Settings{TextChunkLimit: 4000, ParseMode: "text"},
			},
			Transport:  tr,
			Dispatcher: slow,
			Status:     store,
			Logger:     slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		})
	}()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("dispatcher never called")
	}
	cancel()
	close(release)

	if s := tr.waitSent(t); s.to != "42" || s.text != "late reply" {
		t.Fatalf("unexpected send: %+v", s)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("clean stop expected, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("account did not stop")
	}
	snap, _ := store.Get("default")
	if snap.Cursor != 9 || snap.LastOutboundAt == nil {
		t.Fatalf("in-flight update should complete: %+v", snap)
	}

	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		if n := strings.Count(line, "account=default"); n != 1 {
			t.Errorf("expected the account attribute once, got %d: %s", n, line)
		}
	}
}

func TestManager_OnAccountExitReportsFatalError(t *testing.T) {
	t.Setenv(account.TokenEnvVar, "")
	cfg := config.Defaults()
	cfg.Channels.Sc3Bot.Accounts = map[string]config.AccountConfig{
		"ok":      {BotToken: "K"},
		"missing": {},
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	exits := map[string]error{}
	exited := make(chan string, 4)
	m := NewManager(ManagerConfig{
		Config:       cfg,
		Dispatcher:   dispatch.Echo{},
		NewTransport: func(a account.Account) sc3api.Transport { return newFakeTransport() },
		Listener:     ln,
		Logger:       testLogger(),
		OnAccountExit: func(id string, err error) {
			mu.Lock()
			exits[id] = err
			mu.Unlock()
			exited <- id
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case id := <-exited:
		if id != "missing" {
			t.Fatalf("expected the tokenless account to exit first, got %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no account exit reported")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(exits["missing"], account.ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken for missing, got %v", exits["missing"])
	}
	if err, ok := exits["ok"]; !ok || err != nil {
		t.Fatalf("expected a clean exit for ok, got %v (reported %v)", err, ok)
	}
}
