package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/algotrade/feedmux/internal/api"
	"github.com/algotrade/feedmux/internal/auth"
	"github.com/algotrade/feedmux/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeClient is an in-memory transport. Closing it closes the messages
// channel, exactly as the real transport does when it dies.
type fakeClient struct {
	connectErr error

	mu        sync.Mutex
	connected bool
	closed    bool

	sentCh   chan []byte
	messages chan TimestampedMessage
	errs     chan error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sentCh:   make(chan []byte, 64),
		messages: make(chan TimestampedMessage, 64),
		errs:     make(chan error, 1),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.connected = false
	close(f.messages)
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case f.sentCh <- cp:
	default:
	}
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.messages }
func (f *fakeClient) Errors() <-chan error                { return f.errs }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// push injects one inbound frame as if the gateway sent it.
func (f *fakeClient) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.messages <- TimestampedMessage{Data: []byte(frame), ReceivedAt: time.Now()}:
	case <-time.After(time.Second):
		t.Fatal("transport message buffer stuck")
	}
}

// sentFrame decodes any outbound frame for assertions.
type sentFrame struct {
	Action  string             `json:"action"`
	APIKey  string             `json:"api_key"`
	Symbols []model.Instrument `json:"symbols"`
	Mode    string             `json:"mode"`
}

// waitFrame receives outbound frames until one with the given action
// arrives.
func (f *fakeClient) waitFrame(t *testing.T, action string) sentFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-f.sentCh:
			var sf sentFrame
			if err := json.Unmarshal(data, &sf); err != nil {
				t.Fatalf("unmarshal outbound frame: %v", err)
			}
			if sf.Action == action {
				return sf
			}
		case <-deadline:
			t.Fatalf("no %q frame sent", action)
		}
	}
}

// expectNoFrame asserts that no outbound frame with the given action is
// sent within the window.
func (f *fakeClient) expectNoFrame(t *testing.T, action string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case data := <-f.sentCh:
			var sf sentFrame
			if err := json.Unmarshal(data, &sf); err != nil {
				continue
			}
			if sf.Action == action {
				t.Fatalf("unexpected %q frame: %+v", action, sf)
			}
		case <-deadline:
			return
		}
	}
}

func restMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/csrf-token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"csrf_token":"csrf-test"}`)
	})
	mux.HandleFunc("/api/ws/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-CSRF-Token") == "" {
			http.Error(w, "missing csrf token", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `{"status":"success","token":"feed-token","expiry":300}`)
	})
	mux.HandleFunc("/api/quotes/batch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Symbols []model.Instrument `json:"symbols"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		results := make([]api.QuoteResult, 0, len(req.Symbols))
		for _, s := range req.Symbols {
			results = append(results, api.QuoteResult{
				Symbol:   s.Symbol,
				Exchange: s.Exchange,
				Data:     api.QuoteData{LTP: 101.5, Volume: 1000},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "success",
			"results": results,
		})
	})
	return mux
}

type harness struct {
	m       *Manager
	clients chan *fakeClient
	// dialErrs feeds connect errors to upcoming transports, one per
	// element.
	dialErrs chan error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	srv := httptest.NewServer(restMux())
	t.Cleanup(srv.Close)

	rest := api.NewClient(srv.URL,
		api.WithLogger(discardLogger()),
		api.WithRetries(0, time.Millisecond),
	)
	tokens := auth.NewTokenSource(rest, discardLogger())

	cfg := Config{
		WSURL:                "ws://gateway.test/feed",
		InstanceID:           "test-instance",
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 10,
		FailureThreshold:     3,
		PollInterval:         10 * time.Millisecond,
		PollFailureStreak:    10,
		ControlRate:          1000,
		ControlBurst:         100,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m := NewManager(cfg, rest, tokens, discardLogger())
	t.Cleanup(m.Close)

	h := &harness{
		m:        m,
		clients:  make(chan *fakeClient, 16),
		dialErrs: make(chan error, 16),
	}
	m.newClient = func(_ ClientConfig, _ *slog.Logger) Client {
		fc := newFakeClient()
		select {
		case err := <-h.dialErrs:
			fc.connectErr = err
		default:
		}
		h.clients <- fc
		return fc
	}
	return h
}

func (h *harness) nextClient(t *testing.T) *fakeClient {
	t.Helper()
	select {
	case fc := <-h.clients:
		return fc
	case <-time.After(2 * time.Second):
		t.Fatal("no transport created")
		return nil
	}
}

func (h *harness) expectNoClient(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case <-h.clients:
		t.Fatal("unexpected transport created")
	case <-time.After(window):
	}
}

const authOK = `{"type":"auth","status":"success"}`

// authenticate drives the harness through a full connect and
// authentication and returns the live transport.
func (h *harness) authenticate(t *testing.T) *fakeClient {
	t.Helper()
	h.m.Connect()
	fc := h.nextClient(t)
	fc.waitFrame(t, "authenticate")
	fc.push(t, authOK)
	waitFor(t, "authenticated state", func() bool {
		return h.m.State() == StateAuthenticated
	})
	return fc
}

func marketDataFrame(exchange, symbol, payload string) string {
	return fmt.Sprintf(`{"type":"market_data","symbol":%q,"exchange":%q,"data":%s}`,
		symbol, exchange, payload)
}

func TestConnectIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect()
	h.m.Connect()

	fc := h.nextClient(t)
	auth := fc.waitFrame(t, "authenticate")
	if auth.APIKey != "feed-token" {
		t.Errorf("authenticate carried token %q, want %q", auth.APIKey, "feed-token")
	}
	fc.push(t, authOK)
	waitFor(t, "authenticated state", func() bool {
		return h.m.State() == StateAuthenticated
	})

	h.m.Connect()
	h.expectNoClient(t, 50*time.Millisecond)
}

func TestSubscribeRefCounting(t *testing.T) {
	h := newHarness(t, nil)
	fc := h.authenticate(t)

	cb := func(model.SymbolData) {}
	var unsubs []Unsubscribe
	for i := 0; i < 3; i++ {
		u, err := h.m.Subscribe("RELIANCE", "NSE", model.ModeLTP, cb)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		unsubs = append(unsubs, u)
	}

	sub := fc.waitFrame(t, "subscribe")
	if len(sub.Symbols) != 1 || sub.Symbols[0].Symbol != "RELIANCE" {
		t.Fatalf("subscribe frame symbols = %+v", sub.Symbols)
	}
	if sub.Mode != string(model.ModeLTP) {
		t.Errorf("subscribe mode = %q, want %q", sub.Mode, model.ModeLTP)
	}
	// Two more subscribers share the one wire subscription.
	fc.expectNoFrame(t, "subscribe", 50*time.Millisecond)

	stats := h.m.Stats()
	if stats.Entries != 1 || stats.Subscriptions != 3 {
		t.Errorf("stats = %d entries / %d subscriptions, want 1/3", stats.Entries, stats.Subscriptions)
	}

	unsubs[0]()
	unsubs[0]() // idempotent
	unsubs[1]()
	fc.expectNoFrame(t, "unsubscribe", 50*time.Millisecond)

	unsubs[2]()
	unsub := fc.waitFrame(t, "unsubscribe")
	if len(unsub.Symbols) != 1 || unsub.Symbols[0].Symbol != "RELIANCE" {
		t.Fatalf("unsubscribe frame symbols = %+v", unsub.Symbols)
	}

	stats = h.m.Stats()
	if stats.Entries != 0 || stats.Subscriptions != 0 {
		t.Errorf("stats after unsubscribe = %d/%d, want 0/0", stats.Entries, stats.Subscriptions)
	}
}

func TestSubscribeValidation(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.m.Subscribe("RELIANCE", "NSE", model.ModeLTP, nil); !errors.Is(err, ErrNilCallback) {
		t.Errorf("nil callback: err = %v, want ErrNilCallback", err)
	}
	cb := func(model.SymbolData) {}
	if _, err := h.m.Subscribe("RELIANCE", "NSE", model.Mode("Tick"), cb); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("bad mode: err = %v, want ErrInvalidMode", err)
	}
	if _, err := h.m.Subscribe("  ", "NSE", model.ModeLTP, cb); !errors.Is(err, ErrEmptyInstrument) {
		t.Errorf("empty symbol: err = %v, want ErrEmptyInstrument", err)
	}
	if _, err := h.m.Subscribe("RELIANCE", "", model.ModeLTP, cb); !errors.Is(err, ErrEmptyInstrument) {
		t.Errorf("empty exchange: err = %v, want ErrEmptyInstrument", err)
	}
}

func TestCachedSnapshotDeliveredOnSubscribe(t *testing.T) {
	h := newHarness(t, nil)
	fc := h.authenticate(t)

	first := make(chan model.SymbolData, 16)
	u1, err := h.m.Subscribe("RELIANCE", "NSE", model.ModeLTP, func(d model.SymbolData) {
		first <- d
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer u1()
	fc.waitFrame(t, "subscribe")

	fc.push(t, marketDataFrame("NSE", "RELIANCE", `{"ltp":2450.5,"volume":12000}`))
	select {
	case d := <-first:
		if d.LTP != 2450.5 {
			t.Fatalf("ltp = %v, want 2450.5", d.LTP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no data delivered to first subscriber")
	}

	// Case-insensitive lookup of the cached snapshot.
	if d, ok := h.m.GetCachedData("reliance", "nse"); !ok || d.LTP != 2450.5 {
		t.Errorf("GetCachedData = %+v, %v; want ltp 2450.5, true", d, ok)
	}

	// A late subscriber sees the cached snapshot before Subscribe
	// returns, no frame round-trip needed.
	var got model.SymbolData
	delivered := false
	u2, err := h.m.Subscribe("RELIANCE", "NSE", model.ModeQuote, func(d model.SymbolData) {
		got = d
		delivered = true
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer u2()
	if !delivered {
		t.Fatal("cached snapshot not delivered synchronously")
	}
	if got.LTP != 2450.5 || got.Volume != 12000 {
		t.Errorf("cached snapshot = ltp %v volume %d, want 2450.5/12000", got.LTP, got.Volume)
	}
}

func TestUpdateFansOutAcrossModes(t *testing.T) {
	h := newHarness(t, nil)
	fc := h.authenticate(t)

	ltpCh := make(chan model.SymbolData, 16)
	depthCh := make(chan model.SymbolData, 16)

	u1, err := h.m.Subscribe("RELIANCE", "NSE", model.ModeLTP, func(d model.SymbolData) { ltpCh <- d })
	if err != nil {
		t.Fatalf("Subscribe LTP: %v", err)
	}
	defer u1()
	u2, err := h.m.Subscribe("RELIANCE", "NSE", model.ModeDepth, func(d model.SymbolData) { depthCh <- d })
	if err != nil {
		t.Fatalf("Subscribe Depth: %v", err)
	}

	// Two distinct keys, two wire subscriptions.
	f1 := fc.waitFrame(t, "subscribe")
	f2 := fc.waitFrame(t, "subscribe")
	modes := map[string]bool{f1.Mode: true, f2.Mode: true}
	if !modes[string(model.ModeLTP)] || !modes[string(model.ModeDepth)] {
		t.Errorf("subscribe modes = %v, want LTP and Depth", modes)
	}

	fc.push(t, marketDataFrame("NSE", "RELIANCE", `{"ltp":99.5}`))
	for name, ch := range map[string]chan model.SymbolData{"LTP": ltpCh, "Depth": depthCh} {
		select {
		case d := <-ch:
			if d.LTP != 99.5 {
				t.Errorf("%s subscriber got ltp %v, want 99.5", name, d.LTP)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s subscriber got no data", name)
		}
	}

	// Dropping one mode keeps the symbol alive on the wire.
	u2()
	fc.expectNoFrame(t, "unsubscribe", 50*time.Millisecond)
	if _, ok := h.m.GetCachedData("RELIANCE", "NSE"); !ok {
		t.Error("cache evicted while another mode still subscribed")
	}
}

func TestIncrementalMergePreservesFields(t *testing.T) {
	h := newHarness(t, nil)
	fc := h.authenticate(t)

	dataCh := make(chan model.SymbolData, 16)
	u, err := h.m.Subscribe("INFY", "NSE", model.ModeQuote, func(d model.SymbolData) { dataCh <- d })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer u()
	fc.waitFrame(t, "subscribe")

	fc.push(t, marketDataFrame("NSE", "INFY", `{"ltp":1500.0,"volume":500}`))
	select {
	case <-dataCh:
	case <-time.After(2 * time.Second):
		t.Fatal("first update not delivered")
	}

	// Second update omits ltp; the merged snapshot must keep it.
	fc.push(t, marketDataFrame("NSE", "INFY", `{"volume":750,"bid_price":1499.5}`))
	select {
	case d := <-dataCh:
		if d.LTP != 1500.0 {
			t.Errorf("ltp = %v after partial update, want 1500.0 preserved", d.LTP)
		}
		if d.Volume != 750 || d.BidPrice != 1499.5 {
			t.Errorf("volume/bid = %d/%v, want 750/1499.5", d.Volume, d.BidPrice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second update not delivered")
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	h := newHarness(t, nil)
	fc := h.authenticate(t)

	dataCh := make(chan model.SymbolData, 16)
	u, err := h.m.Subscribe("TCS", "NSE", model.ModeLTP, func(d model.SymbolData) { dataCh <- d })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer u()
	fc.waitFrame(t, "subscribe")

	fc.push(t, `{"this is not json`)
	fc.push(t, `{"type":"market_data","data":{"ltp":1.0}}`) // no instrument
	fc.push(t, marketDataFrame("NSE", "TCS", `{"ltp":3900.0}`))

	select {
	case d := <-dataCh:
		if d.LTP != 3900.0 {
			t.Errorf("ltp = %v, want 3900.0", d.LTP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed ones not delivered")
	}
	if got := h.m.State(); got != StateAuthenticated {
		t.Errorf("state = %v after malformed frames, want authenticated", got)
	}
}

func TestUnsubscribeStopsDeliveryAndEvicts(t *testing.T) {
	h := newHarness(t, nil)
	fc := h.authenticate(t)

	dataCh := make(chan model.SymbolData, 16)
	u, err := h.m.Subscribe("WIPRO", "NSE", model.ModeLTP, func(d model.SymbolData) { dataCh <- d })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fc.waitFrame(t, "subscribe")

	fc.push(t, marketDataFrame("NSE", "WIPRO", `{"ltp":250.0}`))
	select {
	case <-dataCh:
	case <-time.After(2 * time.Second):
		t.Fatal("update not delivered")
	}

	u()
	fc.waitFrame(t, "unsubscribe")
	if _, ok := h.m.GetCachedData("WIPRO", "NSE"); ok {
		t.Error("cache entry survived last unsubscribe")
	}

	fc.push(t, marketDataFrame("NSE", "WIPRO", `{"ltp":251.0}`))
	select {
	case d := <-dataCh:
		t.Fatalf("delivery after unsubscribe: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransportDropReconnectsAndResubscribes(t *testing.T) {
	h := newHarness(t, nil)
	fc1 := h.authenticate(t)

	u, err := h.m.Subscribe("RELIANCE", "NSE", model.ModeQuote, func(model.SymbolData) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer u()
	fc1.waitFrame(t, "subscribe")

	// Unclean server-side drop.
	fc1.Close()

	fc2 := h.nextClient(t)
	fc2.waitFrame(t, "authenticate")
	fc2.push(t, authOK)

	resub := fc2.waitFrame(t, "subscribe")
	if len(resub.Symbols) != 1 || resub.Symbols[0].Symbol != "RELIANCE" {
		t.Fatalf("resubscribe symbols = %+v", resub.Symbols)
	}
	if resub.Mode != string(model.ModeQuote) {
		t.Errorf("resubscribe mode = %q, want Quote", resub.Mode)
	}

	waitFor(t, "authenticated state", func() bool {
		return h.m.State() == StateAuthenticated
	})
	if h.m.IsFallbackMode() {
		t.Error("post-auth drop pushed manager into fallback")
	}
}

func TestFallbackAfterConsecutiveFailuresAndRecovery(t *testing.T) {
	h := newHarness(t, nil)

	dataCh := make(chan model.SymbolData, 16)
	u, err := h.m.Subscribe("SBIN", "NSE", model.ModeLTP, func(d model.SymbolData) { dataCh <- d })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer u()

	dialRefused := errors.New("dial tcp: connection refused")
	for i := 0; i < 3; i++ {
		h.dialErrs <- dialRefused
	}

	h.m.Connect()
	for i := 0; i < 3; i++ {
		h.nextClient(t)
	}

	waitFor(t, "fallback mode", h.m.IsFallbackMode)

	// Polling serves data through the same merge-and-fanout path.
	select {
	case d := <-dataCh:
		if d.LTP != 101.5 {
			t.Errorf("polled ltp = %v, want 101.5", d.LTP)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fallback poll delivered no data")
	}
	if d, ok := h.m.GetCachedData("SBIN", "NSE"); !ok || d.LTP != 101.5 {
		t.Errorf("cache after poll = %+v, %v", d, ok)
	}

	// Explicit reconnect restores push delivery and cancels polling.
	h.m.Connect()
	fc := h.nextClient(t)
	fc.waitFrame(t, "authenticate")
	fc.push(t, authOK)

	waitFor(t, "fallback cleared", func() bool { return !h.m.IsFallbackMode() })
	fc.waitFrame(t, "subscribe")
	waitFor(t, "poller stopped", func() bool { return !h.m.poller.isRunning() })
}

func TestFallbackPollerStopsDespiteConcurrentSubscribe(t *testing.T) {
	h := newHarness(t, nil)

	u, err := h.m.Subscribe("SBIN", "NSE", model.ModeLTP, func(model.SymbolData) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer u()

	dialRefused := errors.New("dial tcp: connection refused")
	for i := 0; i < 3; i++ {
		h.dialErrs <- dialRefused
	}
	h.m.Connect()
	for i := 0; i < 3; i++ {
		h.nextClient(t)
	}
	waitFor(t, "fallback mode", h.m.IsFallbackMode)

	// Subscriptions racing the recovery must not revive the poller once
	// authentication has stopped it.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			uu, err := h.m.Subscribe(fmt.Sprintf("SYM%d", i), "NSE", model.ModeLTP, func(model.SymbolData) {})
			if err == nil {
				uu()
			}
		}
	}()

	h.m.Connect()
	fc := h.nextClient(t)
	fc.waitFrame(t, "authenticate")
	fc.push(t, authOK)

	waitFor(t, "fallback cleared", func() bool { return !h.m.IsFallbackMode() })
	close(done)
	wg.Wait()

	waitFor(t, "poller stopped", func() bool { return !h.m.poller.isRunning() })
	time.Sleep(50 * time.Millisecond)
	if h.m.poller.isRunning() {
		t.Error("poller revived after push recovery")
	}
}

func TestAuthRejectedDoesNotReconnect(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var changes []StateChange
	remove := h.m.AddStateListener(func(c StateChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	defer remove()

	h.m.Connect()
	fc := h.nextClient(t)
	fc.waitFrame(t, "authenticate")
	fc.push(t, `{"type":"auth","status":"failed","message":"bad token"}`)

	waitFor(t, "rejection surfaced", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range changes {
			if strings.Contains(c.Err, "authentication rejected") {
				return true
			}
		}
		return false
	})

	// Same credential, same outcome: no automatic retry.
	h.expectNoClient(t, 100*time.Millisecond)
	if got := h.m.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestPauseResumeKeepsSubscriptionsAndCache(t *testing.T) {
	h := newHarness(t, nil)
	fc1 := h.authenticate(t)

	dataCh := make(chan model.SymbolData, 16)
	u, err := h.m.Subscribe("HDFC", "NSE", model.ModeQuote, func(d model.SymbolData) { dataCh <- d })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer u()
	fc1.waitFrame(t, "subscribe")

	fc1.push(t, marketDataFrame("NSE", "HDFC", `{"ltp":1650.0}`))
	select {
	case <-dataCh:
	case <-time.After(2 * time.Second):
		t.Fatal("update not delivered before pause")
	}

	h.m.PauseConnection()
	if got := h.m.State(); got != StatePaused {
		t.Fatalf("state = %v, want paused", got)
	}
	waitFor(t, "transport closed", fc1.isClosed)

	// Cache survives the pause.
	if d, ok := h.m.GetCachedData("HDFC", "NSE"); !ok || d.LTP != 1650.0 {
		t.Errorf("cache after pause = %+v, %v", d, ok)
	}

	// Pause is sticky until an explicit resume.
	h.expectNoClient(t, 50*time.Millisecond)

	h.m.ResumeConnection()
	fc2 := h.nextClient(t)
	fc2.waitFrame(t, "authenticate")
	fc2.push(t, authOK)

	resub := fc2.waitFrame(t, "subscribe")
	if len(resub.Symbols) != 1 || resub.Symbols[0].Symbol != "HDFC" {
		t.Fatalf("resubscribe after resume = %+v", resub.Symbols)
	}
	waitFor(t, "authenticated state", func() bool {
		return h.m.State() == StateAuthenticated
	})
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.ReconnectBaseDelay = 200 * time.Millisecond
		cfg.ReconnectMaxDelay = 400 * time.Millisecond
	})

	h.dialErrs <- errors.New("dial tcp: connection refused")
	h.m.Connect()
	h.nextClient(t)

	waitFor(t, "disconnected state", func() bool {
		return h.m.State() == StateDisconnected
	})
	h.m.Disconnect()

	// The pending backoff timer must not fire a new attempt.
	h.expectNoClient(t, 300*time.Millisecond)
}

func TestStateListenerRemoval(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	count := 0
	remove := h.m.AddStateListener(func(StateChange) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	h.m.mu.Lock()
	h.m.setStateLocked(StateConnecting, "")
	h.m.mu.Unlock()

	waitFor(t, "first notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	remove()
	h.m.mu.Lock()
	h.m.setStateLocked(StateDisconnected, "")
	h.m.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("notifications after removal = %d, want 1", count)
	}
}

func TestBackoffScheduleDoublesToCap(t *testing.T) {
	sched := newBackoffSchedule(Config{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	})

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := sched.NextBackOff(); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}

	sched.Reset()
	if got := sched.NextBackOff(); got != time.Second {
		t.Errorf("delay after reset = %v, want 1s", got)
	}
}

// TestManagerEndToEnd exercises the real transport against an in-process
// gateway: config discovery, token handshake, subscribe, push delivery,
// unsubscribe.
func TestManagerEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	actions := make(chan string, 16)

	mux := restMux()
	var wsURL string
	mux.HandleFunc("/api/ws/config", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"success","ws_url":%q}`, wsURL)
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f sentFrame
			if err := json.Unmarshal(data, &f); err != nil {
				continue
			}
			actions <- f.Action
			switch f.Action {
			case "authenticate":
				conn.WriteMessage(websocket.TextMessage, []byte(authOK))
			case "subscribe":
				for _, s := range f.Symbols {
					frame := marketDataFrame(s.Exchange, s.Symbol, `{"ltp":2450.5,"volume":3000}`)
					conn.WriteMessage(websocket.TextMessage, []byte(frame))
				}
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/feed"

	rest := api.NewClient(srv.URL, api.WithLogger(discardLogger()))
	tokens := auth.NewTokenSource(rest, discardLogger())
	m := NewManager(Config{ControlRate: 1000, ControlBurst: 100}, rest, tokens, discardLogger())
	defer m.Close()

	dataCh := make(chan model.SymbolData, 16)
	u, err := m.Subscribe("RELIANCE", "NSE", model.ModeLTP, func(d model.SymbolData) { dataCh <- d })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.Connect()

	select {
	case d := <-dataCh:
		if d.LTP != 2450.5 {
			t.Errorf("ltp = %v, want 2450.5", d.LTP)
		}
		if d.Symbol != "RELIANCE" || d.Exchange != "NSE" {
			t.Errorf("instrument = %s:%s, want NSE:RELIANCE", d.Exchange, d.Symbol)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no market data delivered end to end")
	}

	u()
	waitFor(t, "unsubscribe frame at gateway", func() bool {
		select {
		case a := <-actions:
			return a == "unsubscribe"
		default:
			return false
		}
	})

	m.Disconnect()
	if got := m.State(); got != StateDisconnected {
		t.Errorf("state after disconnect = %v", got)
	}
}
