package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/algotrade/feedmux/internal/api"
	"github.com/algotrade/feedmux/internal/auth"
	"github.com/algotrade/feedmux/internal/model"
)

// Manager owns the one transport to the market-data gateway and
// multiplexes it across subscribers. Construct exactly one per process
// with NewManager and pass it to consumers; there is no package-level
// instance.
//
// All registry, cache, and state mutations are serialized under one
// mutex, so inbound frames (processed by a single reader goroutine) are
// applied in receipt order.
type Manager struct {
	cfg    Config
	rest   *api.Client
	tokens *auth.TokenSource
	logger *slog.Logger

	// newClient builds a transport; tests substitute it.
	newClient func(ClientConfig, *slog.Logger) Client

	mu               sync.Mutex
	state            ConnectionState
	fallback         bool
	userDisconnected bool

	// epoch invalidates in-flight connect steps and read loops. Every
	// async step re-checks it after a suspension point, so a concurrent
	// Disconnect or newer Connect aborts stale work cleanly.
	epoch         uint64
	client        Client
	connectCancel context.CancelFunc

	registry *registry
	cache    *dataCache

	listeners      map[int]StateListener
	nextListenerID int

	reconnectAttempts   int
	consecutiveFailures int
	reconnectTimer      *time.Timer
	backoffSchedule     *backoff.ExponentialBackOff

	poller  *poller
	limiter *rate.Limiter

	controlCh chan []byte
	notifyCh  chan stateNotification
	done      chan struct{}
	lifeCtx   context.Context
	lifeStop  context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	messagesReceived atomic.Int64
	pollTicks        atomic.Int64
}

type stateNotification struct {
	change    StateChange
	listeners []StateListener
}

// NewManager creates the connection manager. It does not connect; call
// Connect (or let the visibility coordinator drive it).
func NewManager(cfg Config, rest *api.Client, tokens *auth.TokenSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	lifeCtx, lifeStop := context.WithCancel(context.Background())

	m := &Manager{
		cfg:       cfg,
		rest:      rest,
		tokens:    tokens,
		logger:    logger,
		newClient: NewClient,
		state:     StateDisconnected,
		registry:  newRegistry(),
		cache:     newDataCache(),
		listeners: make(map[int]StateListener),
		limiter:   rate.NewLimiter(rate.Limit(cfg.ControlRate), cfg.ControlBurst),
		controlCh: make(chan []byte, 1024),
		notifyCh:  make(chan stateNotification, 1024),
		done:      make(chan struct{}),
		lifeCtx:   lifeCtx,
		lifeStop:  lifeStop,
	}

	m.backoffSchedule = newBackoffSchedule(cfg)
	m.poller = newPoller(cfg.PollInterval, m.pollTick, cfg.PollFailureStreak, m.onPollFailureStreak, logger)

	m.wg.Add(2)
	go m.controlWriter()
	go m.notifier()

	return m
}

// newBackoffSchedule builds the reconnect delay schedule:
// min(base * 2^(attempt-1), max), deterministic.
func newBackoffSchedule(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.ReconnectMaxDelay
	b.Reset()
	return b
}

// Connect brings the connection up. Idempotent: a no-op while the state
// machine is anywhere between dialing and authenticated. Returns
// immediately; progress is observable through state listeners.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userDisconnected = false
	m.connectLocked()
}

func (m *Manager) connectLocked() {
	if m.state.active() {
		return
	}
	m.stopReconnectTimerLocked()

	m.epoch++
	epoch := m.epoch

	ctx, cancel := context.WithCancel(m.lifeCtx)
	m.connectCancel = cancel

	m.setStateLocked(StateConnecting, "")

	m.wg.Add(1)
	go m.runConnect(ctx, epoch)
}

// runConnect performs the async connect sequence: credential, gateway
// config, dial, fresh credential, authenticate. After every suspension
// point it re-checks the epoch so a concurrent Disconnect or newer
// Connect leaves no zombie socket behind.
func (m *Manager) runConnect(ctx context.Context, epoch uint64) {
	defer m.wg.Done()

	if _, err := m.tokens.Token(ctx); err != nil {
		m.connectFailed(epoch, fmt.Errorf("resolve credential: %w", err))
		return
	}
	if !m.stillCurrent(epoch) {
		return
	}

	wsURL := m.cfg.WSURL
	if wsURL == "" {
		sc, err := m.rest.GetSocketConfig(ctx)
		if err != nil {
			m.connectFailed(epoch, fmt.Errorf("resolve gateway config: %w", err))
			return
		}
		wsURL = sc.WSURL
	}
	if !m.stillCurrent(epoch) {
		return
	}

	client := m.newClient(ClientConfig{
		URL:          wsURL,
		PingInterval: m.cfg.PingInterval,
		PingTimeout:  m.cfg.PingTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		BufferSize:   m.cfg.BufferSize,
	}, m.logger)

	if err := client.Connect(ctx); err != nil {
		m.connectFailed(epoch, fmt.Errorf("dial gateway: %w", err))
		return
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		client.Close()
		return
	}
	m.client = client
	m.setStateLocked(StateConnected, "")
	m.mu.Unlock()

	// The handshake may have outlived the credential fetched above, so
	// authenticate with a fresh one.
	token, err := m.tokens.Fresh(ctx)
	if err != nil {
		m.connectFailed(epoch, fmt.Errorf("refresh credential: %w", err))
		return
	}

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		client.Close()
		return
	}
	m.setStateLocked(StateAuthenticating, "")
	m.mu.Unlock()

	frame, err := json.Marshal(authenticateFrame{
		Action:   "authenticate",
		APIKey:   token,
		ClientID: m.cfg.InstanceID,
	})
	if err != nil {
		m.connectFailed(epoch, fmt.Errorf("marshal authenticate: %w", err))
		return
	}
	if err := client.Send(frame); err != nil {
		m.connectFailed(epoch, fmt.Errorf("send authenticate: %w", err))
		return
	}

	m.wg.Add(1)
	go m.readLoop(epoch, client)
}

func (m *Manager) stillCurrent(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch == m.epoch && !m.userDisconnected
}

// connectFailed records one failed connection attempt and either
// schedules a backoff reconnect or, at the consecutive-failure
// threshold, switches to fallback polling.
func (m *Manager) connectFailed(epoch uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.userDisconnected || m.state == StatePaused {
		return
	}

	m.teardownClientLocked()
	m.consecutiveFailures++
	m.logger.Warn("connection attempt failed",
		"error", err,
		"consecutive_failures", m.consecutiveFailures,
	)

	if m.consecutiveFailures >= m.cfg.FailureThreshold {
		m.enableFallbackLocked(err.Error())
		return
	}
	m.scheduleReconnectLocked(err.Error())
}

// readLoop consumes frames from one transport until it dies. Exactly one
// read loop is live per epoch, which keeps frame processing ordered.
func (m *Manager) readLoop(epoch uint64, c Client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return

		case err := <-c.Errors():
			if err == nil {
				continue
			}
			m.handleTransportError(epoch, err.Error())
			return

		case msg, ok := <-c.Messages():
			if !ok {
				m.handleTransportError(epoch, "connection closed")
				return
			}
			m.handleFrame(epoch, msg.Data)
		}
	}
}

// handleTransportError reacts to an unclean close or socket error. While
// paused or after Disconnect it is a no-op; otherwise it feeds the
// failure counters and schedules a reconnect.
func (m *Manager) handleTransportError(epoch uint64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch || m.userDisconnected || m.state == StatePaused {
		return
	}

	wasAuthed := m.state == StateAuthenticated
	m.teardownClientLocked()

	m.logger.Warn("transport lost", "reason", reason, "was_authenticated", wasAuthed)

	// A drop before authentication completed is a failed connection
	// attempt; a drop afterwards is plain connection churn.
	if !wasAuthed {
		m.consecutiveFailures++
		if m.consecutiveFailures >= m.cfg.FailureThreshold {
			m.enableFallbackLocked(reason)
			return
		}
	}
	m.scheduleReconnectLocked(reason)
}

func (m *Manager) scheduleReconnectLocked(reason string) {
	m.reconnectAttempts++
	if m.reconnectAttempts > m.cfg.MaxReconnectAttempts {
		m.enableFallbackLocked("reconnect attempts exhausted: " + reason)
		return
	}

	delay := m.backoffSchedule.NextBackOff()
	m.setStateLocked(StateDisconnected, reason)
	m.logger.Info("scheduling reconnect",
		"attempt", m.reconnectAttempts,
		"delay", delay,
	)
	m.reconnectTimer = time.AfterFunc(delay, m.reconnectNow)
}

func (m *Manager) reconnectNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectTimer = nil
	if m.userDisconnected || m.fallback || m.state == StatePaused || m.state.active() {
		return
	}
	m.connectLocked()
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// teardownClientLocked closes the current transport and invalidates all
// in-flight work tied to it.
func (m *Manager) teardownClientLocked() {
	m.epoch++
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

// handleFrame parses and dispatches one inbound frame. Malformed frames
// are dropped; one bad frame never tears down the connection.
func (m *Manager) handleFrame(epoch uint64, data []byte) {
	m.messagesReceived.Add(1)

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	switch frame.Type {
	case frameTypeAuth:
		if frame.Status == authStatusSuccess {
			m.onAuthenticated(epoch)
		} else {
			m.onAuthRejected(epoch, frame.Message)
		}

	case frameTypeMarketData:
		if frame.Symbol == "" || frame.Exchange == "" {
			m.logger.Debug("dropping market_data frame without instrument")
			return
		}
		var u model.SymbolUpdate
		if err := json.Unmarshal(frame.Data, &u); err != nil {
			m.logger.Debug("dropping malformed market_data payload", "error", err)
			return
		}
		m.applyUpdate(frame.Exchange, frame.Symbol, u)

	case frameTypeSubscribe:
		m.logger.Debug("subscription acknowledged",
			"symbol", frame.Symbol,
			"exchange", frame.Exchange,
			"mode", frame.Mode,
		)

	case frameTypeError:
		m.logger.Warn("gateway error", "message", frame.Message)

	default:
		m.logger.Debug("ignoring unknown frame type", "type", frame.Type)
	}
}

// onAuthenticated finalizes a successful connect: counters reset,
// fallback polling cancelled, and every registered subscription re-sent
// grouped by mode.
func (m *Manager) onAuthenticated(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}

	m.consecutiveFailures = 0
	m.reconnectAttempts = 0
	m.backoffSchedule.Reset()

	wasFallback := m.fallback
	m.fallback = false
	m.setStateLocked(StateAuthenticated, "")

	var frames [][]byte
	for mode, instruments := range m.registry.instrumentsByMode() {
		frame, err := json.Marshal(subscribeFrame{
			Action:  "subscribe",
			Symbols: instruments,
			Mode:    mode,
		})
		if err != nil {
			m.logger.Error("marshal resubscribe frame", "error", err)
			continue
		}
		frames = append(frames, frame)
	}
	m.mu.Unlock()

	if wasFallback {
		m.poller.stop()
		m.logger.Info("push delivery restored, fallback polling cancelled")
	}

	m.logger.Info("authenticated", "resubscribe_batches", len(frames))

	for _, f := range frames {
		m.enqueueControl(f)
	}
}

// onAuthRejected handles a gateway auth rejection. Retrying with the
// same credential is pointless, so no reconnect is scheduled, but the
// failure counts toward the fallback threshold.
func (m *Manager) onAuthRejected(epoch uint64, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}

	m.teardownClientLocked()
	m.tokens.Invalidate()
	m.consecutiveFailures++

	reason := "authentication rejected"
	if message != "" {
		reason += ": " + message
	}
	m.logger.Error("gateway rejected authentication", "message", message)

	if m.consecutiveFailures >= m.cfg.FailureThreshold {
		m.enableFallbackLocked(reason)
		return
	}
	m.setStateLocked(StateDisconnected, reason)
}

// enableFallbackLocked switches to REST polling. Subscribers keep their
// callbacks; data now arrives on the polling cadence instead of push.
func (m *Manager) enableFallbackLocked(reason string) {
	m.stopReconnectTimerLocked()
	m.fallback = true
	m.setStateLocked(StateDisconnected, reason)
	m.logger.Warn("entering fallback mode", "reason", reason)

	if !m.registry.empty() {
		m.poller.start()
	}
}

// applyUpdate merges one incremental update into the cache and fans the
// merged snapshot out to every callback registered for the symbol under
// any mode. Push frames and fallback polls share this path; the per-
// handle sequence guard keeps delivery monotonic even against an initial
// cached-snapshot handout racing in Subscribe.
func (m *Manager) applyUpdate(exchange, symbol string, u model.SymbolUpdate) {
	inst := model.Instrument{Symbol: symbol, Exchange: exchange}.Normalize()

	m.mu.Lock()
	snapshot, seq, ok := m.cache.merge(inst.Exchange, inst.Symbol, u, time.Now())
	var hs []*subHandle
	if ok {
		hs = m.registry.handlesFor(inst.Exchange, inst.Symbol)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, h := range hs {
		h.deliver(snapshot.Clone(), seq)
	}
}

// Subscribe registers cb for (symbol, exchange, mode) and returns the
// matching unsubscribe. If a cached snapshot exists it is delivered
// synchronously before Subscribe returns. At most one wire subscribe is
// outstanding per key regardless of subscriber count.
func (m *Manager) Subscribe(symbol, exchange string, mode model.Mode, cb DataCallback) (Unsubscribe, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}
	inst := model.Instrument{Symbol: symbol, Exchange: exchange}.Normalize()
	if inst.Symbol == "" || inst.Exchange == "" {
		return nil, ErrEmptyInstrument
	}
	key := subscriptionKey{Exchange: inst.Exchange, Symbol: inst.Symbol, Mode: mode}

	m.mu.Lock()
	id, h, created := m.registry.add(key, cb)
	m.cache.ensure(inst.Exchange, inst.Symbol)
	snapshot, hasCached := m.cache.get(inst.Exchange, inst.Symbol)
	seq := m.cache.seqOf(inst.Exchange, inst.Symbol)

	var frame []byte
	if created {
		switch {
		case m.state == StateAuthenticated:
			var err error
			frame, err = json.Marshal(subscribeFrame{
				Action:  "subscribe",
				Symbols: []model.Instrument{inst},
				Mode:    mode,
			})
			if err != nil {
				m.logger.Error("marshal subscribe frame", "error", err)
			}
		case m.fallback:
			// Started under the lock so a concurrent authentication
			// cannot stop the poller before a stale start revives it.
			m.poller.start()
			m.poller.nudge()
		}
	}
	m.mu.Unlock()

	// A late subscriber never waits for the next tick to see a value.
	// Delivered through the handle's sequence guard: if an update
	// fanned out to this handle between the locked lookup and here, the
	// older cached snapshot is skipped rather than delivered on top.
	if hasCached {
		h.deliver(snapshot, seq)
	}

	if frame != nil {
		m.enqueueControl(frame)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.unsubscribe(key, id)
		})
	}, nil
}

func (m *Manager) unsubscribe(key subscriptionKey, id uint64) {
	m.mu.Lock()
	_, symbolGone := m.registry.remove(key, id)

	var frame []byte
	if symbolGone {
		m.cache.evict(key.Exchange, key.Symbol)
		if m.state == StateAuthenticated {
			var err error
			frame, err = json.Marshal(unsubscribeFrame{
				Action:  "unsubscribe",
				Symbols: []model.Instrument{key.instrument()},
			})
			if err != nil {
				m.logger.Error("marshal unsubscribe frame", "error", err)
			}
		}
	}
	stopPoll := m.fallback && m.registry.empty()
	m.mu.Unlock()

	if frame != nil {
		m.enqueueControl(frame)
	}
	if stopPoll {
		m.poller.stop()
	}
}

// Disconnect is user-initiated teardown: it short-circuits any in-flight
// connect, cancels reconnect timers, closes the transport with a normal
// closure, stops fallback polling, and resets failure counters. A later
// Connect starts over cleanly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.userDisconnected = true
	m.stopReconnectTimerLocked()
	m.teardownClientLocked()
	m.consecutiveFailures = 0
	m.reconnectAttempts = 0
	m.backoffSchedule.Reset()
	m.fallback = false
	m.setStateLocked(StateDisconnected, "")
	m.mu.Unlock()

	m.poller.stop()
}

// PauseConnection closes the transport but keeps every subscription and
// cached snapshot in memory, ready for ResumeConnection.
func (m *Manager) PauseConnection() {
	m.mu.Lock()
	if m.state == StatePaused {
		m.mu.Unlock()
		return
	}
	m.stopReconnectTimerLocked()
	m.teardownClientLocked()
	m.setStateLocked(StatePaused, "")
	m.mu.Unlock()

	m.poller.stop()
	m.logger.Info("connection paused")
}

// ResumeConnection re-runs Connect after a pause, which re-authenticates
// and mass-resubscribes the key set that existed pre-pause.
func (m *Manager) ResumeConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePaused {
		return
	}
	m.logger.Info("resuming connection")
	m.connectLocked()
}

// AddStateListener registers fn for state transitions and returns its
// removal function.
func (m *Manager) AddStateListener(fn StateListener) func() {
	m.mu.Lock()
	m.nextListenerID++
	id := m.nextListenerID
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// GetCachedData returns a copy of the last-known snapshot for the
// instrument, if any update has ever arrived for it.
func (m *Manager) GetCachedData(symbol, exchange string) (model.SymbolData, bool) {
	inst := model.Instrument{Symbol: symbol, Exchange: exchange}.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.get(inst.Exchange, inst.Symbol)
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsFallbackMode reports whether data is being served via REST polling.
func (m *Manager) IsFallbackMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallback
}

// SetPollInterval retunes the fallback polling cadence.
func (m *Manager) SetPollInterval(d time.Duration) {
	m.poller.setInterval(d)
}

// Stats returns a point-in-time view of the manager.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	entries, subs := m.registry.counts()
	stats := ManagerStats{
		State:         m.state,
		FallbackMode:  m.fallback,
		Entries:       entries,
		Subscriptions: subs,
		SymbolsCached: m.cache.size(),
	}
	m.mu.Unlock()

	stats.MessagesReceived = m.messagesReceived.Load()
	stats.PollTicks = m.pollTicks.Load()
	return stats
}

// Close tears the manager down for good: app shutdown and tests only.
func (m *Manager) Close() {
	m.Disconnect()
	m.closeOnce.Do(func() {
		m.lifeStop()
		close(m.done)
	})
	m.poller.wait()
	m.wg.Wait()
}

// pollTick is one fallback poll: a single batched quote request covering
// the deduplicated subscribed instrument set, merged and fanned out the
// same way push frames are.
func (m *Manager) pollTick(ctx context.Context) error {
	m.mu.Lock()
	instruments := m.registry.instruments()
	m.mu.Unlock()

	if len(instruments) == 0 {
		return nil
	}

	token, err := m.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}

	results, err := m.rest.GetQuotes(ctx, token, instruments)
	if err != nil {
		return err
	}

	m.pollTicks.Add(1)
	for _, r := range results {
		m.applyUpdate(r.Exchange, r.Symbol, r.Update())
	}
	return nil
}

// onPollFailureStreak surfaces one error to state listeners after a run
// of consecutive failed polls; polling itself keeps going.
func (m *Manager) onPollFailureStreak(failures int) {
	m.mu.Lock()
	m.emitLocked(StateChange{
		State:    m.state,
		Err:      fmt.Sprintf("fallback polling failed %d times in a row", failures),
		Fallback: m.fallback,
	})
	m.mu.Unlock()
}

// setStateLocked mutates the authoritative state and queues a listener
// notification. Caller holds m.mu.
func (m *Manager) setStateLocked(s ConnectionState, errStr string) {
	m.state = s
	m.emitLocked(StateChange{State: s, Err: errStr, Fallback: m.fallback})
}

func (m *Manager) emitLocked(change StateChange) {
	if len(m.listeners) == 0 {
		return
	}
	ls := make([]StateListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	select {
	case m.notifyCh <- stateNotification{change: change, listeners: ls}:
	default:
		m.logger.Warn("state notification queue full, dropping", "state", change.State)
	}
}

// notifier delivers state changes to listeners outside the manager
// lock, in emission order.
func (m *Manager) notifier() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case n := <-m.notifyCh:
			for _, l := range n.listeners {
				l(n.change)
			}
		}
	}
}

// enqueueControl queues one subscribe/unsubscribe frame for the rate-
// limited control writer.
func (m *Manager) enqueueControl(data []byte) {
	select {
	case m.controlCh <- data:
	case <-m.done:
	}
}

// controlWriter sends control frames in FIFO order, throttled to the
// gateway's tolerance. Frames that arrive while no transport is up are
// dropped; the post-auth mass resubscribe covers them.
func (m *Manager) controlWriter() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case data := <-m.controlCh:
			if err := m.limiter.Wait(m.lifeCtx); err != nil {
				return
			}

			m.mu.Lock()
			client := m.client
			m.mu.Unlock()

			if client == nil {
				continue
			}
			if err := client.Send(data); err != nil {
				m.logger.Warn("control frame send failed", "error", err)
			}
		}
	}
}
