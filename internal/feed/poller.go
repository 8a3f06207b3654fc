package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// pollFunc performs one fallback poll tick.
type pollFunc func(ctx context.Context) error

// poller runs the REST fallback loop: one batched quote fetch per
// interval while the socket is unusable. Individual tick failures are
// logged and swallowed; after failureStreak consecutive failures the
// onFailureStreak hook fires once (the loop keeps running regardless).
type poller struct {
	logger          *slog.Logger
	poll            pollFunc
	failureStreak   int
	onFailureStreak func(failures int)

	// nudgeCh triggers an immediate tick; intervalCh retunes a running
	// loop without losing continuity.
	nudgeCh    chan struct{}
	intervalCh chan time.Duration

	mu       sync.Mutex
	interval time.Duration
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newPoller(interval time.Duration, poll pollFunc, failureStreak int, onFailureStreak func(int), logger *slog.Logger) *poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &poller{
		logger:          logger,
		poll:            poll,
		failureStreak:   failureStreak,
		onFailureStreak: onFailureStreak,
		nudgeCh:         make(chan struct{}, 1),
		intervalCh:      make(chan time.Duration, 1),
		interval:        interval,
	}
}

// start begins polling. The first poll fires immediately. No-op if
// already running.
func (p *poller) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.loop(p.stopCh, p.interval)

	p.logger.Info("fallback polling started", "interval", p.interval)
}

// stop signals the loop to exit. Non-blocking; safe when not running.
func (p *poller) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)

	p.logger.Info("fallback polling stopped")
}

// wait blocks until the loop goroutine has exited.
func (p *poller) wait() {
	p.wg.Wait()
}

// nudge requests an immediate poll on a running loop.
func (p *poller) nudge() {
	select {
	case p.nudgeCh <- struct{}{}:
	default:
	}
}

// setInterval changes the polling cadence, retuning the live ticker if
// the loop is running.
func (p *poller) setInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	running := p.running
	p.mu.Unlock()

	if running {
		select {
		case p.intervalCh <- d:
		default:
		}
	}
}

func (p *poller) isRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *poller) loop(stopCh chan struct{}, interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	p.tick(interval, &failures)

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.tick(interval, &failures)
		case <-p.nudgeCh:
			p.tick(interval, &failures)
		case d := <-p.intervalCh:
			interval = d
			ticker.Reset(d)
		}
	}
}

func (p *poller) tick(interval time.Duration, failures *int) {
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	if err := p.poll(ctx); err != nil {
		*failures++
		p.logger.Warn("fallback poll failed",
			"error", err,
			"consecutive_failures", *failures,
		)
		if *failures == p.failureStreak && p.onFailureStreak != nil {
			p.onFailureStreak(*failures)
		}
		return
	}
	*failures = 0
}
