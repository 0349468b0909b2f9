// Package worker drives repeated status derivation for a tracked deposit.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/config"
	"greenreserve/offchain/internal/models"
)

// State is the poller's lifecycle state. Transitions:
// idle -> fetching -> waiting -> fetching -> ... -> idle|terminal.
type State string

const (
	StateIdle     State = "idle"
	StateWaiting  State = "waiting"
	StateFetching State = "fetching"
	StateTerminal State = "terminal"
)

// StatusSource produces a derived status for a deposit id. Implemented by
// service.Deriver; tests substitute fakes.
type StatusSource interface {
	DeriveDepositStatus(ctx context.Context, depositID common.Hash, messageIDHint *common.Hash) (*models.DerivedDepositStatus, error)
}

// Update is one poll result delivered to the tracking subscriber.
type Update struct {
	DepositID common.Hash
	Attempt   int
	State     State
	Status    *models.DerivedDepositStatus
	Err       error
}

// Backoff returns the delay before the next poll: base doubled per attempt,
// capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return max
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Poller tracks one deposit at a time, re-deriving its status with capped
// exponential backoff until the pipeline completes or the attempt or time
// budget runs out. A new Track call cancels the previous one: last write
// wins. Manual refreshes bypass the backoff wait, rate-limited by a
// cooldown.
type Poller struct {
	source StatusSource
	cfg    config.PollerConfig
	logger *zap.Logger

	// Injectable clocks for tests.
	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu         sync.Mutex
	state      State
	gen        uint64
	cancel     context.CancelFunc
	lastManual time.Time

	kick chan struct{}
	wg   sync.WaitGroup
}

// NewPoller creates a poller over a status source
func NewPoller(source StatusSource, cfg config.PollerConfig, logger *zap.Logger) *Poller {
	return &Poller{
		source: source,
		cfg:    cfg,
		logger: logger.Named("poller"),
		now:    time.Now,
		after:  time.After,
		state:  StateIdle,
		kick:   make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState applies a state change only when the generation still matches, so
// a cancelled tracker cannot clobber the state of its replacement.
func (p *Poller) setState(gen uint64, s State) {
	p.mu.Lock()
	if p.gen == gen {
		p.state = s
	}
	p.mu.Unlock()
}

// Track starts polling the given deposit id, cancelling any tracking already
// in progress. Updates are delivered on the subscriber callback from the
// polling goroutine, in order, ending with a terminal or idle state.
func (p *Poller) Track(ctx context.Context, depositID common.Hash, messageIDHint *common.Hash, onUpdate func(Update)) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	p.logger.Info("Tracking deposit", zap.String("deposit_id", depositID.Hex()))

	p.wg.Add(1)
	go p.run(ctx, gen, depositID, messageIDHint, onUpdate)
}

// Refresh requests an immediate re-poll of the tracked deposit, skipping the
// current backoff wait. Returns false when nothing is tracked or the manual
// cooldown has not elapsed.
func (p *Poller) Refresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil || (p.state != StateWaiting && p.state != StateFetching) {
		return false
	}
	now := p.now()
	if now.Sub(p.lastManual) < p.cfg.Cooldown {
		return false
	}
	p.lastManual = now

	select {
	case p.kick <- struct{}{}:
	default:
	}
	return true
}

// Stop cancels any tracking in progress and waits for the polling goroutine
// to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context, gen uint64, depositID common.Hash, messageIDHint *common.Hash, onUpdate func(Update)) {
	defer p.wg.Done()

	logger := p.logger.With(zap.String("deposit_id", depositID.Hex()))
	start := p.now()

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		p.setState(gen, StateFetching)

		status, err := p.source.DeriveDepositStatus(ctx, depositID, messageIDHint)
		if ctx.Err() != nil {
			p.setState(gen, StateIdle)
			return
		}
		if err != nil {
			logger.Warn("Status derivation failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		update := Update{DepositID: depositID, Attempt: attempt, Status: status, Err: err}

		if err == nil && status.Terminal() {
			p.setState(gen, StateTerminal)
			update.State = StateTerminal
			onUpdate(update)
			logger.Info("Tracking complete", zap.Int("attempts", attempt+1))
			return
		}

		update.State = StateWaiting
		onUpdate(update)

		if elapsed := p.now().Sub(start); elapsed >= p.cfg.MaxDuration {
			p.setState(gen, StateIdle)
			logger.Info("Tracking window expired",
				zap.Duration("elapsed", elapsed),
				zap.Int("attempts", attempt+1))
			return
		}

		p.setState(gen, StateWaiting)
		delay := Backoff(p.cfg.BaseDelay, p.cfg.MaxDelay, attempt)
		select {
		case <-ctx.Done():
			p.setState(gen, StateIdle)
			return
		case <-p.after(delay):
		case <-p.kick:
			logger.Debug("Manual refresh", zap.Int("attempt", attempt))
		}
	}

	p.setState(gen, StateIdle)
	logger.Info("Tracking attempts exhausted", zap.Int("attempts", p.cfg.MaxAttempts))
}
