package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"greenreserve/offchain/internal/config"
	"greenreserve/offchain/internal/models"
)

var testDepositID = common.HexToHash("0xd1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1d1")

func testPollerConfig() config.PollerConfig {
	return config.PollerConfig{
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 30,
		MaxDuration: 20 * time.Minute,
		Cooldown:    3 * time.Second,
	}
}

// fakeSource returns canned statuses per attempt, terminal after
// terminalAfter calls.
type fakeSource struct {
	mu            sync.Mutex
	calls         int
	terminalAfter int
	err           error
}

func (f *fakeSource) DeriveDepositStatus(ctx context.Context, depositID common.Hash, hint *common.Hash) (*models.DerivedDepositStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	final := models.StatusPending
	if f.terminalAfter > 0 && f.calls >= f.terminalAfter {
		final = models.StatusOK
	}
	return &models.DerivedDepositStatus{
		DepositID: depositID,
		Stages: []models.DepositStage{
			{ID: models.StageDestinationMint, Status: final},
		},
	}, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// immediateAfter fires every backoff wait instantly while recording the
// requested delays.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) after(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func collectUpdates(bufferSize int) (func(Update), <-chan Update) {
	ch := make(chan Update, bufferSize)
	return func(u Update) { ch <- u }, ch
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 32 * time.Second},
		{5, 60 * time.Second}, // 64s capped
		{6, 60 * time.Second},
		{100, 60 * time.Second}, // overflow-safe
	}

	for _, tc := range tests {
		if got := Backoff(2*time.Second, 60*time.Second, tc.attempt); got != tc.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestTrackStopsOnTerminal(t *testing.T) {
	source := &fakeSource{terminalAfter: 3}
	recorder := &delayRecorder{}
	poller := NewPoller(source, testPollerConfig(), zap.NewNop())
	poller.after = recorder.after

	onUpdate, updates := collectUpdates(16)
	poller.Track(context.Background(), testDepositID, nil, onUpdate)
	poller.wg.Wait()

	if got := source.callCount(); got != 3 {
		t.Fatalf("got %d derivations, want 3", got)
	}
	if poller.State() != StateTerminal {
		t.Fatalf("state: got %s, want %s", poller.State(), StateTerminal)
	}

	var collected []Update
	for len(updates) > 0 {
		collected = append(collected, <-updates)
	}
	if len(collected) != 3 {
		t.Fatalf("got %d updates, want 3", len(collected))
	}
	if collected[0].State != StateWaiting || collected[1].State != StateWaiting {
		t.Errorf("intermediate updates must be waiting, got %s, %s", collected[0].State, collected[1].State)
	}
	last := collected[2]
	if last.State != StateTerminal || last.Attempt != 2 || !last.Status.Terminal() {
		t.Errorf("unexpected final update: %+v", last)
	}

	if delays := recorder.recorded(); len(delays) != 2 || delays[0] != 2*time.Second || delays[1] != 4*time.Second {
		t.Errorf("unexpected backoff delays: %v", delays)
	}
}

func TestTrackExhaustsAttempts(t *testing.T) {
	source := &fakeSource{} // never terminal
	recorder := &delayRecorder{}
	cfg := testPollerConfig()
	cfg.MaxAttempts = 4
	poller := NewPoller(source, cfg, zap.NewNop())
	poller.after = recorder.after

	onUpdate, updates := collectUpdates(16)
	poller.Track(context.Background(), testDepositID, nil, onUpdate)
	poller.wg.Wait()

	if got := source.callCount(); got != 4 {
		t.Fatalf("got %d derivations, want 4", got)
	}
	if poller.State() != StateIdle {
		t.Fatalf("state: got %s, want %s", poller.State(), StateIdle)
	}
	if len(updates) != 4 {
		t.Fatalf("got %d updates, want 4", len(updates))
	}
}

func TestTrackStopsAfterMaxDuration(t *testing.T) {
	source := &fakeSource{}
	recorder := &delayRecorder{}
	poller := NewPoller(source, testPollerConfig(), zap.NewNop())
	poller.after = recorder.after

	// Fake clock: the second reading is already past the window.
	var mu sync.Mutex
	reads := 0
	base := time.Now()
	poller.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		reads++
		if reads == 1 {
			return base
		}
		return base.Add(21 * time.Minute)
	}

	onUpdate, updates := collectUpdates(16)
	poller.Track(context.Background(), testDepositID, nil, onUpdate)
	poller.wg.Wait()

	if got := source.callCount(); got != 1 {
		t.Fatalf("got %d derivations, want 1", got)
	}
	if poller.State() != StateIdle {
		t.Fatalf("state: got %s, want %s", poller.State(), StateIdle)
	}
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
}

func TestTrackSurfacesDerivationErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("risk service down")}
	recorder := &delayRecorder{}
	cfg := testPollerConfig()
	cfg.MaxAttempts = 2
	poller := NewPoller(source, cfg, zap.NewNop())
	poller.after = recorder.after

	onUpdate, updates := collectUpdates(16)
	poller.Track(context.Background(), testDepositID, nil, onUpdate)
	poller.wg.Wait()

	first := <-updates
	if first.Err == nil {
		t.Fatal("expected error surfaced on update")
	}
	if first.State != StateWaiting {
		t.Fatalf("errored poll must keep waiting, got %s", first.State)
	}
}

func TestTrackLastWriteWins(t *testing.T) {
	firstID := common.HexToHash("0x01")
	secondID := common.HexToHash("0x02")

	source := &fakeSource{terminalAfter: 2} // first call pending, second terminal
	poller := NewPoller(source, testPollerConfig(), zap.NewNop())

	// The first tracker parks in its backoff wait until cancelled.
	block := make(chan time.Time)
	poller.after = func(d time.Duration) <-chan time.Time { return block }

	firstDone := make(chan struct{})
	poller.Track(context.Background(), firstID, nil, func(u Update) {
		if u.State == StateWaiting && u.DepositID == firstID {
			close(firstDone)
		}
	})
	<-firstDone

	var mu sync.Mutex
	var secondUpdates []Update
	poller.Track(context.Background(), secondID, nil, func(u Update) {
		mu.Lock()
		secondUpdates = append(secondUpdates, u)
		mu.Unlock()
	})
	poller.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(secondUpdates) != 1 {
		t.Fatalf("got %d updates for second deposit, want 1", len(secondUpdates))
	}
	if secondUpdates[0].DepositID != secondID || secondUpdates[0].State != StateTerminal {
		t.Fatalf("unexpected final update: %+v", secondUpdates[0])
	}
	if got := source.callCount(); got != 2 {
		t.Fatalf("got %d derivations, want 2 (one per tracker)", got)
	}
}

func TestRefreshCooldown(t *testing.T) {
	source := &fakeSource{}
	poller := NewPoller(source, testPollerConfig(), zap.NewNop())

	if poller.Refresh() {
		t.Fatal("refresh with nothing tracked must be rejected")
	}

	// Park a tracker in its wait so refreshes have something to wake.
	block := make(chan time.Time)
	poller.after = func(d time.Duration) <-chan time.Time { return block }

	var mu sync.Mutex
	now := time.Now()
	poller.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	waiting := make(chan struct{})
	poller.Track(context.Background(), testDepositID, nil, func(u Update) {
		select {
		case <-waiting:
		default:
			close(waiting)
		}
	})
	<-waiting
	for poller.State() != StateWaiting {
		time.Sleep(time.Millisecond)
	}

	if !poller.Refresh() {
		t.Fatal("first refresh must be accepted")
	}
	if poller.Refresh() {
		t.Fatal("refresh within cooldown must be rejected")
	}

	mu.Lock()
	now = now.Add(4 * time.Second)
	mu.Unlock()
	if !poller.Refresh() {
		t.Fatal("refresh after cooldown must be accepted")
	}

	poller.Stop()
}
