package handshake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

type injectorFunc func(ctx context.Context, contextID int64, url string) error

func (f injectorFunc) Inject(ctx context.Context, contextID int64, url string) error {
	return f(ctx, contextID, url)
}

type transitions struct {
	mu     sync.Mutex
	states []State
}

func (tr *transitions) record(_ int64, _, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.states = append(tr.states, to)
}

func (tr *transitions) list() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.states...)
}

func TestProtocol_ReadyAfterInjection(t *testing.T) {
	signals := NewSignals()
	injector := injectorFunc(func(ctx context.Context, contextID int64, url string) error {
		go func() {
			time.Sleep(10 * time.Millisecond)
			signals.Notify(contextID)
		}()
		return nil
	})

	tr := &transitions{}
	p := NewProtocol(injector, signals, time.Second, arbor.NewLogger())
	p.OnTransition = tr.record

	state, err := p.Perform(context.Background(), 3, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)
	assert.Equal(t, []State{StateInjecting, StateWaitingReady, StateReady}, tr.list())
	assert.Equal(t, 0, signals.Count(), "listener must be deregistered")
}

func TestProtocol_SignalDuringInjectionIsNotLost(t *testing.T) {
	signals := NewSignals()
	injector := injectorFunc(func(ctx context.Context, contextID int64, url string) error {
		signals.Notify(contextID)
		return nil
	})

	p := NewProtocol(injector, signals, 50*time.Millisecond, arbor.NewLogger())
	state, err := p.Perform(context.Background(), 1, "https://example.com")

	require.NoError(t, err)
	assert.Equal(t, StateReady, state)
}

func TestProtocol_InjectionFailureSkipsTimer(t *testing.T) {
	signals := NewSignals()
	injector := injectorFunc(func(ctx context.Context, contextID int64, url string) error {
		return errors.New("target closed")
	})

	tr := &transitions{}
	p := NewProtocol(injector, signals, time.Hour, arbor.NewLogger())
	p.OnTransition = tr.record

	start := time.Now()
	state, err := p.Perform(context.Background(), 1, "https://example.com")

	assert.Equal(t, StateFailed, state)
	assert.True(t, errors.Is(err, ErrInjection))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []State{StateInjecting, StateFailed}, tr.list())
	assert.Equal(t, 0, signals.Count())
}

func TestProtocol_TimesOutWithoutSignal(t *testing.T) {
	signals := NewSignals()
	injector := injectorFunc(func(ctx context.Context, contextID int64, url string) error {
		return nil
	})

	p := NewProtocol(injector, signals, 30*time.Millisecond, arbor.NewLogger())
	state, err := p.Perform(context.Background(), 1, "https://example.com")

	assert.Equal(t, StateTimedOut, state)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 0, signals.Count())
}

func TestProtocol_DeadlineStartsAfterInjection(t *testing.T) {
	signals := NewSignals()
	injector := injectorFunc(func(ctx context.Context, contextID int64, url string) error {
		// Injection alone outlasts the ready timeout
		time.Sleep(80 * time.Millisecond)
		go func() {
			time.Sleep(10 * time.Millisecond)
			signals.Notify(contextID)
		}()
		return nil
	})

	p := NewProtocol(injector, signals, 50*time.Millisecond, arbor.NewLogger())
	state, err := p.Perform(context.Background(), 1, "https://example.com")

	require.NoError(t, err)
	assert.Equal(t, StateReady, state)
}

func TestProtocol_CancelWhileWaiting(t *testing.T) {
	signals := NewSignals()
	injected := make(chan struct{})
	injector := injectorFunc(func(ctx context.Context, contextID int64, url string) error {
		close(injected)
		return nil
	})

	p := NewProtocol(injector, signals, time.Hour, arbor.NewLogger())

	go func() {
		<-injected
		assert.Eventually(t, func() bool { return signals.Cancel(4) > 0 }, time.Second, 5*time.Millisecond)
	}()

	state, err := p.Perform(context.Background(), 4, "https://example.com")
	assert.Equal(t, StateCancelled, state)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, 0, signals.Count())
}

func TestProtocol_CancelWhileInjecting(t *testing.T) {
	signals := NewSignals()
	injector := injectorFunc(func(ctx context.Context, contextID int64, url string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	p := NewProtocol(injector, signals, time.Hour, arbor.NewLogger())

	go func() {
		assert.Eventually(t, func() bool { return signals.CancelAll() > 0 }, time.Second, 5*time.Millisecond)
	}()

	state, err := p.Perform(context.Background(), 9, "https://example.com")
	assert.Equal(t, StateCancelled, state)
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestProtocol_ContextCancellation(t *testing.T) {
	signals := NewSignals()
	injector := injectorFunc(func(ctx context.Context, contextID int64, url string) error {
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := NewProtocol(injector, signals, time.Hour, arbor.NewLogger())
	state, err := p.Perform(ctx, 1, "https://example.com")

	assert.Equal(t, StateCancelled, state)
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestSignals_NotifyRoutesByContext(t *testing.T) {
	signals := NewSignals()
	a := signals.Subscribe(1)
	b := signals.Subscribe(2)
	defer a.Close()
	defer b.Close()

	assert.Equal(t, 1, signals.Notify(1))
	assert.Equal(t, 0, signals.Notify(3))

	select {
	case <-a.Ready():
	default:
		t.Fatal("context 1 listener should be ready")
	}
	select {
	case <-b.Ready():
		t.Fatal("context 2 listener must not fire")
	default:
	}

	a.Close()
	a.Close()
	assert.Equal(t, 1, signals.Count())
}
