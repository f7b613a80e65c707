// -----------------------------------------------------------------------
// Handshake - rendezvous with the renderer before querying it
// -----------------------------------------------------------------------

package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
)

var (
	ErrTimeout   = errors.New("handshake timed out waiting for renderer")
	ErrInjection = errors.New("renderer injection failed")
	ErrCancelled = errors.New("handshake cancelled")
)

// State of a single handshake
type State int

const (
	StateIdle State = iota
	StateInjecting
	StateWaitingReady
	StateReady
	StateTimedOut
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInjecting:
		return "injecting"
	case StateWaitingReady:
		return "waiting_ready"
	case StateReady:
		return "ready"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s >= StateReady
}

// Injector loads the renderer component into a context
type Injector interface {
	Inject(ctx context.Context, contextID int64, url string) error
}

// Protocol performs handshakes against an Injector and a Signals hub
type Protocol struct {
	injector Injector
	signals  *Signals
	timeout  time.Duration
	logger   arbor.ILogger

	// OnTransition, when set, observes every state change
	OnTransition func(contextID int64, from, to State)
}

// NewProtocol creates a handshake protocol with the given ready timeout
func NewProtocol(injector Injector, signals *Signals, timeout time.Duration, logger arbor.ILogger) *Protocol {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Protocol{
		injector: injector,
		signals:  signals,
		timeout:  timeout,
		logger:   logger,
	}
}

// Perform injects the renderer into contextID and waits for its ready signal.
// The ready deadline starts only once injection has succeeded. The listener
// is deregistered on every terminal transition.
func (p *Protocol) Perform(ctx context.Context, contextID int64, url string) (State, error) {
	state := StateIdle
	move := func(to State) {
		if p.OnTransition != nil {
			p.OnTransition(contextID, state, to)
		}
		p.logger.Trace().
			Int64("context_id", contextID).
			Str("from", state.String()).
			Str("to", to.String()).
			Msg("Handshake transition")
		state = to
	}

	sub := p.signals.Subscribe(contextID)
	defer sub.Close()

	move(StateInjecting)

	injectCtx, cancelInject := context.WithCancel(ctx)
	defer cancelInject()

	done := make(chan error, 1)
	go func() {
		done <- p.injector.Inject(injectCtx, contextID, url)
	}()

	select {
	case err := <-done:
		if err != nil {
			move(StateFailed)
			return state, fmt.Errorf("%w: %v", ErrInjection, err)
		}
	case <-sub.Cancelled():
		cancelInject()
		move(StateCancelled)
		return state, ErrCancelled
	case <-ctx.Done():
		move(StateCancelled)
		return state, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}

	move(StateWaitingReady)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-sub.Ready():
		move(StateReady)
		return state, nil
	case <-timer.C:
		move(StateTimedOut)
		return state, fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
	case <-sub.Cancelled():
		move(StateCancelled)
		return state, ErrCancelled
	case <-ctx.Done():
		move(StateCancelled)
		return state, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}
