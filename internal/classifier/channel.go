// -----------------------------------------------------------------------
// Classifier Channel - multiplexed request/response with the model worker
// -----------------------------------------------------------------------

package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/common"
	"github.com/ternarybob/phishwatch/internal/models"
)

var (
	ErrTimeout       = errors.New("classifier request timed out")
	ErrTransport     = errors.New("classifier transport failure")
	ErrChannelClosed = errors.New("classifier channel terminated")
	ErrNotReady      = errors.New("classifier did not become ready")
)

// WorkerError is an error reported by the model worker for one request
type WorkerError struct {
	ID      string
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("classifier worker error for %s: %s", e.ID, e.Message)
}

type reply struct {
	outcome *models.Outcome
	err     error
}

type pendingRequest struct {
	ch        chan reply
	sess      *session
	contextID int64
}

type session struct {
	conn      Conn
	writeMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *session) write(msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Channel is a single long-lived connection to the model worker shared by
// every run. Requests are matched to responses only by correlation id.
type Channel struct {
	dialer       Dialer
	timeout      time.Duration
	readyTimeout time.Duration
	logger       arbor.ILogger

	mu         sync.Mutex
	sess       *session
	pending    map[string]*pendingRequest
	terminated bool
	// dialing is closed when the in-flight dial settles; epoch moves on Terminate
	dialing chan struct{}
	epoch   uint64
}

// NewChannel creates an unconnected channel. The connection is established
// by Init or lazily by the first Predict.
func NewChannel(dialer Dialer, timeout, readyTimeout time.Duration, logger arbor.ILogger) *Channel {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if readyTimeout <= 0 {
		readyTimeout = 10 * time.Second
	}
	return &Channel{
		dialer:       dialer,
		timeout:      timeout,
		readyTimeout: readyTimeout,
		logger:       logger,
		pending:      make(map[string]*pendingRequest),
	}
}

// Init connects if needed and blocks until the worker reports ready.
// It also re-arms a terminated channel.
func (c *Channel) Init(ctx context.Context) error {
	c.mu.Lock()
	c.terminated = false
	c.mu.Unlock()

	return c.ensureReady(ctx)
}

func (c *Channel) ensureReady(ctx context.Context) error {
	sess, err := c.connect(ctx)
	if err != nil {
		return err
	}

	timer := time.NewTimer(c.readyTimeout)
	defer timer.Stop()

	select {
	case <-sess.ready:
		return nil
	case <-sess.done:
		return fmt.Errorf("%w: connection closed before ready", ErrTransport)
	case <-timer.C:
		c.dropSession(sess, ErrNotReady)
		return fmt.Errorf("%w within %s", ErrNotReady, c.readyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect returns the current session, dialing one if needed. The dial runs
// outside c.mu; concurrent callers wait for it instead of dialing again.
func (c *Channel) connect(ctx context.Context) (*session, error) {
	for {
		c.mu.Lock()
		if c.terminated {
			c.mu.Unlock()
			return nil, ErrChannelClosed
		}
		if c.sess != nil {
			sess := c.sess
			c.mu.Unlock()
			return sess, nil
		}
		if wait := c.dialing; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		dialing := make(chan struct{})
		c.dialing = dialing
		epoch := c.epoch
		c.mu.Unlock()

		conn, err := c.dialer.Dial(ctx)

		c.mu.Lock()
		c.dialing = nil
		close(dialing)
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if c.terminated || c.epoch != epoch {
			c.mu.Unlock()
			_ = conn.Close()
			return nil, ErrChannelClosed
		}

		sess := &session{
			conn:  conn,
			ready: make(chan struct{}),
			done:  make(chan struct{}),
		}
		c.sess = sess
		c.mu.Unlock()

		common.SafeGo(c.logger, "classifier-reader", func() {
			c.readLoop(sess)
		})
		c.logger.Info().Msg("Classifier connection established, waiting for worker ready")
		return sess, nil
	}
}

// Predict sends features for contextID and waits for the matching outcome.
// On timeout the pending entry is discarded and any late reply is ignored.
func (c *Channel) Predict(ctx context.Context, contextID int64, features models.FeatureMap) (*models.Outcome, error) {
	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}

	id := common.NewCorrelationID()
	req := &pendingRequest{ch: make(chan reply, 1), contextID: contextID}

	c.mu.Lock()
	if c.terminated || c.sess == nil {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	req.sess = c.sess
	c.pending[id] = req
	c.mu.Unlock()

	err := req.sess.write(Message{What: KindPredict, ID: id, ContextID: contextID, Input: features})
	if err != nil {
		c.dropSession(req.sess, fmt.Errorf("%w: %v", ErrTransport, err))
		// dropSession already failed this request
		r := <-req.ch
		return nil, r.err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-req.ch:
		return r.outcome, r.err
	case <-timer.C:
		c.forget(id)
		c.logger.Warn().
			Str("correlation_id", id).
			Int64("context_id", contextID).
			Dur("timeout", c.timeout).
			Msg("Classifier request timed out")
		return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Terminate closes the connection and fails every pending request.
// Predict fails fast until Init is called again.
func (c *Channel) Terminate() {
	c.mu.Lock()
	c.terminated = true
	c.epoch++
	sess := c.sess
	c.sess = nil
	failed := c.failPendingLocked(nil, ErrChannelClosed)
	c.mu.Unlock()

	if sess != nil {
		_ = sess.conn.Close()
	}

	c.logger.Info().Int("failed_pending", failed).Msg("Classifier channel terminated")
}

// Ready reports whether a connection is established and the worker is ready
func (c *Channel) Ready() bool {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess == nil {
		return false
	}
	select {
	case <-sess.ready:
		return true
	default:
		return false
	}
}

// PendingCount returns the number of outstanding requests
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) readLoop(sess *session) {
	defer close(sess.done)

	for {
		var msg Message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			c.dropSession(sess, fmt.Errorf("%w: %v", ErrTransport, err))
			return
		}

		switch msg.What {
		case KindWorkerReady:
			sess.markReady()
			c.logger.Info().Msg("Classifier worker ready")
		case KindPredictionResult:
			if msg.Result == nil {
				c.deliver(msg.ID, reply{err: &WorkerError{ID: msg.ID, Message: "empty prediction result"}})
				continue
			}
			c.deliver(msg.ID, reply{outcome: msg.Result})
		case KindError:
			if msg.ID == "" {
				c.logger.Warn().Str("error", msg.Error).Msg("Classifier worker reported an uncorrelated error")
				continue
			}
			c.deliver(msg.ID, reply{err: &WorkerError{ID: msg.ID, Message: msg.Error}})
		default:
			c.logger.Debug().Str("what", msg.What).Msg("Ignoring unknown classifier message")
		}
	}
}

func (c *Channel) deliver(id string, r reply) {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("correlation_id", id).Msg("Discarding classifier response with unknown or stale id")
		return
	}
	req.ch <- r
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dropSession detaches sess, closes its connection and fails its pending
// requests. The next use dials a fresh connection.
func (c *Channel) dropSession(sess *session, cause error) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	failed := c.failPendingLocked(sess, cause)
	c.mu.Unlock()

	_ = sess.conn.Close()

	if failed > 0 || !errors.Is(cause, ErrTransport) {
		c.logger.Warn().Err(cause).Int("failed_pending", failed).Msg("Classifier connection dropped")
	}
}

// failPendingLocked fails requests bound to sess, or all requests when sess is nil
func (c *Channel) failPendingLocked(sess *session, cause error) int {
	n := 0
	for id, req := range c.pending {
		if sess != nil && req.sess != sess {
			continue
		}
		delete(c.pending, id)
		req.ch <- reply{err: cause}
		n++
	}
	return n
}
