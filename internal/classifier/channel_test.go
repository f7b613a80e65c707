package classifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/models"
)

// fakeConn is an in-memory Conn. The test plays the worker through in/out.
type fakeConn struct {
	in     chan Message
	out    chan Message
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Message, 16),
		out:    make(chan Message, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadJSON(v interface{}) error {
	select {
	case msg := <-f.in:
		*(v.(*Message)) = msg
		return nil
	case <-f.closed:
		return errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	f.out <- v.(Message)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int32
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	atomic.AddInt32(&d.dials, 1)
	conn := newFakeConn()
	conn.in <- Message{What: KindWorkerReady}

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func outcome(label string) *models.Outcome {
	return &models.Outcome{
		Label:                   label,
		Probabilities:           map[string]float64{"phishing": 0.9, "legitimate": 0.1},
		IsPhishing:              label == "phishing",
		RequiredFeaturesPresent: true,
	}
}

func TestChannel_InitWaitsForWorkerReady(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, time.Second, time.Second, arbor.NewLogger())

	require.NoError(t, ch.Init(context.Background()))
	assert.True(t, ch.Ready())
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.dials))

	// Second init reuses the connection
	require.NoError(t, ch.Init(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.dials))
}

func TestChannel_CorrelatesOutOfOrderResponses(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 2*time.Second, time.Second, arbor.NewLogger())
	require.NoError(t, ch.Init(context.Background()))
	conn := dialer.last()

	// Worker answers two requests in reverse order
	go func() {
		first := <-conn.out
		second := <-conn.out
		conn.in <- Message{What: KindPredictionResult, ID: second.ID, Result: outcome(labelFor(second))}
		conn.in <- Message{What: KindPredictionResult, ID: first.ID, Result: outcome(labelFor(first))}
	}()

	var wg sync.WaitGroup
	results := make(map[int64]string)
	var mu sync.Mutex
	for _, contextID := range []int64{1, 2} {
		wg.Add(1)
		go func(contextID int64) {
			defer wg.Done()
			label := "legitimate"
			if contextID == 2 {
				label = "phishing"
			}
			got, err := ch.Predict(context.Background(), contextID, models.FeatureMap{"label": label})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results[contextID] = got.Label
			mu.Unlock()
		}(contextID)
	}
	wg.Wait()

	assert.Equal(t, "legitimate", results[1])
	assert.Equal(t, "phishing", results[2])
	assert.Equal(t, 0, ch.PendingCount())
}

func labelFor(msg Message) string {
	return msg.Input["label"].(string)
}

func TestChannel_TimeoutIgnoresLateResponse(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 30*time.Millisecond, time.Second, arbor.NewLogger())
	require.NoError(t, ch.Init(context.Background()))
	conn := dialer.last()

	_, err := ch.Predict(context.Background(), 1, models.FeatureMap{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 0, ch.PendingCount())

	late := <-conn.out
	conn.in <- Message{What: KindPredictionResult, ID: late.ID, Result: outcome("phishing")}

	// The channel keeps working for the next request
	go func() {
		next := <-conn.out
		conn.in <- Message{What: KindPredictionResult, ID: next.ID, Result: outcome("legitimate")}
	}()
	ch.timeout = time.Second
	got, err := ch.Predict(context.Background(), 2, models.FeatureMap{})
	require.NoError(t, err)
	assert.Equal(t, "legitimate", got.Label)
}

func TestChannel_WorkerErrorIsReturned(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, time.Second, time.Second, arbor.NewLogger())
	require.NoError(t, ch.Init(context.Background()))
	conn := dialer.last()

	go func() {
		req := <-conn.out
		conn.in <- Message{What: KindError, ID: req.ID, Error: "model not loaded"}
	}()

	_, err := ch.Predict(context.Background(), 1, models.FeatureMap{})
	var workerErr *WorkerError
	require.True(t, errors.As(err, &workerErr))
	assert.Equal(t, "model not loaded", workerErr.Message)
}

func TestChannel_TransportFailureFailsAllPendingAndRedials(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 5*time.Second, time.Second, arbor.NewLogger())
	require.NoError(t, ch.Init(context.Background()))
	conn := dialer.last()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			_, err := ch.Predict(context.Background(), int64(i), models.FeatureMap{})
			errs <- err
		}(i)
	}

	for i := 0; i < 3; i++ {
		<-conn.out
	}
	_ = conn.Close()

	for i := 0; i < 3; i++ {
		err := <-errs
		assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
	}

	// Next request establishes a fresh connection
	go func() {
		assert.Eventually(t, func() bool { return dialer.count() == 2 }, time.Second, 5*time.Millisecond)
		next := <-dialer.last().out
		dialer.last().in <- Message{What: KindPredictionResult, ID: next.ID, Result: outcome("legitimate")}
	}()
	got, err := ch.Predict(context.Background(), 9, models.FeatureMap{})
	require.NoError(t, err)
	assert.Equal(t, "legitimate", got.Label)
}

func TestChannel_TerminateFailsPendingAndBlocksUntilInit(t *testing.T) {
	dialer := &fakeDialer{}
	ch := NewChannel(dialer, 5*time.Second, time.Second, arbor.NewLogger())
	require.NoError(t, ch.Init(context.Background()))
	conn := dialer.last()

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Predict(context.Background(), 1, models.FeatureMap{})
		errs <- err
	}()
	<-conn.out

	ch.Terminate()
	assert.True(t, errors.Is(<-errs, ErrChannelClosed))

	start := time.Now()
	_, err := ch.Predict(context.Background(), 2, models.FeatureMap{})
	assert.True(t, errors.Is(err, ErrChannelClosed))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, ch.Init(context.Background()))
	assert.True(t, ch.Ready())
}

// gatedDialer holds every Dial until release is closed
type gatedDialer struct {
	fakeDialer
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context) (Conn, error) {
	d.entered <- struct{}{}
	<-d.release
	return d.fakeDialer.Dial(ctx)
}

func TestChannel_SlowDialDoesNotBlockTerminate(t *testing.T) {
	dialer := &gatedDialer{entered: make(chan struct{}, 4), release: make(chan struct{})}
	ch := NewChannel(dialer, time.Second, 2*time.Second, arbor.NewLogger())

	initErr := make(chan error, 1)
	go func() { initErr <- ch.Init(context.Background()) }()
	<-dialer.entered

	stopped := make(chan struct{})
	go func() {
		assert.Equal(t, 0, ch.PendingCount())
		assert.False(t, ch.Ready())
		ch.Terminate()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Terminate waited behind an in-flight dial")
	}

	close(dialer.release)
	select {
	case err := <-initErr:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("Init did not return after the dial settled")
	}

	// The connection dialed before Terminate is closed, not installed
	require.Equal(t, 1, dialer.count())
	select {
	case <-dialer.last().closed:
	default:
		t.Fatal("stale connection left open")
	}
	assert.False(t, ch.Ready())
}

func TestChannel_ConcurrentCallersShareOneDial(t *testing.T) {
	dialer := &gatedDialer{entered: make(chan struct{}, 4), release: make(chan struct{})}
	ch := NewChannel(dialer, time.Second, 2*time.Second, arbor.NewLogger())

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ch.Init(context.Background())
		}()
	}
	<-dialer.entered
	close(dialer.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.dials))
	assert.True(t, ch.Ready())
}

func TestChannel_WebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(Message{What: KindWorkerReady}); err != nil {
			return
		}
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			result := outcome("legitimate")
			if strings.Contains(msg.Input["host"].(string), "login") {
				result = outcome("phishing")
			}
			_ = conn.WriteJSON(Message{What: KindPredictionResult, ID: msg.ID, ContextID: msg.ContextID, Result: result})
		}
	}))
	defer server.Close()

	dialer := NewWebSocketDialer("ws" + strings.TrimPrefix(server.URL, "http"))
	ch := NewChannel(dialer, 2*time.Second, 2*time.Second, arbor.NewLogger())
	defer ch.Terminate()

	got, err := ch.Predict(context.Background(), 4, models.FeatureMap{"host": "login.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "phishing", got.Label)
	assert.True(t, got.IsPhishing)
}
