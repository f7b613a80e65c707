package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/phishwatch/internal/interfaces"
)

func TestService_PublishReachesSubscribers(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	var calls int32
	_, err := svc.Subscribe(interfaces.EventContextClosed, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, int64(7), event.Payload.(int64))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventContextClosed, Payload: int64(7)}))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
}

func TestService_Unsubscribe(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	var calls int32
	id, err := svc.Subscribe(interfaces.EventAnalysisCompleted, func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.Unsubscribe(interfaces.EventAnalysisCompleted, id))
	assert.Error(t, svc.Unsubscribe(interfaces.EventAnalysisCompleted, id))

	require.NoError(t, svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventAnalysisCompleted}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestService_PublishSyncReportsHandlerErrors(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	boom := errors.New("boom")

	_, _ = svc.Subscribe(interfaces.EventAnalysisFailed, func(ctx context.Context, event interfaces.Event) error {
		return boom
	})
	_, _ = svc.Subscribe(interfaces.EventAnalysisFailed, func(ctx context.Context, event interfaces.Event) error {
		return nil
	})

	err := svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventAnalysisFailed})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
}

func TestService_SubscribeRejectsNilHandler(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	_, err := svc.Subscribe(interfaces.EventAnalyzerToggled, nil)
	assert.Error(t, err)
}
