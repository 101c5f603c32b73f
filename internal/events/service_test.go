package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/cursus/internal/interfaces"
)

func TestPublishSync_DeliversToAllSubscribers(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	var mu sync.Mutex
	received := []string{}
	handler := func(name string) interfaces.EventHandler {
		return func(ctx context.Context, event interfaces.Event) error {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, name)
			return nil
		}
	}

	require.NoError(t, svc.Subscribe(interfaces.EventJobStatusChange, handler("first")))
	require.NoError(t, svc.Subscribe(interfaces.EventJobStatusChange, handler("second")))
	require.NoError(t, svc.Subscribe(interfaces.EventTaskStatusChange, handler("other")))

	err := svc.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobStatusChange,
		Payload: map[string]string{"job_id": "job_1"},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"first", "second"}, received)
}

func TestPublishSync_ReturnsFirstHandlerError(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	require.NoError(t, svc.Subscribe(interfaces.EventRateLimitDenied, func(ctx context.Context, event interfaces.Event) error {
		return fmt.Errorf("handler one failed")
	}))
	require.NoError(t, svc.Subscribe(interfaces.EventRateLimitDenied, func(ctx context.Context, event interfaces.Event) error {
		return fmt.Errorf("handler two failed")
	}))

	err := svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventRateLimitDenied})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler one failed")
}

func TestPublish_Async(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	done := make(chan interfaces.Event, 1)
	require.NoError(t, svc.Subscribe(interfaces.EventJobSubmitted, func(ctx context.Context, event interfaces.Event) error {
		done <- event
		return nil
	}))

	require.NoError(t, svc.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobSubmitted,
		Payload: "job_42",
	}))

	select {
	case event := <-done:
		assert.Equal(t, "job_42", event.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("async handler was not invoked")
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	assert.NoError(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobHealthChange}))
}

func TestClosedService_RejectsOperations(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	require.NoError(t, svc.Close())

	assert.Error(t, svc.Subscribe(interfaces.EventJobSubmitted, func(ctx context.Context, event interfaces.Event) error {
		return nil
	}))
	assert.Error(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventJobSubmitted}))
	assert.Error(t, svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventJobSubmitted}))
}

func TestSubscribe_NilHandlerRejected(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	assert.Error(t, svc.Subscribe(interfaces.EventJobSubmitted, nil))
}
