package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trademirror/internal/domain"
	"trademirror/internal/ports"
)

type testLogger struct{}

func (l *testLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *testLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (l *testLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (l *testLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestBus_DeliversInOrder(t *testing.T) {
	b, err := New(Config{Logger: &testLogger{}})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	b.Subscribe(func(ctx context.Context, event domain.Event) error {
		mu.Lock()
		got = append(got, event.Key())
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, domain.CloseEvent{PositionID: fmt.Sprintf("P%d", i)}))
	}
	b.Close()

	want := make([]string, 10)
	for i := range want {
		want[i] = fmt.Sprintf("P%d", i)
	}
	assert.Equal(t, want, got)
}

func TestBus_RedeliversOnHandlerError(t *testing.T) {
	b, err := New(Config{Logger: &testLogger{}, MaxRedeliveries: 5})
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	b.Subscribe(func(ctx context.Context, event domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return fmt.Errorf("store unavailable")
		}
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), domain.CloseEvent{PositionID: "P1"}))
	b.Close()
	assert.Equal(t, 3, calls)
}

func TestBus_DropsAfterRedeliveryLimit(t *testing.T) {
	b, err := New(Config{Logger: &testLogger{}, MaxRedeliveries: 2})
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	b.Subscribe(func(ctx context.Context, event domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return fmt.Errorf("always failing")
	})

	require.NoError(t, b.Publish(context.Background(), domain.CloseEvent{PositionID: "P1"}))
	b.Close()
	assert.Equal(t, 3, calls) // Initial delivery + 2 redeliveries
}

func TestBus_ConcurrentPublishAndClose(t *testing.T) {
	// Publishers racing Close must either enqueue or get ErrBusClosed,
	// never panic on a closed channel.
	for i := 0; i < 200; i++ {
		b, err := New(Config{BufferSize: 4, Logger: &testLogger{}})
		require.NoError(t, err)
		b.Subscribe(func(ctx context.Context, event domain.Event) error { return nil })

		var wg sync.WaitGroup
		errCh := make(chan error, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := b.Publish(context.Background(), domain.CloseEvent{PositionID: "P1"}); err != nil {
					errCh <- err
					return
				}
			}
		}()
		b.Close()
		wg.Wait()
		assert.ErrorIs(t, <-errCh, ports.ErrBusClosed)
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	b, err := New(Config{Logger: &testLogger{}})
	require.NoError(t, err)
	b.Subscribe(func(ctx context.Context, event domain.Event) error { return nil })
	b.Close()

	err = b.Publish(context.Background(), domain.CloseEvent{PositionID: "P1"})
	assert.ErrorIs(t, err, ports.ErrBusClosed)
}
