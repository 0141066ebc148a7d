package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprout/internal/adapter"
	"sprout/internal/bus"
	"sprout/internal/kv"
	"sprout/internal/message"
)

type fakeAdapter struct {
	mu       sync.Mutex
	sent     []message.Command
	inFlight int64
	maxSeen  int64

	reply func(c message.Command) (message.Ack, error)
}

func (f *fakeAdapter) Name() string               { return "fake" }
func (f *fakeAdapter) Init(context.Context) error { return nil }
func (f *fakeAdapter) Close() error               { return nil }

func (f *fakeAdapter) PublishTelemetry(context.Context, message.Telemetry) error {
	return nil
}

func (f *fakeAdapter) SendCommand(ctx context.Context, c message.Command) (message.Ack, error) {
	cur := atomic.AddInt64(&f.inFlight, 1)
	for {
		prev := atomic.LoadInt64(&f.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt64(&f.maxSeen, prev, cur) {
			break
		}
	}
	defer atomic.AddInt64(&f.inFlight, -1)

	f.mu.Lock()
	f.sent = append(f.sent, c)
	f.mu.Unlock()

	if f.reply != nil {
		return f.reply(c)
	}
	return message.Ack{DeviceID: c.DeviceID, CommandID: c.CommandID, Success: true}, nil
}

type recordingStore struct {
	mu     sync.Mutex
	sent   []string
	acked  []string
	failed map[string]string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{failed: make(map[string]string)}
}

func (s *recordingStore) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, id)
	return nil
}

func (s *recordingStore) MarkAcknowledged(_ context.Context, id string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, id)
	return nil
}

func (s *recordingStore) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = reason
	return nil
}

func newTestDispatcher(ad adapter.Adapter, store CommandStore) *Dispatcher {
	opts, _ := noSleep()
	resolve := func(string) (adapter.Adapter, error) { return ad, nil }
	return NewDispatcher(bus.New(), NewIdempotency(kv.NewMemory(), time.Hour), opts, store, resolve)
}

func TestDispatchDeliversAndMarks(t *testing.T) {
	ad := &fakeAdapter{}
	store := newRecordingStore()
	d := newTestDispatcher(ad, store)
	defer d.Close()

	ack, err := d.Dispatch(context.Background(), message.Command{
		DeviceID: "dev-1",
		Type:     "irrigation_on",
		Params:   map[string]any{"zone": "a"},
	})
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.NotEmpty(t, ack.CommandID)

	assert.Equal(t, []string{ack.CommandID}, store.sent)
	assert.Equal(t, []string{ack.CommandID}, store.acked)
	assert.Empty(t, store.failed)
}

func TestDispatchNegativeAckMarksFailed(t *testing.T) {
	ad := &fakeAdapter{reply: func(c message.Command) (message.Ack, error) {
		return message.Ack{CommandID: c.CommandID, Success: false, Message: "valve stuck"}, nil
	}}
	store := newRecordingStore()
	d := newTestDispatcher(ad, store)
	defer d.Close()

	ack, err := d.Dispatch(context.Background(), message.Command{DeviceID: "d", Type: "open"})
	require.NoError(t, err) // транспорт доставил — это не ошибка доставки
	assert.False(t, ack.Success)
	assert.Contains(t, store.failed[ack.CommandID], "valve stuck")
	assert.Empty(t, store.acked)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	var calls int64
	ad := &fakeAdapter{reply: func(c message.Command) (message.Ack, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return message.Ack{}, fmt.Errorf("%w: broker down", adapter.ErrDelivery)
		}
		return message.Ack{CommandID: c.CommandID, Success: true}, nil
	}}
	d := newTestDispatcher(ad, nil)
	defer d.Close()

	ack, err := d.Dispatch(context.Background(), message.Command{DeviceID: "d", Type: "t"})
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestDispatchExhaustionFails(t *testing.T) {
	ad := &fakeAdapter{reply: func(message.Command) (message.Ack, error) {
		return message.Ack{}, fmt.Errorf("%w: unreachable", adapter.ErrDelivery)
	}}
	store := newRecordingStore()
	d := newTestDispatcher(ad, store)
	defer d.Close()

	_, err := d.Dispatch(context.Background(), message.Command{DeviceID: "d", Type: "t"})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Len(t, store.failed, 1)
}

func TestDispatchResolverFailureIsPermanent(t *testing.T) {
	opts, delays := noSleep()
	resolve := func(string) (adapter.Adapter, error) {
		return nil, errors.New("device has no transport")
	}
	d := NewDispatcher(bus.New(), nil, opts, nil, resolve)
	defer d.Close()

	_, err := d.Dispatch(context.Background(), message.Command{DeviceID: "d", Type: "t"})
	require.Error(t, err)
	assert.Empty(t, *delays) // без адаптера ретраев не бывает
}

func TestDispatchValidation(t *testing.T) {
	d := newTestDispatcher(&fakeAdapter{}, nil)
	defer d.Close()

	_, err := d.Dispatch(context.Background(), message.Command{DeviceID: "d"})
	assert.ErrorIs(t, err, message.ErrValidation)

	_, err = d.Dispatch(context.Background(), message.Command{Type: "t"})
	assert.ErrorIs(t, err, message.ErrValidation)
}

func TestDispatchPerDeviceSerialization(t *testing.T) {
	ad := &fakeAdapter{reply: func(c message.Command) (message.Ack, error) {
		time.Sleep(5 * time.Millisecond)
		return message.Ack{CommandID: c.CommandID, Success: true}, nil
	}}
	d := newTestDispatcher(ad, nil)
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), message.Command{DeviceID: "same", Type: "t"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// один воркер на устройство: команды к нему никогда не идут параллельно
	assert.Equal(t, int64(1), atomic.LoadInt64(&ad.maxSeen))
	assert.Len(t, ad.sent, 10)
}

func TestDispatchIdempotencyKeyDeduplicates(t *testing.T) {
	ad := &fakeAdapter{reply: func(c message.Command) (message.Ack, error) {
		time.Sleep(5 * time.Millisecond)
		return message.Ack{CommandID: c.CommandID, Success: true, Message: "done"}, nil
	}}
	d := newTestDispatcher(ad, nil)
	defer d.Close()

	const n = 5
	acks := make([]message.Ack, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := d.Dispatch(context.Background(), message.Command{
				DeviceID:       fmt.Sprintf("dev-%d", i), // разные устройства, один ключ
				Type:           "t",
				IdempotencyKey: "op-42",
			})
			assert.NoError(t, err)
			acks[i] = ack
		}(i)
	}
	wg.Wait()

	assert.Len(t, ad.sent, 1)
	for _, a := range acks {
		assert.Equal(t, "done", a.Message)
	}
}

func TestDispatchCacheHitSkipsJournal(t *testing.T) {
	ad := &fakeAdapter{reply: func(c message.Command) (message.Ack, error) {
		return message.Ack{CommandID: c.CommandID, Success: true, Message: "done"}, nil
	}}
	store := newRecordingStore()
	d := newTestDispatcher(ad, store)
	defer d.Close()

	_, err := d.Dispatch(context.Background(), message.Command{
		DeviceID: "dev-1", CommandID: "c-1", Type: "t", IdempotencyKey: "op-7",
	})
	require.NoError(t, err)

	// дубликат с другим command_id: ответ из кэша, его id в журнале нет
	dup, err := d.Dispatch(context.Background(), message.Command{
		DeviceID: "dev-1", CommandID: "c-2", Type: "t", IdempotencyKey: "op-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", dup.Message)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"c-1"}, store.sent)
	assert.Equal(t, []string{"c-1"}, store.acked)
	assert.Empty(t, store.failed)
}

func TestDispatchTimeoutResolves(t *testing.T) {
	ad := &fakeAdapter{reply: func(message.Command) (message.Ack, error) {
		return message.Ack{}, fmt.Errorf("%w: no ack", adapter.ErrDelivery)
	}}
	d := NewDispatcher(nil, nil, RetryOptions{MaxRetries: 50, InitialDelay: 50 * time.Millisecond}, nil, func(string) (adapter.Adapter, error) {
		return ad, nil
	})
	defer d.Close()

	start := time.Now()
	_, err := d.Dispatch(context.Background(), message.Command{
		DeviceID:  "d",
		Type:      "t",
		TimeoutMS: 80,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDispatchAfterCloseFails(t *testing.T) {
	d := newTestDispatcher(&fakeAdapter{}, nil)
	d.Close()

	_, err := d.Dispatch(context.Background(), message.Command{DeviceID: "d", Type: "t"})
	assert.ErrorIs(t, err, adapter.ErrDelivery)
}
