package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprout/internal/message"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishFanOut(t *testing.T) {
	b := New()
	defer b.Close()

	var n1, n2 int64
	b.Subscribe(message.KindTelemetry, func(any) { atomic.AddInt64(&n1, 1) })
	b.Subscribe(message.KindTelemetry, func(any) { atomic.AddInt64(&n2, 1) })

	b.PublishTelemetry(message.Telemetry{DeviceID: "d", TS: message.Now()})

	waitFor(t, func() bool {
		return atomic.LoadInt64(&n1) == 1 && atomic.LoadInt64(&n2) == 1
	})
}

func TestPublishKindIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	var tele, cmd int64
	b.Subscribe(message.KindTelemetry, func(any) { atomic.AddInt64(&tele, 1) })
	b.Subscribe(message.KindCommand, func(any) { atomic.AddInt64(&cmd, 1) })

	b.PublishCommand(message.Command{DeviceID: "d", Type: "t"})

	waitFor(t, func() bool { return atomic.LoadInt64(&cmd) == 1 })
	assert.Equal(t, int64(0), atomic.LoadInt64(&tele))
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	b.Subscribe(message.KindAck, func(msg any) {
		a := msg.(message.Ack)
		mu.Lock()
		got = append(got, a.CommandID)
		mu.Unlock()
	})

	want := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, id := range want {
		b.PublishAck(message.Ack{DeviceID: "d", CommandID: id})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestPanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	b := New()
	defer b.Close()

	var healthy int64
	b.Subscribe(message.KindTelemetry, func(any) { panic("boom") })
	b.Subscribe(message.KindTelemetry, func(any) { atomic.AddInt64(&healthy, 1) })

	b.PublishTelemetry(message.Telemetry{DeviceID: "d"})
	b.PublishTelemetry(message.Telemetry{DeviceID: "d"})

	waitFor(t, func() bool { return atomic.LoadInt64(&healthy) == 2 })
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New()
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe(message.KindTelemetry, func(any) { <-block })

	done := make(chan struct{})
	go func() {
		// заметно больше ёмкости очереди подписчика
		for i := 0; i < defaultQueueSize*3; i++ {
			b.PublishTelemetry(message.Telemetry{DeviceID: "d"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}
	close(block)
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var n int64
	sub := b.Subscribe(message.KindTelemetry, func(any) { atomic.AddInt64(&n, 1) })

	b.PublishTelemetry(message.Telemetry{DeviceID: "d"})
	waitFor(t, func() bool { return atomic.LoadInt64(&n) == 1 })

	sub.Cancel()
	sub.Cancel() // повторная отмена безопасна

	b.PublishTelemetry(message.Telemetry{DeviceID: "d"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&n))
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New()

	var n int64
	b.Subscribe(message.KindTelemetry, func(any) { atomic.AddInt64(&n, 1) })
	b.Close()

	require.NotPanics(t, func() {
		b.PublishTelemetry(message.Telemetry{DeviceID: "d"})
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&n))
}
