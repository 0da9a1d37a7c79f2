package outbox

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Envelope is one notification fanned out to realtime subscribers.
type Envelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Broadcaster fans delivered notifications out to in-process subscribers
// (the websocket stream). Slow subscribers drop frames rather than blocking
// the drainer.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int64]chan Envelope
	nextID  int64
	metrics *broadcastMetrics
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:    make(map[int64]chan Envelope),
		metrics: broadcasterMetrics(),
	}
}

// Subscribe registers a subscriber with the given buffer size and returns
// its channel plus a cancel function.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Envelope, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Deliver implements Deliverer by fanning the payload out without blocking.
func (b *Broadcaster) Deliver(_ context.Context, eventType string, payload []byte) error {
	env := Envelope{EventType: eventType, Payload: append(json.RawMessage(nil), payload...)}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.metrics.recordDropped("slow_subscriber", 1)
		}
	}
	return nil
}

var (
	broadcastMetricsOnce sync.Once
	sharedBroadcast      *broadcastMetrics
)

type broadcastMetrics struct {
	dropped metric.Int64Counter
}

func broadcasterMetrics() *broadcastMetrics {
	broadcastMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("settlecore/outbox")
		counter, err := meter.Int64Counter("settle.outbox.broadcast.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("settlecore/outbox")
			counter, _ = fallback.Int64Counter("settle.outbox.broadcast.dropped")
		}
		sharedBroadcast = &broadcastMetrics{dropped: counter}
	})
	return sharedBroadcast
}

func (m *broadcastMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
