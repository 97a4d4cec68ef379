package gateway

import (
	"log/slog"
	"sync"
)

// QueueCapacity bounds the per-device broadcast queue. When the queue is
// full the incoming message is dropped; producers never block.
const QueueCapacity = 100

// Subscriber is a live connection able to receive pushed messages. A Send
// error marks the subscriber dead and removes it from the fan-out set.
type Subscriber interface {
	Send(data []byte) error
}

// channel is the per-device bridge between reader-thread publishes and
// subscriber delivery: a bounded queue, one draining worker, and the live
// subscriber set.
type channel struct {
	queue       chan []byte
	done        chan struct{}
	subscribers map[Subscriber]struct{}
}

// Gateway fans device output out to WebSocket subscribers. Channels are
// created lazily on first subscription and torn down when the last
// subscriber leaves; the underlying serial session is not touched.
type Gateway struct {
	mu       sync.Mutex
	channels map[int]*channel
	logger   *slog.Logger
}

// New creates an empty broadcast gateway.
func New(logger *slog.Logger) *Gateway {
	return &Gateway{
		channels: make(map[int]*channel),
		logger:   logger,
	}
}

// Subscribe adds sub to the device's fan-out set, creating the device
// channel and its draining worker on first use.
func (g *Gateway) Subscribe(index int, sub Subscriber) {
	g.mu.Lock()
	ch, ok := g.channels[index]
	if !ok {
		ch = &channel{
			queue:       make(chan []byte, QueueCapacity),
			done:        make(chan struct{}),
			subscribers: make(map[Subscriber]struct{}),
		}
		g.channels[index] = ch
		go g.broadcastWorker(index, ch)
	}
	ch.subscribers[sub] = struct{}{}
	count := len(ch.subscribers)
	g.mu.Unlock()

	g.logger.Info("Subscriber added", "device", index, "subscribers", count)
}

// Unsubscribe removes sub from the device's fan-out set. When the set
// becomes empty the channel is torn down and its worker exits.
func (g *Gateway) Unsubscribe(index int, sub Subscriber) {
	g.mu.Lock()
	ch, ok := g.channels[index]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(ch.subscribers, sub)
	count := len(ch.subscribers)
	if count == 0 {
		delete(g.channels, index)
		close(ch.done)
	}
	g.mu.Unlock()

	if count == 0 {
		g.logger.Info("Last subscriber left, channel torn down", "device", index)
	} else {
		g.logger.Info("Subscriber removed", "device", index, "subscribers", count)
	}
}

// Publish enqueues a message for the device's subscribers without blocking.
// If the device has no channel the message is discarded; if the queue is
// full the message is dropped and a warning logged (drop-newest).
func (g *Gateway) Publish(index int, message []byte) {
	g.mu.Lock()
	ch, ok := g.channels[index]
	g.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch.queue <- message:
	default:
		g.logger.Warn("Broadcast queue full, dropping message", "device", index)
	}
}

// SubscriberCount returns the number of live subscribers for the device.
func (g *Gateway) SubscriberCount(index int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.channels[index]
	if !ok {
		return 0
	}
	return len(ch.subscribers)
}

// broadcastWorker drains the device queue and delivers each message to the
// current subscriber set. Subscribers whose delivery fails are removed
// immediately; no retry. Exits when the channel is torn down.
func (g *Gateway) broadcastWorker(index int, ch *channel) {
	g.logger.Debug("Broadcast worker started", "device", index)
	defer g.logger.Debug("Broadcast worker exited", "device", index)

	for {
		select {
		case <-ch.done:
			return
		case message := <-ch.queue:
			g.deliver(index, ch, message)
		}
	}
}

// deliver sends one message to every current subscriber, pruning the ones
// that fail.
func (g *Gateway) deliver(index int, ch *channel, message []byte) {
	g.mu.Lock()
	subs := make([]Subscriber, 0, len(ch.subscribers))
	for sub := range ch.subscribers {
		subs = append(subs, sub)
	}
	g.mu.Unlock()

	var failed []Subscriber
	for _, sub := range subs {
		if err := sub.Send(message); err != nil {
			g.logger.Warn("Delivery failed, removing subscriber", "device", index, "error", err)
			failed = append(failed, sub)
		}
	}

	for _, sub := range failed {
		g.Unsubscribe(index, sub)
	}
}
