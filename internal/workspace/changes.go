package workspace

import (
	"context"
	"sync"
	"time"
)

const (
	ChangeEventWorkingCopy = "working-copy-change"
	ChangeEventHistory     = "history-change"
	ChangeEventHeartbeat   = "heartbeat"
)

type ChangeMessage struct {
	EventType  string
	Files      []string
	Generation uint64
	Timestamp  time.Time
}

// ChangeDispatcher fans change messages out to every subscriber. Slow
// subscribers miss messages rather than block publishers.
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	stream chan ChangeMessage
}

func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{
		subscribers: make(map[int64]*changeSubscriber),
		bufferSize:  16,
	}
}

func (d *ChangeDispatcher) Subscribe(ctx context.Context) (<-chan ChangeMessage, func()) {
	subscriber := &changeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ChangeMessage, d.bufferSize),
	}
	d.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *ChangeDispatcher) Publish(message ChangeMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*changeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (d *ChangeDispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *ChangeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ChangeDispatcher) register(subscriber *changeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *ChangeDispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
