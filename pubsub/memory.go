package pubsub

import (
	"context"
	"errors"
	"sync"

	evbus "github.com/asaskevich/EventBus"

	"github.com/golang/glog"
)

var ErrClosed = errors.New("Done.")

type MemoryPubSubSettings struct {
	SubscriberBufferSize int
}

func DefaultMemoryPubSubSettings() *MemoryPubSubSettings {
	return &MemoryPubSubSettings{
		SubscriberBufferSize: 16,
	}
}

type memorySubscriber struct {
	ctx context.Context
	out chan any
}

// MemoryPubSub is an in-process `PubSub` on an event bus.
// Publish blocks until each subscriber accepts the payload or ends.
type MemoryPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MemoryPubSubSettings
	bus      evbus.Bus

	// one bus handler per topic
	topicsLock sync.Mutex
	topics     map[string]bool

	// handlers send while holding the read lock, so a subscriber is never closed mid-send
	stateLock   sync.RWMutex
	subscribers map[string]map[*memorySubscriber]bool
}

func NewMemoryPubSubWithDefaults(ctx context.Context) *MemoryPubSub {
	return NewMemoryPubSub(ctx, DefaultMemoryPubSubSettings())
}

func NewMemoryPubSub(ctx context.Context, settings *MemoryPubSubSettings) *MemoryPubSub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MemoryPubSub{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		bus:         evbus.New(),
		topics:      map[string]bool{},
		subscribers: map[string]map[*memorySubscriber]bool{},
	}
}

func (self *MemoryPubSub) Subscribe(ctx context.Context, topic string) (chan any, error) {
	if self.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if err := self.ensureTopic(topic); err != nil {
		return nil, err
	}

	subscriber := &memorySubscriber{
		ctx: ctx,
		out: make(chan any, self.settings.SubscriberBufferSize),
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		subscribers, ok := self.subscribers[topic]
		if !ok {
			subscribers = map[*memorySubscriber]bool{}
			self.subscribers[topic] = subscribers
		}
		subscribers[subscriber] = true
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-self.ctx.Done():
		}
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.subscribers[topic], subscriber)
		if len(self.subscribers[topic]) == 0 {
			delete(self.subscribers, topic)
		}
		close(subscriber.out)
	}()

	return subscriber.out, nil
}

func (self *MemoryPubSub) ensureTopic(topic string) error {
	self.topicsLock.Lock()
	defer self.topicsLock.Unlock()
	if self.topics[topic] {
		return nil
	}
	err := self.bus.Subscribe(topic, func(payload any) {
		self.deliver(topic, payload)
	})
	if err != nil {
		return err
	}
	self.topics[topic] = true
	return nil
}

func (self *MemoryPubSub) deliver(topic string, payload any) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	for subscriber := range self.subscribers[topic] {
		select {
		case <-subscriber.ctx.Done():
		case <-self.ctx.Done():
		case subscriber.out <- payload:
		}
	}
	glog.V(2).Infof("[ps]%s delivered to %d\n", topic, len(self.subscribers[topic]))
}

func (self *MemoryPubSub) Publish(ctx context.Context, topic string, payload any) error {
	if self.ctx.Err() != nil {
		return ErrClosed
	}
	self.bus.Publish(topic, payload)
	return nil
}

func (self *MemoryPubSub) Close() error {
	self.cancel()
	return nil
}
