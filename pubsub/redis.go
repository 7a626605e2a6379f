package pubsub

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/golang/glog"
)

type RedisPubSubSettings struct {
	// prepended to every topic to form the channel name
	ChannelPrefix        string
	SubscriberBufferSize int
}

func DefaultRedisPubSubSettings() *RedisPubSubSettings {
	return &RedisPubSubSettings{
		ChannelPrefix:        "pioneer:",
		SubscriberBufferSize: 16,
	}
}

// RedisPubSub is a `PubSub` over redis channels, so publishers and subscribers
// may be on different servers. Payloads are JSON.
type RedisPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *redis.Client
	settings *RedisPubSubSettings
}

func NewRedisPubSubFromUrl(ctx context.Context, redisUrl string, settings *RedisPubSubSettings) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Failed to connect to redis: %w", err)
	}
	return NewRedisPubSub(ctx, client, settings), nil
}

func NewRedisPubSub(ctx context.Context, client *redis.Client, settings *RedisPubSubSettings) *RedisPubSub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RedisPubSub{
		ctx:      cancelCtx,
		cancel:   cancel,
		client:   client,
		settings: settings,
	}
}

func (self *RedisPubSub) channel(topic string) string {
	return self.settings.ChannelPrefix + topic
}

func (self *RedisPubSub) Subscribe(ctx context.Context, topic string) (chan any, error) {
	if self.ctx.Err() != nil {
		return nil, ErrClosed
	}
	ps := self.client.Subscribe(ctx, self.channel(topic))
	// wait for the subscription to be active
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	out := make(chan any, self.settings.SubscriberBufferSize)
	go func() {
		defer close(out)
		defer ps.Close()

		messages := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-self.ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				var payload any
				if err := sonic.UnmarshalString(message.Payload, &payload); err != nil {
					glog.Infof("[ps]%s bad payload = %s\n", message.Channel, err)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-self.ctx.Done():
					return
				case out <- payload:
				}
			}
		}
	}()
	return out, nil
}

func (self *RedisPubSub) Publish(ctx context.Context, topic string, payload any) error {
	if self.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	return self.client.Publish(ctx, self.channel(topic), data).Err()
}

func (self *RedisPubSub) Close() error {
	self.cancel()
	return self.client.Close()
}
