package pubsub

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const testTimeout = 5 * time.Second

func receive(t *testing.T, out chan any) (any, bool) {
	t.Helper()
	select {
	case payload, ok := <-out:
		return payload, ok
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for payload.")
		return nil, false
	}
}

// common behavior of every implementation
func testPubSub(t *testing.T, ps PubSub) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := fmt.Sprintf("test-%d", time.Now().UnixNano())

	aCtx, aCancel := context.WithCancel(ctx)
	a, err := ps.Subscribe(aCtx, topic)
	assert.Equal(t, err, nil)
	b, err := ps.Subscribe(ctx, topic)
	assert.Equal(t, err, nil)
	other, err := ps.Subscribe(ctx, topic+"-other")
	assert.Equal(t, err, nil)

	for i := range 3 {
		err := ps.Publish(ctx, topic, map[string]any{"content": fmt.Sprintf("m%d", i)})
		assert.Equal(t, err, nil)
	}
	for _, out := range []chan any{a, b} {
		for i := range 3 {
			payload, ok := receive(t, out)
			assert.Equal(t, ok, true)
			assert.Equal(t, payload.(map[string]any)["content"], fmt.Sprintf("m%d", i))
		}
	}

	select {
	case payload := <-other:
		t.Fatalf("Unexpected payload %v", payload)
	case <-time.After(50 * time.Millisecond):
	}

	// the channel closes when the subscriber ends
	aCancel()
	for {
		if _, ok := receive(t, a); !ok {
			break
		}
	}

	err = ps.Publish(ctx, topic, map[string]any{"content": "last"})
	assert.Equal(t, err, nil)
	payload, ok := receive(t, b)
	assert.Equal(t, ok, true)
	assert.Equal(t, payload.(map[string]any)["content"], "last")

	err = ps.Close()
	assert.Equal(t, err, nil)
	for {
		if _, ok := receive(t, b); !ok {
			break
		}
	}
	_, err = ps.Subscribe(ctx, topic)
	assert.Equal(t, err, ErrClosed)
	err = ps.Publish(ctx, topic, nil)
	assert.Equal(t, err, ErrClosed)
}

func TestMemoryPubSub(t *testing.T) {
	testPubSub(t, NewMemoryPubSubWithDefaults(context.Background()))
}

func TestMemoryPubSubManySubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps := NewMemoryPubSubWithDefaults(ctx)
	defer ps.Close()

	n := 32
	outs := []chan any{}
	cancels := []context.CancelFunc{}
	for range n {
		subscriberCtx, subscriberCancel := context.WithCancel(ctx)
		out, err := ps.Subscribe(subscriberCtx, "messages")
		assert.Equal(t, err, nil)
		outs = append(outs, out)
		cancels = append(cancels, subscriberCancel)
	}

	// ending every other subscriber leaves the rest subscribed
	for i := 0; i < n; i += 2 {
		cancels[i]()
	}
	for i := 0; i < n; i += 2 {
		for {
			if _, ok := receive(t, outs[i]); !ok {
				break
			}
		}
	}

	err := ps.Publish(ctx, "messages", "hello")
	assert.Equal(t, err, nil)
	for i := 1; i < n; i += 2 {
		payload, ok := receive(t, outs[i])
		assert.Equal(t, ok, true)
		assert.Equal(t, payload, "hello")
	}
}

func TestRedisPubSub(t *testing.T) {
	redisUrl := os.Getenv("REDIS_URL")
	if redisUrl == "" {
		t.Skip("REDIS_URL not set")
	}
	ps, err := NewRedisPubSubFromUrl(context.Background(), redisUrl, DefaultRedisPubSubSettings())
	assert.Equal(t, err, nil)
	testPubSub(t, ps)
}
