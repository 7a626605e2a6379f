package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/getsidetrack/pioneer/protocol"
)

type testSubscription struct {
	ctx     context.Context
	gql     *protocol.GraphQLRequest
	results chan *protocol.Result
}

// push returns false if the operation was canceled first
func (self *testSubscription) push(result *protocol.Result) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.results <- result:
		return true
	}
}

type testEngine struct {
	subscriptions chan *testSubscription
	subscribeErr  error
	execute       func(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error)
}

func newTestEngine() *testEngine {
	return &testEngine{
		subscriptions: make(chan *testSubscription, 64),
		execute: func(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error) {
			return &protocol.Result{
				Data: map[string]any{"query": gql.Query},
			}, nil
		},
	}
}

func (self *testEngine) Execute(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error) {
	return self.execute(ctx, gql)
}

func (self *testEngine) Subscribe(ctx context.Context, gql *protocol.GraphQLRequest) (<-chan *protocol.Result, error) {
	if self.subscribeErr != nil {
		return nil, self.subscribeErr
	}
	subscription := &testSubscription{
		ctx:     ctx,
		gql:     gql,
		results: make(chan *protocol.Result),
	}
	self.subscriptions <- subscription
	return subscription.results, nil
}

func (self *testEngine) nextSubscription(t *testing.T) *testSubscription {
	t.Helper()
	select {
	case subscription := <-self.subscriptions:
		return subscription
	case <-time.After(testTimeout):
		t.Fatal("Timeout waiting for subscription.")
		return nil
	}
}

type probeTest struct {
	ctx       context.Context
	engine    *testEngine
	probe     *Probe
	transport *testTransport
	process   *Process
}

func newProbeTest(t *testing.T, ctx context.Context, subProtocol *protocol.SubProtocol) *probeTest {
	engine := newTestEngine()
	probe := NewProbeWithDefaults(ctx, engine)
	transport := newTestTransport()
	process := NewProcess(ctx, NewId(), transport, subProtocol)
	probe.Connect(process)
	assert.Equal(t, probe.IsConnected(process.Id()), true)
	return &probeTest{
		ctx:       ctx,
		engine:    engine,
		probe:     probe,
		transport: transport,
		process:   process,
	}
}

func subscriptionRequest() *protocol.GraphQLRequest {
	return protocol.NewGraphQLRequest("subscription { onMessage { id content } }", nil, "")
}

func TestProbeStartStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.GraphQLWs)
	pid := test.process.Id()

	test.probe.Start(test.process.Context(), pid, "1", subscriptionRequest())
	subscription := test.engine.nextSubscription(t)
	assert.Equal(t, test.probe.Operations(pid), []string{"1"})

	assert.Equal(t, subscription.push(&protocol.Result{Data: map[string]any{"n": 1}}), true)
	assert.Equal(t, subscription.push(&protocol.Result{Data: map[string]any{"n": 2}}), true)

	for _, n := range []float64{1, 2} {
		envelope := test.transport.nextEnvelope(t)
		assert.Equal(t, envelope.Type, "next")
		assert.Equal(t, envelope.Id, "1")
		assert.Equal(t, resultPayload(t, envelope)["data"], map[string]any{"n": n})
	}
	// no complete until the source ends
	test.transport.noFrame(t, 50*time.Millisecond)

	close(subscription.results)
	envelope := test.transport.nextEnvelope(t)
	assert.Equal(t, envelope.Type, "complete")
	assert.Equal(t, envelope.Id, "1")
	assert.Equal(t, test.probe.Operations(pid), []string{})
	waitDone(t, subscription.ctx.Done())

	// stop after complete is a no-op
	test.probe.Stop(pid, "1")
	assert.Equal(t, test.probe.Operations(pid), []string{})
	test.transport.noFrame(t, 50*time.Millisecond)
}

func TestProbeStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.SubscriptionsTransportWs)
	pid := test.process.Id()

	test.probe.Start(test.process.Context(), pid, "1", subscriptionRequest())
	subscription := test.engine.nextSubscription(t)
	test.probe.Stop(pid, "1")
	assert.Equal(t, test.probe.Operations(pid), []string{})
	waitDone(t, subscription.ctx.Done())

	subscription.push(&protocol.Result{Data: map[string]any{"n": 1}})
	test.transport.noFrame(t, 50*time.Millisecond)

	// the id may be reused after stop
	test.probe.Start(test.process.Context(), pid, "1", subscriptionRequest())
	subscription = test.engine.nextSubscription(t)
	assert.Equal(t, subscription.push(&protocol.Result{Data: map[string]any{"n": 2}}), true)
	envelope := test.transport.nextEnvelope(t)
	assert.Equal(t, envelope.Type, "data")
	assert.Equal(t, envelope.Id, "1")
}

func TestProbeDuplicateOperation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.GraphQLWs)
	pid := test.process.Id()

	test.probe.Start(test.process.Context(), pid, "1", subscriptionRequest())
	subscription := test.engine.nextSubscription(t)

	test.probe.Start(test.process.Context(), pid, "1", subscriptionRequest())
	envelope := test.transport.nextEnvelope(t)
	assert.Equal(t, envelope.Type, "error")
	assert.Equal(t, envelope.Id, "1")
	errs := errorsPayload(t, envelope)
	assert.Equal(t, errs[0].Message, "Subscriber for 1 already exists")

	test.probe.Once(test.process.Context(), pid, "1", protocol.NewGraphQLRequest("{ hello }", nil, ""))
	envelope = test.transport.nextEnvelope(t)
	assert.Equal(t, envelope.Type, "error")

	// the running operation is untouched
	assert.Equal(t, test.probe.Operations(pid), []string{"1"})
	assert.Equal(t, subscription.push(&protocol.Result{Data: map[string]any{"n": 1}}), true)
	envelope = test.transport.nextEnvelope(t)
	assert.Equal(t, envelope.Type, "next")
}

func TestProbeOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.GraphQLWs)
	pid := test.process.Id()

	test.probe.Once(test.process.Context(), pid, "2", protocol.NewGraphQLRequest("{ hello }", nil, ""))
	envelope := test.transport.nextEnvelope(t)
	assert.Equal(t, envelope.Type, "next")
	assert.Equal(t, envelope.Id, "2")
	assert.Equal(t, resultPayload(t, envelope)["data"], map[string]any{"query": "{ hello }"})
	envelope = test.transport.nextEnvelope(t)
	assert.Equal(t, envelope.Type, "complete")
	assert.Equal(t, envelope.Id, "2")
	test.transport.noFrame(t, 50*time.Millisecond)
	assert.Equal(t, test.probe.Operations(pid), []string{})
}

func TestProbeOnceFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.GraphQLWs)
	pid := test.process.Id()

	executes := []func(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error){
		func(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error) {
			return nil, errors.New("resolver failed")
		},
		func(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error) {
			panic(errors.New("resolver failed"))
		},
		func(ctx context.Context, gql *protocol.GraphQLRequest) (*protocol.Result, error) {
			return nil, nil
		},
	}
	for i, execute := range executes {
		test.engine.execute = execute
		oid := fmt.Sprintf("%d", i)

		test.probe.Once(test.process.Context(), pid, oid, protocol.NewGraphQLRequest("{ hello }", nil, ""))
		envelope := test.transport.nextEnvelope(t)
		assert.Equal(t, envelope.Type, "next")
		assert.Equal(t, envelope.Id, oid)
		result := resultPayload(t, envelope)
		assert.Equal(t, result["data"], nil)
		assert.Equal(t, len(result["errors"].([]any)), 1)

		envelope = test.transport.nextEnvelope(t)
		assert.Equal(t, envelope.Type, "complete")
		assert.Equal(t, envelope.Id, oid)
	}
	test.transport.noFrame(t, 50*time.Millisecond)
}

func TestProbeSubscribeFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.GraphQLWs)
	test.engine.subscribeErr = errors.New("no such field")

	test.probe.Start(test.process.Context(), test.process.Id(), "1", subscriptionRequest())
	envelope := test.transport.nextEnvelope(t)
	assert.Equal(t, envelope.Type, "next")
	result := resultPayload(t, envelope)
	assert.Equal(t, len(result["errors"].([]any)), 1)
	envelope = test.transport.nextEnvelope(t)
	assert.Equal(t, envelope.Type, "complete")
}

func TestProbeDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.GraphQLWs)
	pid := test.process.Id()

	test.probe.Start(test.process.Context(), pid, "1", subscriptionRequest())
	test.probe.Disconnect(pid)
	subscription := test.engine.nextSubscription(t)
	waitDone(t, subscription.ctx.Done())

	assert.Equal(t, test.probe.IsConnected(pid), false)
	assert.Equal(t, test.probe.Operations(pid), []string{})
	subscription.push(&protocol.Result{Data: map[string]any{"n": 1}})
	test.transport.noFrame(t, 50*time.Millisecond)

	// idempotent
	test.probe.Disconnect(pid)
	assert.Equal(t, test.probe.IsConnected(pid), false)
}

func TestProbeUnknownConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.GraphQLWs)
	pid := NewId()

	test.probe.Start(test.process.Context(), pid, "1", subscriptionRequest())
	test.probe.Once(test.process.Context(), pid, "2", protocol.NewGraphQLRequest("{ hello }", nil, ""))
	test.probe.Stop(pid, "1")
	assert.Equal(t, test.probe.Operations(pid), []string{})
	assert.Equal(t, len(test.engine.subscriptions), 0)
	test.transport.noFrame(t, 50*time.Millisecond)

	// a duplicate connect leaves the registry unchanged
	test.probe.Connect(test.process)
	assert.Equal(t, test.probe.IsConnected(test.process.Id()), true)
}

func TestProbeOperationOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.GraphQLWs)
	pid := test.process.Id()

	operationCount := 8
	resultCount := 64

	subscriptions := []*testSubscription{}
	for i := range operationCount {
		test.probe.Start(test.process.Context(), pid, fmt.Sprintf("%d", i), subscriptionRequest())
		subscriptions = append(subscriptions, test.engine.nextSubscription(t))
	}

	var wg sync.WaitGroup
	for _, subscription := range subscriptions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range resultCount {
				subscription.push(&protocol.Result{Data: map[string]any{"n": n}})
			}
			close(subscription.results)
		}()
	}
	wg.Wait()

	nextN := map[string]int{}
	completed := map[string]bool{}
	for range operationCount * (resultCount + 1) {
		envelope := test.transport.nextEnvelope(t)
		assert.Equal(t, completed[envelope.Id], false)
		switch envelope.Type {
		case "next":
			result := resultPayload(t, envelope)
			n := int(result["data"].(map[string]any)["n"].(float64))
			assert.Equal(t, n, nextN[envelope.Id])
			nextN[envelope.Id] = n + 1
		case "complete":
			assert.Equal(t, nextN[envelope.Id], resultCount)
			completed[envelope.Id] = true
		default:
			t.Fatalf("Unexpected message %s", envelope.Type)
		}
	}
	assert.Equal(t, len(completed), operationCount)
	assert.Equal(t, test.probe.Operations(pid), []string{})
}

func TestProbeClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	test := newProbeTest(t, ctx, protocol.GraphQLWs)
	test.probe.Start(test.process.Context(), test.process.Id(), "1", subscriptionRequest())
	subscription := test.engine.nextSubscription(t)

	test.probe.Close()
	waitDone(t, test.probe.Done())
	waitDone(t, subscription.ctx.Done())
	assert.Equal(t, test.probe.IsConnected(test.process.Id()), false)
}
