package connect

import (
	"context"
	"fmt"
	"slices"

	"github.com/golang/glog"

	"github.com/getsidetrack/pioneer/protocol"
)

type ProbeSettings struct {
	CommandBufferSize int
}

func DefaultProbeSettings() *ProbeSettings {
	return &ProbeSettings{
		CommandBufferSize: 64,
	}
}

type operationKind string

const (
	operationKindStart operationKind = "start"
	operationKindOnce  operationKind = "once"
)

// one running start or once for a connection
type operation struct {
	ctx    context.Context
	cancel context.CancelFunc

	kind    operationKind
	process *Process
	oid     string
}

func (self *operation) String() string {
	return fmt.Sprintf("%s/%s(%s)", self.process.Id(), self.oid, self.kind)
}

type connectCommand struct {
	process *Process
}

type disconnectCommand struct {
	pid Id
}

type startCommand struct {
	ctx  context.Context
	kind operationKind
	pid  Id
	oid  string
	gql  *protocol.GraphQLRequest
}

type stopCommand struct {
	pid Id
	oid string
}

// messages produced by a running operation.
// `finish` sends complete and removes the operation after the messages.
type outgoingCommand struct {
	op       *operation
	messages [][]byte
	finish   bool
}

type syncCommand struct {
	fn   func()
	done chan struct{}
}

// Probe is the registry of connections and their running operations.
// A single goroutine owns all registry state and applies commands in arrival order.
// Operation output flows back through the same goroutine and is dropped
// once the operation is no longer registered, so nothing is sent for an
// operation after it was stopped, completed, or its connection disconnected.
type Probe struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine   Engine
	settings *ProbeSettings

	commands chan any
	done     chan struct{}

	// owned by the run goroutine
	clients    map[Id]*Process
	operations map[Id]map[string]*operation
}

func NewProbeWithDefaults(ctx context.Context, engine Engine) *Probe {
	return NewProbe(ctx, engine, DefaultProbeSettings())
}

func NewProbe(ctx context.Context, engine Engine, settings *ProbeSettings) *Probe {
	cancelCtx, cancel := context.WithCancel(ctx)
	probe := &Probe{
		ctx:        cancelCtx,
		cancel:     cancel,
		engine:     engine,
		settings:   settings,
		commands:   make(chan any, settings.CommandBufferSize),
		done:       make(chan struct{}),
		clients:    map[Id]*Process{},
		operations: map[Id]map[string]*operation{},
	}
	go HandleError(probe.run)
	return probe
}

func (self *Probe) post(ctx context.Context, command any) bool {
	select {
	case <-self.ctx.Done():
		return false
	case <-ctx.Done():
		return false
	case self.commands <- command:
		return true
	}
}

func (self *Probe) Connect(process *Process) {
	self.post(self.ctx, &connectCommand{process: process})
}

func (self *Probe) Disconnect(pid Id) {
	self.post(self.ctx, &disconnectCommand{pid: pid})
}

// Start runs a streaming operation. `ctx` is the execution context for the operation,
// which must derive from the connection context.
func (self *Probe) Start(ctx context.Context, pid Id, oid string, gql *protocol.GraphQLRequest) {
	self.post(self.ctx, &startCommand{
		ctx:  ctx,
		kind: operationKindStart,
		pid:  pid,
		oid:  oid,
		gql:  gql,
	})
}

// Once runs a single-result operation. See `Start`.
func (self *Probe) Once(ctx context.Context, pid Id, oid string, gql *protocol.GraphQLRequest) {
	self.post(self.ctx, &startCommand{
		ctx:  ctx,
		kind: operationKindOnce,
		pid:  pid,
		oid:  oid,
		gql:  gql,
	})
}

func (self *Probe) Stop(pid Id, oid string) {
	self.post(self.ctx, &stopCommand{pid: pid, oid: oid})
}

// runs `fn` on the probe goroutine and waits for it
func (self *Probe) sync(fn func()) bool {
	done := make(chan struct{})
	if !self.post(self.ctx, &syncCommand{fn: fn, done: done}) {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case <-done:
		return true
	}
}

func (self *Probe) IsConnected(pid Id) bool {
	connected := false
	self.sync(func() {
		_, connected = self.clients[pid]
	})
	return connected
}

// Operations lists the active operation ids of a connection, sorted.
func (self *Probe) Operations(pid Id) []string {
	oids := []string{}
	self.sync(func() {
		for oid := range self.operations[pid] {
			oids = append(oids, oid)
		}
	})
	slices.Sort(oids)
	return oids
}

func (self *Probe) Close() {
	self.cancel()
}

// Done is closed after the probe has stopped and canceled all operations.
func (self *Probe) Done() <-chan struct{} {
	return self.done
}

func (self *Probe) run() {
	defer func() {
		self.cancel()
		for pid, ops := range self.operations {
			for _, op := range ops {
				op.cancel()
				operationsActive.Dec()
			}
			delete(self.operations, pid)
		}
		for pid := range self.clients {
			delete(self.clients, pid)
			connectionsActive.Dec()
		}
		close(self.done)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case command := <-self.commands:
			HandleError(func() {
				self.handle(command)
			})
		}
	}
}

func (self *Probe) handle(command any) {
	switch v := command.(type) {
	case *connectCommand:
		self.connect(v)
	case *disconnectCommand:
		self.disconnect(v)
	case *startCommand:
		self.start(v)
	case *stopCommand:
		self.stop(v)
	case *outgoingCommand:
		self.outgoing(v)
	case *syncCommand:
		HandleError(v.fn)
		close(v.done)
	default:
		glog.Errorf("[p]unknown command %T\n", command)
	}
}

func (self *Probe) connect(command *connectCommand) {
	pid := command.process.Id()
	if _, ok := self.clients[pid]; ok {
		glog.Errorf("[p]%s already connected\n", pid)
		return
	}
	self.clients[pid] = command.process
	connectionsActive.Inc()
	glog.V(1).Infof("[p]%s connected\n", pid)
}

func (self *Probe) disconnect(command *disconnectCommand) {
	if ops, ok := self.operations[command.pid]; ok {
		for _, op := range ops {
			op.cancel()
			operationsActive.Dec()
		}
		delete(self.operations, command.pid)
	}
	if _, ok := self.clients[command.pid]; ok {
		delete(self.clients, command.pid)
		connectionsActive.Dec()
		glog.V(1).Infof("[p]%s disconnected\n", command.pid)
	}
}

func (self *Probe) start(command *startCommand) {
	process, ok := self.clients[command.pid]
	if !ok {
		glog.Errorf("[p]%s %s for unknown connection %s\n", command.kind, command.oid, command.pid)
		return
	}

	ops, ok := self.operations[command.pid]
	if !ok {
		ops = map[string]*operation{}
		self.operations[command.pid] = ops
	}
	if _, ok := ops[command.oid]; ok {
		glog.V(1).Infof("[p]%s duplicate operation %s\n", command.pid, command.oid)
		process.Send(process.SubProtocol().ErrorMessage(
			command.oid,
			protocol.NewGraphQLError("Subscriber for %s already exists", command.oid),
		))
		return
	}

	opCtx, opCancel := context.WithCancel(command.ctx)
	op := &operation{
		ctx:     opCtx,
		cancel:  opCancel,
		kind:    command.kind,
		process: process,
		oid:     command.oid,
	}
	ops[command.oid] = op
	operationsActive.Inc()
	operationsTotal.WithLabelValues(string(command.kind)).Inc()
	glog.V(1).Infof("[p]%s start\n", op)

	switch command.kind {
	case operationKindStart:
		go self.runSubscription(op, command.gql)
	default:
		go self.runOnce(op, command.gql)
	}
}

func (self *Probe) stop(command *stopCommand) {
	ops, ok := self.operations[command.pid]
	if !ok {
		return
	}
	op, ok := ops[command.oid]
	if !ok {
		return
	}
	self.remove(op)
	glog.V(1).Infof("[p]%s stop\n", op)
}

// must be called on the probe goroutine
func (self *Probe) remove(op *operation) {
	op.cancel()
	ops := self.operations[op.process.Id()]
	if ops[op.oid] != op {
		return
	}
	delete(ops, op.oid)
	if len(ops) == 0 {
		delete(self.operations, op.process.Id())
	}
	operationsActive.Dec()
}

func (self *Probe) outgoing(command *outgoingCommand) {
	op := command.op
	if self.operations[op.process.Id()][op.oid] != op {
		// stopped, completed, or disconnected
		glog.V(2).Infof("[p]%s drop %d messages\n", op, len(command.messages))
		return
	}
	for _, message := range command.messages {
		op.process.Send(message)
	}
	if command.finish {
		op.process.Send(op.process.SubProtocol().CompleteMessage(op.oid))
		self.remove(op)
		glog.V(1).Infof("[p]%s complete\n", op)
	}
}

func (self *Probe) next(op *operation, result *protocol.Result) []byte {
	return op.process.SubProtocol().NextMessage(op.oid, result)
}

func (self *Probe) finishWithError(op *operation) func(error) {
	return func(err error) {
		self.post(op.ctx, &outgoingCommand{
			op:       op,
			messages: [][]byte{self.next(op, protocol.ErrorResult(err))},
			finish:   true,
		})
	}
}

func (self *Probe) runSubscription(op *operation, gql *protocol.GraphQLRequest) {
	HandleError(func() {
		results, err := self.engine.Subscribe(op.ctx, gql)
		if err != nil {
			glog.V(1).Infof("[p]%s subscribe error = %s\n", op, err)
			self.finishWithError(op)(err)
			return
		}
		for {
			select {
			case <-op.ctx.Done():
				return
			case result, ok := <-results:
				if !ok {
					self.post(op.ctx, &outgoingCommand{
						op:     op,
						finish: true,
					})
					return
				}
				if result == nil {
					continue
				}
				if !self.post(op.ctx, &outgoingCommand{
					op:       op,
					messages: [][]byte{self.next(op, result)},
				}) {
					return
				}
			}
		}
	}, self.finishWithError(op))
}

func (self *Probe) runOnce(op *operation, gql *protocol.GraphQLRequest) {
	HandleError(func() {
		result, err := self.engine.Execute(op.ctx, gql)
		if err != nil {
			result = protocol.ErrorResult(err)
		} else if result == nil {
			result = protocol.ErrorResult(fmt.Errorf("No result for operation %s", op.oid))
		}
		self.post(op.ctx, &outgoingCommand{
			op:       op,
			messages: [][]byte{self.next(op, result)},
			finish:   true,
		})
	}, self.finishWithError(op))
}
