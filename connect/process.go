package connect

import (
	"context"
	"sync"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/getsidetrack/pioneer/protocol"
)

type closeFrame struct {
	code   int
	reason string
}

// Process is the server side of one client connection.
// Sends are queued and written in order by a single writer goroutine,
// so any goroutine may `Send` without blocking on the network.
// A close is queued behind pending sends and then ends the writer.
type Process struct {
	ctx    context.Context
	cancel context.CancelFunc

	id          Id
	transport   Transport
	subProtocol *protocol.SubProtocol

	stateLock sync.Mutex
	// items are `[]byte` or `*closeFrame`
	outbound *queue.Queue
	closing  bool
	notify   chan struct{}

	done chan struct{}
}

func NewProcess(
	ctx context.Context,
	id Id,
	transport Transport,
	subProtocol *protocol.SubProtocol,
) *Process {
	cancelCtx, cancel := context.WithCancel(ctx)
	process := &Process{
		ctx:         cancelCtx,
		cancel:      cancel,
		id:          id,
		transport:   transport,
		subProtocol: subProtocol,
		outbound:    queue.New(),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go HandleError(process.run)
	return process
}

func (self *Process) Id() Id {
	return self.id
}

func (self *Process) SubProtocol() *protocol.SubProtocol {
	return self.subProtocol
}

// Context is canceled when the process ends. Operations of this process run under it.
func (self *Process) Context() context.Context {
	return self.ctx
}

// Send queues a text message. Returns false if the process is closing or closed.
func (self *Process) Send(message []byte) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closing || self.ctx.Err() != nil {
		return false
	}
	self.outbound.Add(message)
	self.signal()
	return true
}

// Close queues a close frame after all pending messages. Only the first close takes effect.
func (self *Process) Close(code int, reason string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closing {
		return
	}
	self.closing = true
	self.outbound.Add(&closeFrame{
		code:   code,
		reason: reason,
	})
	self.signal()
}

func (self *Process) IsClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closing || self.ctx.Err() != nil
}

// Cancel ends the process immediately, dropping any pending messages.
func (self *Process) Cancel() {
	self.cancel()
}

// Done is closed when the writer has exited.
func (self *Process) Done() <-chan struct{} {
	return self.done
}

// must be called with `stateLock`
func (self *Process) signal() {
	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *Process) next() (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.outbound.Length() == 0 {
		return nil, false
	}
	return self.outbound.Remove(), true
}

func (self *Process) run() {
	defer func() {
		self.cancel()
		self.stateLock.Lock()
		self.closing = true
		self.stateLock.Unlock()
		close(self.done)
	}()

	for {
		for {
			item, ok := self.next()
			if !ok {
				break
			}
			if self.ctx.Err() != nil {
				return
			}
			switch v := item.(type) {
			case []byte:
				if err := self.transport.WriteText(v); err != nil {
					glog.V(1).Infof("[p]%s write error = %s\n", self.id, err)
					self.transport.Close(websocket.CloseGoingAway, "")
					return
				}
			case *closeFrame:
				glog.V(1).Infof("[p]%s close %d %s\n", self.id, v.code, v.reason)
				recordClose(v.code)
				if err := self.transport.Close(v.code, v.reason); err != nil {
					glog.V(2).Infof("[p]%s close error = %s\n", self.id, err)
				}
				return
			}
		}
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}
	}
}
