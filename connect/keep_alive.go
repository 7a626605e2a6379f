package connect

import (
	"context"
	"time"

	"github.com/golang/glog"
)

const DefaultKeepAliveInterval = 12500 * time.Millisecond

// KeepAlive periodically sends a fixed message to a process until canceled or the process closes.
type KeepAlive struct {
	ctx    context.Context
	cancel context.CancelFunc

	process  *Process
	interval time.Duration
	message  []byte
}

// NewKeepAlive returns nil when `interval` is not positive. A nil keep-alive is safe to cancel.
func NewKeepAlive(ctx context.Context, process *Process, interval time.Duration, message []byte) *KeepAlive {
	if interval <= 0 {
		return nil
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	keepAlive := &KeepAlive{
		ctx:      cancelCtx,
		cancel:   cancel,
		process:  process,
		interval: interval,
		message:  message,
	}
	go HandleError(keepAlive.run)
	return keepAlive
}

func (self *KeepAlive) run() {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.process.Done():
			return
		case <-time.After(self.interval):
		}
		if self.process.IsClosed() {
			return
		}
		if !self.process.Send(self.message) {
			return
		}
		glog.V(2).Infof("[ka]%s\n", self.process.Id())
	}
}

func (self *KeepAlive) Cancel() {
	if self == nil {
		return
	}
	self.cancel()
}
