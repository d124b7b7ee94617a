// Package instancechange serializes desired-instance-count reconciliation.
// Scale-up and scale-down requests race with the provisioning loop's own
// starts and completions if applied directly; routing them through one
// worker goroutine means each request sees a consistent running count
// before it decides how many instances to add or remove.
package instancechange

import (
	"context"

	"go.uber.org/zap"

	"weave/internal/common"
)

// ContainerRegistry is the slice of registry.Registry this package needs.
type ContainerRegistry interface {
	WaitForCount(ctx context.Context, runnableName string, count int) error
	RemoveLast(ctx context.Context, runnableName string) error
	SendToRunnable(runnableName string, msg []byte, onComplete func())
}

// DesiredSetter is the slice of provisioning.Loop this package needs.
type DesiredSetter interface {
	SetDesired(runnableName string, count int)
	EnqueueBatch(runnableNames ...string)
}

// Request is one desired-count change, with the message that triggered it
// (rebroadcast once reconciliation finishes) and a completion callback.
type Request struct {
	RunnableName string
	OldCount     int
	NewCount     int
	OriginalMsg  []byte
	OnComplete   func()
}

// Worker runs every Request through a single goroutine, in submission
// order. Run exits (discarding anything still queued, but still invoking
// every discarded request's OnComplete) when ctx is cancelled.
type Worker struct {
	registry ContainerRegistry
	desired  DesiredSetter
	logger   *zap.Logger

	requests chan Request
}

func New(registry ContainerRegistry, desired DesiredSetter) *Worker {
	return &Worker{
		registry: registry,
		desired:  desired,
		logger:   common.ComponentLogger("instancechange"),
		requests: make(chan Request, 64),
	}
}

// Submit enqueues req on a 64-slot buffered channel, so message-dispatch
// callers do not wait for a slow reconciliation. Once 64 requests are
// queued, Submit blocks until Run takes one off the channel.
func (w *Worker) Submit(req Request) {
	w.requests <- req
}

// Run processes requests until ctx is cancelled. Requests still in the
// channel when ctx is cancelled are discarded without reconciliation, but
// each one's OnComplete still fires so callers waiting on it unblock.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case req := <-w.requests:
			if ctx.Err() != nil {
				w.discard(req)
				w.drain()
				return
			}
			w.process(ctx, req)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case req := <-w.requests:
			w.discard(req)
		default:
			return
		}
	}
}

func (w *Worker) discard(req Request) {
	w.logger.Info("discarding instance-change request on shutdown",
		zap.String("runnable", req.RunnableName))
	if req.OnComplete != nil {
		req.OnComplete()
	}
}

func (w *Worker) process(ctx context.Context, req Request) {
	if err := w.registry.WaitForCount(ctx, req.RunnableName, req.OldCount); err != nil {
		w.logger.Warn("instance-change request interrupted waiting for stable count",
			zap.String("runnable", req.RunnableName), zap.Error(err))
		if req.OnComplete != nil {
			req.OnComplete()
		}
		return
	}

	w.desired.SetDesired(req.RunnableName, req.NewCount)

	switch {
	case req.NewCount < req.OldCount:
		for i := 0; i < req.OldCount-req.NewCount; i++ {
			if err := w.registry.RemoveLast(ctx, req.RunnableName); err != nil {
				w.logger.Warn("removeLast failed during scale down",
					zap.String("runnable", req.RunnableName), zap.Error(err))
			}
		}
	case req.NewCount > req.OldCount:
		w.desired.EnqueueBatch(req.RunnableName)
	}

	w.logger.Info("reconciled instance count",
		zap.String("runnable", req.RunnableName),
		zap.Int("old", req.OldCount), zap.Int("new", req.NewCount))

	w.registry.SendToRunnable(req.RunnableName, req.OriginalMsg, func() {
		if req.OnComplete != nil {
			req.OnComplete()
		}
	})
}
