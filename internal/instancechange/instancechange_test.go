package instancechange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu         sync.Mutex
	count      int
	removeLast int
	sentMsg    []byte
	waitedFor  int
}

func (f *fakeRegistry) WaitForCount(ctx context.Context, runnableName string, count int) error {
	f.mu.Lock()
	f.waitedFor = count
	f.mu.Unlock()
	return nil
}

func (f *fakeRegistry) RemoveLast(ctx context.Context, runnableName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLast++
	f.count--
	return nil
}

func (f *fakeRegistry) SendToRunnable(runnableName string, msg []byte, onComplete func()) {
	f.mu.Lock()
	f.sentMsg = msg
	f.mu.Unlock()
	onComplete()
}

type fakeDesired struct {
	mu       sync.Mutex
	desired  map[string]int
	enqueued []string
}

func newFakeDesired() *fakeDesired {
	return &fakeDesired{desired: map[string]int{}}
}

func (f *fakeDesired) SetDesired(runnableName string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desired[runnableName] = count
}

func (f *fakeDesired) EnqueueBatch(runnableNames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, runnableNames...)
}

func TestWorkerScalesDownByRemovingHighestInstances(t *testing.T) {
	reg := &fakeRegistry{count: 3}
	des := newFakeDesired()
	w := New(reg, des)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	done := make(chan struct{})
	w.Submit(Request{
		RunnableName: "echo",
		OldCount:     3,
		NewCount:     1,
		OriginalMsg:  []byte("scale"),
		OnComplete:   func() { close(done) },
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, 2, reg.removeLast)
	assert.Equal(t, []byte("scale"), reg.sentMsg)
	des.mu.Lock()
	defer des.mu.Unlock()
	assert.Equal(t, 1, des.desired["echo"])
	assert.Empty(t, des.enqueued)
}

func TestWorkerScalesUpByEnqueuingBatch(t *testing.T) {
	reg := &fakeRegistry{count: 1}
	des := newFakeDesired()
	w := New(reg, des)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	done := make(chan struct{})
	w.Submit(Request{
		RunnableName: "echo",
		OldCount:     1,
		NewCount:     3,
		OnComplete:   func() { close(done) },
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}

	des.mu.Lock()
	defer des.mu.Unlock()
	assert.Equal(t, 3, des.desired["echo"])
	assert.Equal(t, []string{"echo"}, des.enqueued)
	assert.Equal(t, 0, reg.removeLast)
}

func TestWorkerDiscardsPendingWorkOnShutdownButStillCompletes(t *testing.T) {
	reg := &fakeRegistry{count: 1}
	des := newFakeDesired()
	w := New(reg, des)

	ctx, cancel := context.WithCancel(context.Background())

	var completed int
	var mu sync.Mutex
	onComplete := func() {
		mu.Lock()
		completed++
		mu.Unlock()
	}

	// Fill the buffered channel directly, without a running worker, then
	// cancel before Run ever starts processing.
	for i := 0; i < 5; i++ {
		w.Submit(Request{RunnableName: "echo", OldCount: 1, NewCount: 2, OnComplete: onComplete})
	}
	cancel()
	w.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 5, completed)
}

func TestWorkerProcessesRequestsInSubmissionOrder(t *testing.T) {
	reg := &fakeRegistry{count: 1}
	des := newFakeDesired()
	w := New(reg, des)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	var order []string
	var mu sync.Mutex
	complete := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	done := make(chan struct{})
	w.Submit(Request{RunnableName: "a", OldCount: 1, NewCount: 2, OnComplete: complete("a")})
	w.Submit(Request{RunnableName: "b", OldCount: 1, NewCount: 2, OnComplete: func() {
		complete("b")()
		close(done)
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("requests never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, order)
}
