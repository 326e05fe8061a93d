package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/morezero/kiwibus/pkg/bus"
	"github.com/morezero/kiwibus/pkg/token"
)

// fakeTokens is a token.Source with a scripted Refresh.
type fakeTokens struct {
	mu       sync.Mutex
	token    string
	refresh  func() (*token.RefreshResponse, error)
	refreshN int
}

func (f *fakeTokens) Get() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) Set(t string) {
	if t == "" {
		return
	}
	f.mu.Lock()
	f.token = t
	f.mu.Unlock()
}

func (f *fakeTokens) Refresh(context.Context) (*token.RefreshResponse, error) {
	f.mu.Lock()
	f.refreshN++
	fn := f.refresh
	f.mu.Unlock()
	if fn == nil {
		return &token.RefreshResponse{Status: 200}, nil
	}
	return fn()
}

func (f *fakeTokens) refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshN
}

// countingClock counts AfterFunc calls on top of a mock clock.
type countingClock struct {
	*clock.Mock
	mu         sync.Mutex
	afterFuncs int
}

func newCountingClock() *countingClock {
	return &countingClock{Mock: clock.NewMock()}
}

func (c *countingClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	c.mu.Lock()
	c.afterFuncs++
	c.mu.Unlock()
	return c.Mock.AfterFunc(d, f)
}

func (c *countingClock) timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.afterFuncs
}

// replyRecorder collects replies delivered to a ReplyHandler.
type replyRecorder struct {
	mu      sync.Mutex
	replies []*bus.Reply
	ch      chan *bus.Reply
}

func newReplyRecorder() *replyRecorder {
	return &replyRecorder{ch: make(chan *bus.Reply, 16)}
}

func (r *replyRecorder) handle(reply *bus.Reply) {
	r.mu.Lock()
	r.replies = append(r.replies, reply)
	r.mu.Unlock()
	r.ch <- reply
}

func (r *replyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

func (r *replyRecorder) wait(t *testing.T) *bus.Reply {
	t.Helper()
	select {
	case reply := <-r.ch:
		return reply
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher:helpers_test - timeout waiting for reply")
		return nil
	}
}

func replyJSON(code int, result string) json.RawMessage {
	r := bus.Reply{Code: code}
	if result != "" {
		r.Result = json.RawMessage(result)
	}
	data, _ := json.Marshal(r)
	return data
}
