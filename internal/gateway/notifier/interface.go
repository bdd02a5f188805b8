package notifier

import (
	"context"
	"sync"
)

// TextNotifier 是运维通知的最小接口，调用方不依赖具体渠道。
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

// Noop drops every message; used when no channel is configured.
type Noop struct{}

func (Noop) SendText(context.Context, string) error { return nil }

// Recorder keeps messages in memory for tests and the status API.
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	r.messages = append(r.messages, text)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	copy(out, r.messages)
	return out
}
