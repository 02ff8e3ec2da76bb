package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

const (
	// Outbound sends per conversation: one per second sustained, small burst.
	perChatRate  = rate.Limit(1)
	perChatBurst = 5

	// maxTrackedChats caps the limiter map so rotating targets cannot grow
	// it without bound.
	maxTrackedChats = 4096
)

// Manager owns the registered channels and routes outbound messages to them,
// applying a per-conversation rate limit. Its Send signature is the contract
// the message tool and the cron executor deliver through.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel

	lmu      sync.Mutex
	limiters map[string]*rate.Limiter // "<channel>:<target>"
}

func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register adds a channel. Re-registering a name replaces the binding.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every registered channel. A channel that fails to start is
// logged and skipped; the rest still come up.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			continue
		}
		slog.Info("channel started", "channel", name)
	}
}

// StopAll stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
}

// Status reports the running state of every channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}

// Send delivers one outbound message, waiting on the conversation's rate
// limiter first. Unknown channels are an error; internal channels without a
// registered binding are dropped silently (their traffic is in-process).
func (m *Manager) Send(ctx context.Context, channel, target, text, replyTo string) error {
	m.mu.RLock()
	ch, ok := m.channels[channel]
	m.mu.RUnlock()
	if !ok {
		if IsInternal(channel) {
			slog.Debug("dropping send to unbound internal channel", "channel", channel)
			return nil
		}
		return fmt.Errorf("unknown channel %q", channel)
	}

	if err := m.limiter(channel + ":" + target).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if err := ch.Send(ctx, Message{Channel: channel, Target: target, Text: text, ReplyTo: replyTo}); err != nil {
		return fmt.Errorf("send via %s: %w", channel, err)
	}
	return nil
}

// limiter returns the per-conversation limiter, evicting arbitrary entries
// once the map hits its cap.
func (m *Manager) limiter(key string) *rate.Limiter {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	if l, ok := m.limiters[key]; ok {
		return l
	}
	for len(m.limiters) >= maxTrackedChats {
		for k := range m.limiters {
			delete(m.limiters, k)
			break
		}
	}
	l := rate.NewLimiter(perChatRate, perChatBurst)
	m.limiters[key] = l
	return l
}
