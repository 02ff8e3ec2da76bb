package channels

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type recordChannel struct {
	name string
	mu   sync.Mutex
	sent []Message
}

func (c *recordChannel) Name() string                { return c.name }
func (c *recordChannel) Start(context.Context) error { return nil }
func (c *recordChannel) Stop(context.Context) error  { return nil }
func (c *recordChannel) IsRunning() bool             { return true }

func (c *recordChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func TestSendRoutesToChannel(t *testing.T) {
	m := NewManager()
	ch := &recordChannel{name: "mail"}
	m.Register(ch)

	if err := m.Send(context.Background(), "mail", "ops", "hello", "msg-1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(ch.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(ch.sent))
	}
	got := ch.sent[0]
	if got.Target != "ops" || got.Text != "hello" || got.ReplyTo != "msg-1" {
		t.Errorf("message = %+v", got)
	}
}

func TestSendUnknownChannel(t *testing.T) {
	m := NewManager()

	if err := m.Send(context.Background(), "pigeon", "x", "hi", ""); err == nil {
		t.Error("expected error for unknown channel")
	}
	// Internal channels without a binding are dropped, not errored.
	if err := m.Send(context.Background(), "system", "x", "hi", ""); err != nil {
		t.Errorf("internal channel send = %v, want nil", err)
	}
}

func TestInternalChannelSet(t *testing.T) {
	for _, name := range []string{"cli", "system", "subagent", "cron"} {
		if !IsInternal(name) {
			t.Errorf("IsInternal(%q) = false", name)
		}
	}
	if IsInternal("telegram") {
		t.Error("IsInternal(telegram) = true")
	}
}

func TestCLIChannelWrites(t *testing.T) {
	var buf strings.Builder
	cli := NewCLI(&buf)

	if err := cli.Send(context.Background(), Message{Target: "local", Text: "hi"}); err == nil {
		t.Error("send on stopped channel should fail")
	}

	if err := cli.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := cli.Send(context.Background(), Message{Target: "local", Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := buf.String(); got != "[local] hi\n" {
		t.Errorf("output = %q", got)
	}
}

func TestLimiterMapBounded(t *testing.T) {
	m := NewManager()
	for i := 0; i < maxTrackedChats+100; i++ {
		m.limiter("mail:" + strconv.Itoa(i))
	}
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if len(m.limiters) > maxTrackedChats {
		t.Errorf("limiters = %d, cap %d", len(m.limiters), maxTrackedChats)
	}
}
