package channels

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// CLI is the in-process channel backing the REPL: Send writes to the
// attached writer. It exists so the message tool and cron fan-out have a
// real sink in standalone mode.
type CLI struct {
	mu      sync.Mutex
	out     io.Writer
	running bool
}

func NewCLI(out io.Writer) *CLI {
	return &CLI{out: out}
}

func (c *CLI) Name() string { return "cli" }

func (c *CLI) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

func (c *CLI) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

func (c *CLI) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *CLI) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return fmt.Errorf("cli channel stopped")
	}
	_, err := fmt.Fprintf(c.out, "[%s] %s\n", msg.Target, msg.Text)
	return err
}
