package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seaclaw/seaclaw/internal/bus"
	"github.com/seaclaw/seaclaw/internal/config"
	"github.com/seaclaw/seaclaw/internal/sessions"
)

func chatCmd() *cobra.Command {
	var sessionPeer string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive REPL against a local session",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(sessionPeer)
		},
	}
	cmd.Flags().StringVar(&sessionPeer, "session", "local", "peer name for the cli session")
	return cmd
}

func runChat(peer string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		slog.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()
	defer rt.shutdown(ctx)
	rt.channels.StartAll(ctx)

	key := sessions.Key("cli", peer)

	// Stream chunks as they arrive; the final result only terminates the
	// prompt line.
	events, cancel := rt.bus.Subscribe(bus.AgentTopic(key))
	defer cancel()
	go func() {
		for ev := range events {
			switch ev.Kind {
			case bus.KindChunk:
				fmt.Println(ev.Text)
			case bus.KindStatus:
				if ev.Phase == bus.PhaseToolStart {
					fmt.Printf("  [tool: %s]\n", ev.Details["tool"])
				}
			}
		}
	}()

	fmt.Printf("seaclaw chat — session %s (Ctrl-D or /quit to exit)\n", key)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}
		if _, err := rt.registry.Send(ctx, key, "cli", line, sessions.SendOptions{}); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}
