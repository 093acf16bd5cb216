// ABOUTME: One-shot CLI for running an agent prompt through the fold gateway.
// ABOUTME: Streams reconciled output to stdout with colored tool and status lines.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fold-client/internal/client"
	"github.com/2389/fold-client/internal/config"
	"github.com/2389/fold-client/internal/conn"
	"github.com/2389/fold-client/internal/reconcile"
	"github.com/2389/fold-client/internal/run"
)

// connectWait bounds how long the CLI waits for the first successful
// handshake before giving up.
const connectWait = 30 * time.Second

func main() {
	configPath := flag.String("config", envOr("FOLD_CONFIG", "fold-client.yaml"), "path to config file")
	agentID := flag.String("agent", envOr("FOLD_AGENT", ""), "agent id to run")
	tenantID := flag.String("tenant", envOr("FOLD_TENANT", ""), "tenant id for session scoping")
	conversationID := flag.String("conversation", "", "stable conversation id (defaults to a fresh one)")
	model := flag.String("model", "", "model routing override for this call")
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 || *agentID == "" || *tenantID == "" {
		printUsage()
		os.Exit(1)
	}
	prompt := flag.Arg(0)

	if err := runPrompt(*configPath, *agentID, *tenantID, *conversationID, *model, prompt); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Println("fold-client — run an agent prompt through the fold gateway")
	fmt.Println()
	fmt.Println("Usage: fold-client [flags] <prompt>")
	fmt.Println()
	yellow.Println("Flags:")
	fmt.Println("  -config <path>        Config file (default: fold-client.yaml)")
	fmt.Println("  -agent <id>           Agent id to run (required)")
	fmt.Println("  -tenant <id>          Tenant id (required)")
	fmt.Println("  -conversation <id>    Stable conversation id; omit for a one-off")
	fmt.Println("  -model <name>         Model routing override for this call")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  FOLD_CONFIG           Config file path")
	fmt.Println("  FOLD_AGENT            Default agent id")
	fmt.Println("  FOLD_TENANT           Default tenant id")
}

func runPrompt(configPath, agentID, tenantID, conversationID, model, prompt string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	c, err := client.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	states, _ := c.SubscribeState(ctx)
	go func() {
		if err := c.Connect(ctx); err != nil && ctx.Err() == nil {
			logger.Error("connection supervisor exited", "error", err)
		}
	}()
	if err := awaitConnected(states); err != nil {
		return err
	}

	if conversationID == "" {
		conversationID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
	}

	stream, err := c.Run(ctx, client.RunRequest{
		AgentID:        agentID,
		TenantID:       tenantID,
		ConversationID: conversationID,
		Prompt:         prompt,
		Model:          model,
	})
	if err != nil {
		return err
	}

	return render(ctx, stream, reconcile.Policy(cfg.Reconcile.Policy), os.Stdout, logger)
}

// awaitConnected blocks until the manager reports a live connection.
func awaitConnected(states <-chan conn.State) error {
	timer := time.NewTimer(connectWait)
	defer timer.Stop()

	for {
		select {
		case state, ok := <-states:
			if !ok {
				return fmt.Errorf("state subscription closed before connect")
			}
			if state == conn.StateConnected {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("gateway not reachable within %v", connectWait)
		}
	}
}

// render consumes the run stream, reconciling text onto out and
// painting tool and usage lines as they interleave. policy is the
// configured divergence handling; empty means replace.
func render(ctx context.Context, stream *run.Stream, policy reconcile.Policy, out io.Writer, logger *slog.Logger) error {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	buffered := bufio.NewWriter(out)
	rec := reconcile.New(&bufferedSink{w: buffered}, policy, logger)

	for ev := range stream.Events() {
		switch ev.Kind {
		case run.KindAccepted:
			yellow.Fprintln(os.Stderr, "· accepted")

		case run.KindTextDelta:
			if err := rec.OnDelta(ctx, ev.Text); err != nil {
				return err
			}

		case run.KindToolCallStart:
			cyan.Fprintf(os.Stderr, "» tool %s (%s)\n", ev.ToolCall.Name, ev.ToolCall.ID)

		case run.KindToolCallResult:
			cyan.Fprintf(os.Stderr, "« tool result (%s)\n", ev.ToolResult.ID)

		case run.KindUsageReport:
			yellow.Fprintf(os.Stderr, "· usage in=%d out=%d\n", ev.Usage.InputTokens, ev.Usage.OutputTokens)

		case run.KindAssistantFinal:
			if err := rec.OnFinal(ctx, ev.Content); err != nil {
				return err
			}

		case run.KindError:
			return ev.Err

		case run.KindDone:
			if err := rec.Done(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

// bufferedSink adapts a buffered output writer to the reconciler sink.
// Flush is the delivery barrier the reconciler's completion contract
// requires.
type bufferedSink struct {
	w *bufio.Writer
}

func (s *bufferedSink) WriteDelta(_ context.Context, text string) error {
	_, err := s.w.WriteString(text)
	return err
}

func (s *bufferedSink) Replace(_ context.Context, text string) error {
	// The terminal can't unprint streamed text; mark the replacement
	// boundary instead of pretending the earlier output never happened.
	if _, err := s.w.WriteString("\n--- corrected output ---\n"); err != nil {
		return err
	}
	_, err := s.w.WriteString(text)
	return err
}

func (s *bufferedSink) Flush(_ context.Context) error {
	return s.w.Flush()
}

// newLogger builds the process logger from config, stderr only so
// streamed agent output owns stdout.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// envOr returns the environment value for key, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
