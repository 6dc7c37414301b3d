// Package cli wires the switchboard commands: the orchestrator server plus
// small operator tools for following and driving sessions.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/dennismeister93/switchboard/client"
	"github.com/dennismeister93/switchboard/internal/endpoint"
	"github.com/dennismeister93/switchboard/internal/gateway"
	"github.com/dennismeister93/switchboard/internal/launch"
	"github.com/dennismeister93/switchboard/internal/paths"
	"github.com/dennismeister93/switchboard/internal/runtimeconfig"
	"github.com/dennismeister93/switchboard/internal/sandbox"
	"github.com/dennismeister93/switchboard/internal/session"
	"github.com/dennismeister93/switchboard/internal/store"
)

// Version is stamped by the release build.
var Version = "dev"

type runtimeContext struct {
	Stdout     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Sandbox    sandbox.Sandbox
}

type CLI struct {
	Serve   ServeCommand   `cmd:"" help:"Run the switchboard orchestrator"`
	Tail    TailCommand    `cmd:"" help:"Follow a session's event stream"`
	Send    SendCommand    `cmd:"" help:"Start or follow up an execution"`
	Version VersionCommand `cmd:"" help:"Print the switchboard version"`
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint (unix://path, http://host:port, or tsnet://hostname[:port])"`
	DBPath   string `help:"SQLite database path (defaults to the data directory)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type TailCommand struct {
	SessionID string   `arg:"" help:"Session to follow"`
	Host      string   `help:"Orchestrator endpoint (unix://path or http://host:port)"`
	User      string   `help:"User id for the actor API" default:"cli"`
	FromID    int64    `help:"Replay from this event id (exclusive)"`
	Execution []string `help:"Only events for these execution ids"`
	Type      []string `help:"Only events of these types"`
	Follow    bool     `short:"f" help:"Keep the stream open for live events"`
}

type SendCommand struct {
	SessionID string `arg:"" help:"Target session"`
	Prompt    string `arg:"" help:"Prompt text for the agent"`
	Host      string `help:"Orchestrator endpoint (unix://path or http://host:port)"`
	User      string `help:"User id for the actor API" default:"cli"`
	Followup  bool   `help:"Send as a follow-up instead of an initiate"`
	Mode      string `help:"Agent mode override"`
	Model     string `help:"Agent model override"`
	Workspace string `help:"Workspace path used when preparing a new session"`
	GitURL    string `help:"Repository to clone when preparing a new session"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	if strings.TrimSpace(version) != "" {
		Version = version
	}
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("switchboard"),
		kong.Description("Per-session coding-agent execution orchestrator"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(firstNonEmpty(s.LogLevel, ctx.Config.LogLevel), "server")
	if err != nil {
		return err
	}

	ep, err := endpoint.ResolveListen(firstNonEmpty(s.Listen, ctx.Config.Listen))
	if err != nil {
		return err
	}

	dbPath := firstNonEmpty(s.DBPath, ctx.Config.DBPath)
	if dbPath == "" {
		dbPath, err = paths.SessionDBPath()
		if err != nil {
			return err
		}
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(runCtx, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store opened", "db_path", dbPath)

	sb := ctx.Sandbox
	if sb == nil {
		sb = sandbox.NewMock()
		logger.Warn("no sandbox runtime configured, using in-memory mock")
	}

	registry := &session.Registry{
		Store:   st,
		Sandbox: sb,
		Builder: launch.Builder{
			WrapperBinary:  ctx.Config.Wrapper.BinaryPath,
			AgentBinary:    ctx.Config.Wrapper.AgentBinaryPath,
			IngestBaseURL:  ep.BaseURL,
			NewIngestToken: session.NewIngestToken,
		},
		Ports: launch.PortAllocator{
			BasePort:  ctx.Config.Wrapper.BasePort,
			PortRange: ctx.Config.Wrapper.PortRange,
		},
		Logger:         logger.With("subsystem", "session"),
		StartupWait:    time.Duration(ctx.Config.Wrapper.StartupSeconds) * time.Second,
		QueueMaxAge:    time.Duration(ctx.Config.Queue.MaxAgeSeconds) * time.Second,
		EventRetention: time.Duration(ctx.Config.Events.RetentionDays) * 24 * time.Hour,
	}

	server := gateway.New(registry, logger.With("subsystem", "http"))
	return gateway.Serve(runCtx, ep, server.Handler(), logger)
}

func (t *TailCommand) Run(ctx *runtimeContext) error {
	c, err := client.New(t.Host, t.User)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := client.StreamOptions{
		FromID:       t.FromID,
		ExecutionIDs: t.Execution,
		EventTypes:   t.Type,
	}
	printEvent := func(ev store.Event) error {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.Stdout, string(line))
		return err
	}

	if t.Follow {
		err := c.Follow(runCtx, t.SessionID, opts, printEvent)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	stream, err := c.Stream(runCtx, t.SessionID, opts)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		deadline := time.Now().Add(500 * time.Millisecond)
		_ = stream.SetReadDeadline(deadline)
		ev, err := stream.Next()
		if err != nil {
			return nil
		}
		if err := printEvent(ev); err != nil {
			return err
		}
	}
}

func (s *SendCommand) Run(ctx *runtimeContext) error {
	c, err := client.New(s.Host, s.User)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kind := launch.KindInitiate
	if s.Followup {
		kind = launch.KindFollowup
	} else if s.Workspace != "" {
		if _, err := c.Prepare(runCtx, s.SessionID, client.PrepareRequest{
			Workspace:   s.Workspace,
			GitURL:      s.GitURL,
			DefaultMode: s.Mode,
		}); err != nil {
			return err
		}
	}

	res, err := c.StartExecution(runCtx, s.SessionID, launch.StartRequest{
		Kind:        kind,
		ExecutionID: session.NewExecutionID(),
		Prompt:      s.Prompt,
		Mode:        s.Mode,
		Model:       s.Model,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Stdout, "%s %s\n", res.Status, res.ExecutionID)
	return nil
}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	fmt.Fprintln(ctx.Stdout, "switchboard "+Version)
	return nil
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
