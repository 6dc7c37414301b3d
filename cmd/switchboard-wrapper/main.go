// switchboard-wrapper is the in-sandbox supervisor. The orchestrator starts
// one per session; the --agent-session and --wrapper-port flags double as
// discovery markers scanned out of the process list.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/dennismeister93/switchboard/internal/wrapper"
)

type flags struct {
	AgentSession string `name:"agent-session" required:"" help:"Session id this wrapper serves"`
	WrapperPort  int    `name:"wrapper-port" required:"" help:"Port for the wrapper job API"`
	User         string `help:"User id owning the session"`
	IngestURL    string `name:"ingest-url" required:"" help:"Orchestrator base URL for /ingest"`
	IngestToken  string `name:"ingest-token" help:"Initial ingest bearer token"`
	AgentBinary  string `name:"agent-binary" required:"" help:"Path to the coding-agent binary"`
	IdleSeconds  int64  `name:"idle-timeout-seconds" default:"600" help:"Kill the agent after this much silence"`
	LogLevel     string `name:"log-level" default:"info" help:"Log level (debug|info|warn|error)"`
}

func main() {
	var f flags
	kong.Parse(&f,
		kong.Name("switchboard-wrapper"),
		kong.Description("In-sandbox agent supervisor"),
	)

	level, err := log.ParseLevel(strings.ToLower(f.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level %q: %v\n", f.LogLevel, err)
		os.Exit(2)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	}).With("component", "wrapper", "session_id", f.AgentSession)

	supervisor := wrapper.New(wrapper.Config{
		Port:        f.WrapperPort,
		SessionID:   f.AgentSession,
		UserID:      f.User,
		IngestURL:   f.IngestURL,
		IngestToken: f.IngestToken,
		AgentBinary: f.AgentBinary,
		IdleTimeout: time.Duration(f.IdleSeconds) * time.Second,
		Logger:      logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := supervisor.Run(ctx); err != nil {
		logger.Error("wrapper exited", "error", err)
		os.Exit(1)
	}
}
