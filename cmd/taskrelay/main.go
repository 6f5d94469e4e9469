package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// app carries the global flags shared by every subcommand.
type app struct {
	home   string
	url    string
	apiKey string
	role   string
	asJSON bool
	stream bool

	stdin io.Reader
	// isTTY decides styled output; tests replace it.
	isTTY func(w io.Writer) bool
}

func main() {
	a := &app{stdin: os.Stdin, isTTY: writerIsTerminal}
	if err := newRootCommand(a).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "taskrelay",
		Short:         "Multi-agent task coordinator",
		Long:          "taskrelay stores task collections for planner agents and hands executable tasks to workers.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.home, "home", "", "taskrelay home directory (default $TASKRELAY_HOME or ~/.taskrelay)")
	flags.StringVar(&a.url, "url", "", "gateway address (default bind_addr from config.yaml)")
	flags.StringVar(&a.apiKey, "api-key", os.Getenv("TASKRELAY_API_KEY"), "gateway API key")
	flags.StringVar(&a.role, "role", "", "caller role declared to the gateway when auth is off")
	flags.BoolVar(&a.asJSON, "json", false, "print raw JSON lines even on a terminal")
	flags.BoolVar(&a.stream, "stream", false, "print invocation stream events as JSON lines before the result")

	root.AddCommand(
		newServeCommand(a),
		newDoctorCommand(a),
		newStatusCommand(a),
		newCreateCommand(a),
		newNextCommand(a),
		newCompleteCommand(a),
		newSaveExecutionCommand(a),
		newCurrentCommand(a),
		newStatsCommand(a),
		newQueryCommand(a),
		newHistoryCommand(a),
		newWatchCommand(a),
		newPolicyCommand(a),
	)
	return root
}

func (a *app) homeDir() string {
	if a.home != "" {
		return a.home
	}
	return config.HomeDir()
}

func (a *app) loadConfig() (config.Config, error) {
	return config.LoadFrom(a.homeDir())
}

// gatewayURL resolves the gateway base URL from --url or config.yaml.
func (a *app) gatewayURL() (string, error) {
	addr := strings.TrimSpace(a.url)
	if addr == "" {
		cfg, err := a.loadConfig()
		if err != nil {
			return "", fmt.Errorf("config load: %w", err)
		}
		addr = cfg.BindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") ||
		strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return strings.TrimRight(addr, "/"), nil
	}
	return "http://" + addr, nil
}

// authKey falls back to the env admin token the daemon also accepts.
func (a *app) authKey() string {
	if a.apiKey != "" {
		return a.apiKey
	}
	return os.Getenv("TASKRELAY_AUTH_TOKEN")
}
