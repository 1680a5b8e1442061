// Command talkbuddy-gateway serves the live conversation socket and the
// conversations API.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/talkbuddy/internal/dotenv"
	"github.com/vango-go/talkbuddy/pkg/gateway/config"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	buildApp     func(context.Context, config.Config, *slog.Logger) (*app, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
	// onListen reports the bound address; tests listen on port 0.
	onListen func(net.Addr)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		buildApp:   buildApp,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newLogger writes text logs unless format is "json".
func newLogger(w io.Writer, format string) *slog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func newRootCommand(logger *slog.Logger, deps gatewayDeps) *cobra.Command {
	root := &cobra.Command{
		Use:           "talkbuddy-gateway",
		Short:         "Live conversation gateway for talkbuddy avatars",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context(), logger, deps)
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context(), logger, deps)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), logger, deps)
		},
	})
	return root
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	env, err := dotenv.Load()
	if err != nil {
		fmt.Fprintf(stderr, "talkbuddy-gateway: %v\n", err)
		return 1
	}
	logger := newLogger(stderr, os.Getenv("TALKBUDDY_LOG_FORMAT"))
	if len(env.Loaded) > 0 {
		logger.Info("loaded env file", "path", env.Path, "keys", len(env.Loaded))
	}
	if len(env.Ignored) > 0 {
		logger.Warn("env file has non-gateway keys", "path", env.Path, "keys", env.Ignored)
	}

	cmd := newRootCommand(logger, deps)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "talkbuddy-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultGatewayDeps()))
}
