// cmd_serve.go - serve command: boots collaborators, constructs the
// Engine, and runs its main loop until interrupted. Grounded on teacher
// cmd/cmd_serve.go's RunServer (there: listen + server.Serve; here: no
// listener, since HTTP/SSE transport is an explicit Non-goal — the engine
// loop itself is the long-running process).
package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/heyi/engine/envconfig"
	"github.com/heyi/engine/kvcache"
	"github.com/heyi/engine/scheduler"
	"github.com/heyi/engine/streamloader"
)

// newServeCmd builds the "serve" command.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Boot the engine and run its scheduler loop",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}

// RunServer wires the stub collaborators (ml.Model, model.Tokenizer,
// kvcache.DeviceMigrator, ml.LicenseChecker) into an Engine and drives
// Engine.Run(ctx) until SIGINT/SIGTERM (spec.md §5: "Engine loop runs on its
// own goroutine, started from cmd serve"). A real deployment replaces the
// stubs with a loaded checkpoint and a real tokenizer; this wiring point is
// deliberately the only thing cmd owns.
func RunServer(cmd *cobra.Command, _ []string) error {
	slog.SetLogLoggerLevel(envconfig.LogLevel())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pageSize := int(envconfig.KVCachePageSize())
	numPages := int(envconfig.KVCacheNumTokens()) / pageSize
	cache := kvcache.NewPagedKVCache(stubVariant, numPages, pageSize)

	var loader *streamloader.StreamLoader
	migrator := newStubMigrator()
	if envconfig.EnableLayerwisePrefill() {
		loader = streamloader.NewStreamLoader(nil, 1, func() int64 { return 1 << 30 }, 0)
	}

	engine, err := scheduler.NewEngine(ctx, newStubModel(), newStubTokenizer(), cache, loader, migrator, newNoopLicenseChecker())
	if err != nil {
		return err
	}

	slog.Info("engine ready, entering scheduler loop")
	engine.Run(ctx)
	slog.Info("engine stopped")
	return nil
}
