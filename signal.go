package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM,
// so the watcher can flush the cache and save its stats. A second signal
// exits immediately in case shutdown hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			logger.Info("shutting down", slog.String("signal", sig.String()))
			cancel()
		}

		select {
		case <-parent.Done():
		case sig := <-sigCh:
			logger.Warn("second signal, exiting now", slog.String("signal", sig.String()))
			os.Exit(1)
		}
	}()

	return ctx
}

// reloadOnSIGHUP calls reload for every SIGHUP until ctx is canceled. The
// handler is installed before it returns, so a SIGHUP sent afterwards never
// takes the default action of killing the process.
func reloadOnSIGHUP(ctx context.Context, reload func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				reload()
			}
		}
	}()
}
