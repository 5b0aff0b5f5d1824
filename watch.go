package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/chatsync/internal/cache"
	"github.com/tonimelisma/chatsync/internal/channel"
	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/config"
	"github.com/tonimelisma/chatsync/internal/metrics"
	"github.com/tonimelisma/chatsync/internal/model"
	"github.com/tonimelisma/chatsync/internal/notify"
)

// metricsShutdownTimeout bounds the metrics server's graceful shutdown.
const metricsShutdownTimeout = 5 * time.Second

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch ROOM",
		Short: "Follow a room live and send the lines typed on stdin",
		Long: `Print the latest page of a room, then follow it live. Each line read from
stdin is sent as a message. The config file is watched and reloaded on
change or on SIGHUP (see "chatsync reload").`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. localhost:9120)")
	cmd.Flags().Bool("no-input", false, "do not read messages to send from stdin")

	return cmd
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running watch to reload its config",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := sendSIGHUP(watchPIDPath(resolvedCfg)); err != nil {
				return err
			}

			statusf(flagQuiet, "Reload requested.\n")

			return nil
		},
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	noInput, _ := cmd.Flags().GetBool("no-input")
	roomID := args[0]

	logger, level := defaultLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	cleanup, err := writePIDFile(watchPIDPath(resolvedCfg))
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := openChatSession(ctx, resolvedCfg, notify.NewWriter(os.Stderr), logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	holder := config.NewHolder(resolvedCfg, resolvedCfgPath)
	reload := func() { reloadConfig(holder, level, logger) }

	go watchConfigFile(ctx, resolvedCfgPath, reload, logger)
	reloadOnSIGHUP(ctx, reload)
	go sess.Cache.RunOptimizer(ctx, func() time.Duration {
		return holder.Config().OptimizeInterval()
	})

	if metricsAddr != "" {
		go serveMetrics(ctx, metricsAddr, sess.Stats, logger)
	}

	printer := newMessagePrinter(cmd.OutOrStdout(), roomID, sess.Cache)
	sess.Engine.OnChange(printer.onChange)
	sess.Engine.OnStatus(func(sig channel.Signal) {
		if id, ok := strings.CutPrefix(sig.Scope, "room:"); ok {
			statusf(flagQuiet, "[%s] %s\n", id, sig.Status)
		}
	})

	page, err := sess.Engine.History(ctx, roomID, 0, 0)
	if err != nil {
		return err
	}

	for _, m := range page {
		printer.print(m)
	}

	if err := sess.Engine.OpenRoom(roomID); err != nil {
		return err
	}

	if !noInput {
		go sendLines(ctx, os.Stdin, sess.Engine, roomID, logger)
	}

	<-ctx.Done()

	logger.Info("watch stopping", slog.String("room", roomID))

	return nil
}

// reloadConfig re-reads the config file and applies what can change at
// runtime. The log level is set here; the optimizer reads its interval from
// holder on every cycle. A broken file keeps the running config.
func reloadConfig(holder *config.Holder, level *slog.LevelVar, logger *slog.Logger) {
	cfg, err := holder.Reload()
	if err != nil {
		logger.Warn("config reload failed, keeping current config",
			slog.String("path", holder.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	level.Set(logLevel(cfg))

	logger.Info("config reloaded",
		slog.String("path", holder.Path()),
		slog.String("log_level", level.Level().String()),
	)
}

// watchConfigFile calls reload whenever the config file at path is written,
// created or renamed into place. The parent directory is watched because
// editors and config init replace the file rather than write it in place.
func watchConfigFile(ctx context.Context, path string, reload func(), logger *slog.Logger) {
	if path == "" {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watch unavailable", slog.String("error", err.Error()))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		logger.Debug("not watching config directory",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)

		return
	}

	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}

			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}

			logger.Debug("config file changed", slog.String("op", ev.Op.String()))
			reload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}

			logger.Warn("config watch error", slog.String("error", err.Error()))
		}
	}
}

// messageSender is the part of *engine.Engine that sendLines needs.
type messageSender interface {
	Send(ctx context.Context, roomID, content string) (model.Message, error)
}

// sendLines sends each non-blank line of r to roomID until r is exhausted
// or ctx is canceled.
func sendLines(ctx context.Context, r io.Reader, eng messageSender, roomID string, logger *slog.Logger) {
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if _, err := eng.Send(ctx, roomID, line); err != nil {
			statusf(false, "send failed: %v\n", err)
		}
	}

	if err := sc.Err(); err != nil {
		logger.Warn("reading stdin", slog.String("error", err.Error()))
	}
}

// serveMetrics exposes the cache counters on addr until ctx is canceled.
func serveMetrics(ctx context.Context, addr string, agg *metrics.Aggregator, logger *slog.Logger) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(agg, metricsNamespace))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		srv.Shutdown(shutdownCtx) //nolint:errcheck // best effort on exit
	}()

	logger.Info("serving metrics", slog.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}

// messagePrinter writes a room's messages as they enter the cache. Each
// message is printed once, and again only when its text changes.
type messagePrinter struct {
	mu     sync.Mutex
	w      io.Writer
	roomID string
	cache  *cache.Store
	seen   map[string]string // message id -> last printed content
}

func newMessagePrinter(w io.Writer, roomID string, c *cache.Store) *messagePrinter {
	return &messagePrinter{w: w, roomID: roomID, cache: c, seen: make(map[string]string)}
}

func (p *messagePrinter) onChange(ch cache.Change) {
	if ch.RoomID != p.roomID {
		return
	}

	switch ch.Kind {
	case cache.ChangePut:
		e, ok := p.cache.Peek(ch.Key)
		if !ok {
			return
		}

		if m, ok := e.(model.Message); ok {
			p.print(m)
		}
	case cache.ChangeReplace:
		// The confirmed message takes over the optimistic one's line.
		p.mu.Lock()
		if content, ok := p.seen[ch.OldKey.ID]; ok {
			p.seen[ch.Key.ID] = content
			delete(p.seen, ch.OldKey.ID)
		}
		p.mu.Unlock()
	case cache.ChangeDelete:
		p.mu.Lock()
		_, ok := p.seen[ch.Key.ID]
		delete(p.seen, ch.Key.ID)
		p.mu.Unlock()

		// A dropped optimistic message was a rolled back send, not a
		// delete anyone asked for.
		if ok && !chatid.IsTemp(ch.Key.ID) {
			fmt.Fprintf(p.w, "(message %s deleted)\n", ch.Key.ID)
		}
	}
}

func (p *messagePrinter) print(m model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if content, ok := p.seen[m.ID]; ok && content == m.Content {
		return
	}

	p.seen[m.ID] = m.Content
	fmt.Fprintln(p.w, formatMessage(m))
}
