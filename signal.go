package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitInterrupted is the status used when a second signal cuts a
// long-running command short.
const exitInterrupted = 130

// interruptWatcher drives the two-stage stop of watch and notifications:
// the first signal cancels the command context so the current upload or
// read can finish, the second calls exit.
type interruptWatcher struct {
	signals <-chan os.Signal
	exit    func(code int)
	logger  *slog.Logger
}

// shutdownContext returns a context canceled by the first SIGINT or
// SIGTERM. A second signal terminates the process.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	w := &interruptWatcher{signals: sigCh, exit: os.Exit, logger: logger}

	ctx, done := w.start(parent)

	go func() {
		<-done
		signal.Stop(sigCh)
	}()

	return ctx
}

// start begins watching for signals. The returned channel closes once the
// watcher stops: when parent is done, or when the first signal arrives and
// parent is done afterwards.
func (w *interruptWatcher) start(parent context.Context) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer cancel()

		var first os.Signal

		select {
		case first = <-w.signals:
		case <-ctx.Done():
			return
		}

		w.logger.Info("interrupted, finishing current operation",
			slog.String("signal", first.String()),
		)
		cancel()

		select {
		case sig := <-w.signals:
			w.logger.Warn("interrupted again, exiting now",
				slog.String("signal", sig.String()),
			)
			w.exit(exitInterrupted)
		case <-parent.Done():
		}
	}()

	return ctx, done
}
