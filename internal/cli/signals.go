package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"nvhelper/internal/console"
)

// notifyContext returns a context cancelled by the first SIGINT or SIGTERM,
// giving the run a chance to tear down. A second signal exits at once.
func notifyContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			console.Warn("Received %v. Cancelling gracefully", sig)
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigs:
			console.Warn("Second interrupt received. Forcing immediate exit.")
			os.Exit(130)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}
