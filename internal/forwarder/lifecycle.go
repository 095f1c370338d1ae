package forwarder

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
)

// Shutdown flips the running flag and wakes every worker blocked in
// epoll_wait. Workers notice shuttingDown on their next wakeup and return
// cooperatively rather than being forcibly killed.
func (f *Forwarder) Shutdown() {
	f.shuttingDown.Store(true)
	f.poller.Wake()
}

// WaitGroupDone blocks until every worker goroutine spawned by Run has
// exited. Exposed separately from Run so a caller driving shutdown from a
// signal handler can wait on it without holding a reference to Run's own
// call stack.
func (f *Forwarder) WaitGroupDone() {
	f.wg.Wait()
}

// RunWithLifecycle installs signal handling for SIGINT/SIGHUP/SIGQUIT/SIGTERM.
// SIGHUP triggers a tableflip graceful-upgrade re-exec rather than a plain
// shutdown, while SIGINT/SIGQUIT/SIGTERM flip the running flag and drain.
func RunWithLifecycle(f *Forwarder, upg *tableflip.Upgrader) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	hup := make(chan os.Signal, 1)
	if upg != nil {
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				f.log.Info().Msg("SIGHUP received, upgrading")
				if err := upg.Upgrade(); err != nil {
					f.log.Error().Err(err).Msg("tableflip upgrade failed")
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		f.Run()
		close(done)
	}()

	if upg != nil {
		if err := upg.Ready(); err != nil {
			f.log.Error().Err(err).Msg("tableflip Ready failed")
		}
	}

	select {
	case s := <-sig:
		f.log.Info().Stringer("signal", s).Msg("shutdown signal received")
		f.Shutdown()
	case <-upgradeExit(upg):
		f.log.Info().Msg("tableflip parent exiting after handoff")
		f.Shutdown()
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		f.log.Warn().Msg("workers did not exit within the shutdown grace period")
	}
}

func upgradeExit(upg *tableflip.Upgrader) <-chan struct{} {
	if upg == nil {
		return make(chan struct{}) // never fires
	}
	return upg.Exit()
}

// GracefulClose waits (up to ctx's deadline) for every worker to exit after
// a prior call to Shutdown, then closes the poller — the same
// wait-then-release-resources shape as http.Server.Shutdown in the
// teacher's own graceful-restart examples.
func (f *Forwarder) GracefulClose(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		f.log.Warn().Msg("GracefulClose deadline exceeded, closing poller anyway")
	}
	return f.Close()
}
