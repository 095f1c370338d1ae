package forwarder

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/tcpforward/internal/conntrack"
	"github.com/ankit-kulkarni/tcpforward/internal/epoller"
	"github.com/ankit-kulkarni/tcpforward/internal/relay"
)

// Run starts one worker goroutine per CPU, each pinned to its own core,
// all sharing the single epoll fd registered with EPOLLEXCLUSIVE so only
// one worker wakes per ready listener.
//
// Run blocks until Shutdown is called (which wakes every worker via the
// poller's self-pipe) and every worker goroutine has returned.
func (f *Forwarder) Run() {
	n := runtime.NumCPU()
	f.wg.Add(n)
	for i := 0; i < n; i++ {
		go f.worker(i)
	}
	f.wg.Wait()
}

func (f *Forwarder) worker(cpu int) {
	defer f.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := pinToCPU(cpu); err != nil {
		f.log.Warn().Err(err).Int("cpu", cpu).Msg("failed to pin worker to cpu, continuing unpinned")
	}

	for {
		events, err := f.poller.Wait()
		if err != nil {
			f.log.Error().Err(err).Msg("epoll_wait failed")
			return
		}
		if f.shuttingDown.Load() {
			return
		}
		for _, ev := range events {
			f.dispatch(ev)
		}
	}
}

// dispatch classifies one ready event: errors/hangup first, then a
// listener-vs-data-socket branch keyed off the registration's explicit
// Kind tag.
func (f *Forwarder) dispatch(ev epoller.Event) {
	if ev.Error || ev.Hangup {
		f.handleSocketError(ev)
		return
	}

	switch ev.Kind {
	case epoller.KindListener:
		if err := f.handleIncomingConnection(ev.Fd); err != nil {
			if ClassOf(err) == ClassFatalInit {
				if f.metrics != nil {
					f.metrics.FatalErrors.Inc()
				}
				f.log.Fatal().Err(err).Msg("fatal error accepting connection")
			}
			f.log.Warn().Err(err).Msg("accept error")
		}
	case epoller.KindDownstream, epoller.KindUpstream:
		f.relayEvent(ev)
	}
}

// relayEvent pumps one direction's worth of traffic for the slot behind ev.
func (f *Forwarder) relayEvent(ev epoller.Event) {
	id := conntrack.UnpackSlotID(ev.SlotID)
	slot, ok := f.table.Lookup(id)
	if !ok {
		// Stale event for an already-torn-down (and possibly reused) slot;
		// the generation check in Lookup already protects us from
		// misattributing it to a new connection.
		return
	}

	var src, dst int
	var pipe conntrack.Pipe
	if ev.Kind == epoller.KindDownstream {
		src, dst, pipe = slot.DownstreamFd, slot.UpstreamFd, slot.DownToUp
	} else {
		src, dst, pipe = slot.UpstreamFd, slot.DownstreamFd, slot.UpToDown
	}

	n, err := relay.Pump(src, pipe.ReadFd, pipe.WriteFd, dst)
	f.log.Trace().Uint32("slot", id.Index).Int64("bytes", n).Msg("relay pump")
	if n > 0 && f.metrics != nil {
		if ev.Kind == epoller.KindDownstream {
			f.metrics.BytesUpstream.Add(int(n))
		} else {
			f.metrics.BytesDownstream.Add(int(n))
		}
	}
	if err == nil || err == relay.ErrTransient {
		return
	}
	if err == relay.ErrPeerClosed {
		f.teardownSlot(slot)
		return
	}
	// Any other splice failure is downgraded to a peer-driven teardown
	// rather than treated as process-fatal — see DESIGN.md's Open Question
	// resolution on splice-error fatality.
	if f.metrics != nil {
		f.metrics.PeerErrors.Inc()
	}
	f.log.Warn().Err(err).Uint32("slot", id.Index).Msg("relay error, tearing down slot")
	f.teardownSlot(slot)
}

// handleSocketError tears down whichever slot (or listener) owns the
// errored fd: deregister from the poller, close, and release.
func (f *Forwarder) handleSocketError(ev epoller.Event) {
	if ev.Kind == epoller.KindListener {
		f.log.Error().Int("fd", ev.Fd).Msg("listener socket error, no longer accepting on this port")
		f.poller.Remove(ev.Fd)
		unix.Close(ev.Fd)
		return
	}
	id := conntrack.UnpackSlotID(ev.SlotID)
	slot, ok := f.table.Lookup(id)
	if !ok {
		return
	}
	if f.metrics != nil {
		f.metrics.PeerErrors.Inc()
	}
	f.teardownSlot(slot)
}

func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}
