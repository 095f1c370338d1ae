package forwarder

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/tcpforward/internal/config"
	"github.com/ankit-kulkarni/tcpforward/internal/conntrack"
	"github.com/ankit-kulkarni/tcpforward/internal/epoller"
	"github.com/ankit-kulkarni/tcpforward/internal/netutil"
)

// handleIncomingConnection accepts every pending connection on listenFd,
// looping until EAGAIN since edge-triggered epoll only notifies once per
// batch of arrivals, and pairs each with a freshly dialed upstream
// connection.
func (f *Forwarder) handleIncomingConnection(listenFd int) error {
	rule, ok := f.ruleForListener(listenFd)
	if !ok {
		return peerDriven(fmt.Errorf("no rule registered for listener fd %d", listenFd))
	}

	for {
		connFd, _, err := netutil.Accept4(listenFd)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			// A non-EAGAIN accept failure means the listening socket
			// itself is broken, which is unrecoverable for this listener.
			return fatalf("accept on port %d: %w", rule.ListenPort, err)
		}

		if err := f.pairConnection(connFd, rule); err != nil {
			f.log.Warn().Err(err).Uint16("port", rule.ListenPort).Msg("failed to pair accepted connection")
			unix.Close(connFd)
			continue
		}
	}
}

// pairConnection dials rule's upstream, allocates a slot, and registers
// both ends of the connection with the poller.
func (f *Forwarder) pairConnection(downFd int, rule config.Rule) error {
	upFd, err := netutil.Dial(rule.UpstreamHost, rule.UpstreamPort)
	if err != nil {
		return peerDriven(err)
	}

	if err := netutil.SetNonBlocking(downFd); err != nil {
		unix.Close(upFd)
		return peerDriven(err)
	}

	downToUp, err := newPipe()
	if err != nil {
		unix.Close(upFd)
		return peerDriven(err)
	}
	upToDown, err := newPipe()
	if err != nil {
		unix.Close(upFd)
		closePipe(downToUp)
		return peerDriven(err)
	}

	slot := f.table.Allocate()
	slot.DownstreamFd = downFd
	slot.UpstreamFd = upFd
	slot.DownToUp = downToUp
	slot.UpToDown = upToDown
	slot.ListenPort = rule.ListenPort
	slot.MarkUpstreamReady()

	id := slot.ID().Pack()
	if err := f.poller.Add(downFd, epoller.Registration{Fd: downFd, Kind: epoller.KindDownstream, SlotID: id}); err != nil {
		f.teardownSlot(slot)
		return fatalf("registering downstream fd: %w", err)
	}
	if err := f.poller.Add(upFd, epoller.Registration{Fd: upFd, Kind: epoller.KindUpstream, SlotID: id}); err != nil {
		f.teardownSlot(slot)
		return fatalf("registering upstream fd: %w", err)
	}
	slot.MarkPaired()

	if f.metrics != nil {
		f.metrics.ConnectionsOpened.Inc()
	}
	f.log.Debug().Uint16("port", rule.ListenPort).Uint32("slot", slot.ID().Index).Msg("connection paired")
	f.emit(fmt.Sprintf("paired slot=%d port=%d", slot.ID().Index, rule.ListenPort))
	return nil
}

func newPipe() (conntrack.Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return conntrack.Pipe{}, err
	}
	return conntrack.Pipe{ReadFd: fds[0], WriteFd: fds[1]}, nil
}

func closePipe(p conntrack.Pipe) {
	unix.Close(p.ReadFd)
	unix.Close(p.WriteFd)
}

// teardownSlot closes every fd owned by slot and releases it back to the
// table.
func (f *Forwarder) teardownSlot(slot *conntrack.Slot) {
	f.poller.Remove(slot.DownstreamFd)
	f.poller.Remove(slot.UpstreamFd)
	unix.Close(slot.DownstreamFd)
	unix.Close(slot.UpstreamFd)
	closePipe(slot.DownToUp)
	closePipe(slot.UpToDown)
	id := slot.ID()
	if err := f.table.Release(id); err != nil {
		f.log.Warn().Err(err).Msg("releasing slot")
	}
	if f.metrics != nil {
		f.metrics.ConnectionsClosed.Inc()
	}
	f.log.Warn().Uint32("slot", id.Index).Uint16("port", slot.ListenPort).Msg("disconnection")
	f.emit(fmt.Sprintf("closed slot=%d port=%d", id.Index, slot.ListenPort))
}
