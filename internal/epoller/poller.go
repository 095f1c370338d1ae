// Package epoller wraps Linux epoll behind a small, typed event interface.
//
// Rather than bit-packing a tag into the 8-byte epoll_data union, which
// invites pointer/ABA hazards once fds get reused, registrations are kept
// in a side table keyed by file descriptor, the same way the evio
// event-loop framework associates its epoll events with connection state
// via a map.
package epoller

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Kind distinguishes what a registered fd represents.
type Kind int

const (
	KindListener Kind = iota
	KindUpstream
	KindDownstream
)

// Registration is what Poller hands back for a ready fd.
type Registration struct {
	Fd   int
	Kind Kind
	// SlotID identifies the owning conntrack slot for Kind != KindListener.
	// It is opaque to epoller — conntrack defines its shape.
	SlotID uint64
	// Port is the rule's listen port, set only for Kind == KindListener.
	Port uint16
}

// Event is a single ready fd paired with the epoll flags that fired.
type Event struct {
	Registration
	Readable bool
	Writable bool
	Error    bool
	Hangup   bool
}

const maxEvents = 256

// Poller owns one epoll instance shared by every worker goroutine, each
// calling Wait concurrently — EPOLLEXCLUSIVE registrations on shared
// listening sockets prevent the thundering-herd wakeup that a naive shared
// epoll fd would otherwise cause.
type Poller struct {
	fd int

	mu   sync.Mutex
	regs map[int]Registration

	wakeR int
	wakeW int
}

// New creates an epoll instance and its shutdown self-pipe.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	p := &Poller{fd: fd, regs: make(map[int]Registration)}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("self-pipe: %w", err)
	}
	p.wakeR, p.wakeW = fds[0], fds[1]

	if err := p.addRaw(p.wakeR, unix.EPOLLIN, 0); err != nil {
		p.Close()
		return nil, fmt.Errorf("registering wake pipe: %w", err)
	}
	return p, nil
}

// AddExclusive registers a listening socket with edge-triggered,
// wake-one-waiter semantics (EPOLLIN|EPOLLET|EPOLLEXCLUSIVE) so a shared
// listener across worker goroutines doesn't thundering-herd on accept.
func (p *Poller) AddExclusive(fd int, reg Registration) error {
	p.mu.Lock()
	p.regs[fd] = reg
	p.mu.Unlock()
	return p.addRaw(fd, unix.EPOLLIN|unix.EPOLLET|unix.EPOLLEXCLUSIVE, int32(fd))
}

// Add registers a connected socket, edge-triggered, for both readability and
// the errors/hangup bits epoll always reports regardless of the requested
// event mask.
func (p *Poller) Add(fd int, reg Registration) error {
	p.mu.Lock()
	p.regs[fd] = reg
	p.mu.Unlock()
	return p.addRaw(fd, unix.EPOLLIN|unix.EPOLLET, int32(fd))
}

func (p *Poller) addRaw(fd int, events uint32, data int32) error {
	ev := unix.EpollEvent{Events: events, Fd: data}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. It is not an error to call Remove on an fd that
// was already removed by the kernel (e.g. because it was closed).
func (p *Poller) Remove(fd int) {
	p.mu.Lock()
	delete(p.regs, fd)
	p.mu.Unlock()
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks until at least one registered fd is ready, the self-pipe is
// written to (Wake), or a signal interrupts the call — in which case it
// returns zero events rather than an error.
func (p *Poller) Wait() ([]Event, error) {
	var raw [maxEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.fd, raw[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wakeR {
			// The wake byte is left unread: the pipe stays readable, so
			// every worker blocked in (or later entering) Wait returns, not
			// only the one this event happened to reach.
			continue
		}

		p.mu.Lock()
		reg, ok := p.regs[fd]
		p.mu.Unlock()
		if !ok {
			continue
		}

		events = append(events, Event{
			Registration: reg,
			Readable:     raw[i].Events&unix.EPOLLIN != 0,
			Writable:     raw[i].Events&unix.EPOLLOUT != 0,
			Error:        raw[i].Events&unix.EPOLLERR != 0,
			Hangup:       raw[i].Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	return events, nil
}

// Wake causes every goroutine blocked in Wait to return, and every later
// Wait call to return at once, used to let the worker pool notice a
// shutdown request without waiting for real I/O.
func (p *Poller) Wake() {
	_, _ = unix.Write(p.wakeW, []byte{0})
}

// Close releases the epoll fd and the self-pipe.
func (p *Poller) Close() error {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.fd)
}
