// Package forwarder wires the rule table, readiness primitive, connection
// table, and relay pump together into the running proxy, plus its
// signal-driven startup and shutdown lifecycle.
package forwarder

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cloudflare/tableflip"
	"github.com/rs/zerolog"

	"github.com/ankit-kulkarni/tcpforward/internal/activation"
	"github.com/ankit-kulkarni/tcpforward/internal/config"
	"github.com/ankit-kulkarni/tcpforward/internal/conntrack"
	"github.com/ankit-kulkarni/tcpforward/internal/epoller"
	"github.com/ankit-kulkarni/tcpforward/internal/metrics"
	"github.com/ankit-kulkarni/tcpforward/internal/netutil"
)

// Forwarder owns the full runtime state of the proxy: one epoll instance,
// one connection table, and the set of listening sockets installed from the
// rule table.
type Forwarder struct {
	log     zerolog.Logger
	metrics *metrics.Set

	poller *epoller.Poller
	table  *conntrack.Table

	mu        sync.Mutex
	listeners map[int]config.Rule // listening fd -> its rule

	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	onEvent func(string)
}

// OnEvent registers fn to be called with a short human-readable line every
// time a connection is paired or torn down, feeding the admin surface's
// websocket broadcast. Passing nil (the default) disables this without
// changing anything else about the dispatch path.
func (f *Forwarder) OnEvent(fn func(string)) {
	f.mu.Lock()
	f.onEvent = fn
	f.mu.Unlock()
}

func (f *Forwarder) emit(msg string) {
	f.mu.Lock()
	fn := f.onEvent
	f.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// New builds a Forwarder around a fresh epoll instance. Callers must call
// Close when done, whether or not Run was ever called.
func New(log zerolog.Logger, m *metrics.Set) (*Forwarder, error) {
	p, err := epoller.New()
	if err != nil {
		return nil, fatalf("creating poller: %w", err)
	}
	return &Forwarder{
		log:       log,
		metrics:   m,
		poller:    p,
		table:     conntrack.NewTable(),
		listeners: make(map[int]config.Rule),
	}, nil
}

// InstallRule binds (or adopts, via tableflip or systemd activation) rule's
// listening socket and registers it with the poller. It does not dial the
// upstream: that happens lazily, once per accepted connection, in
// handleIncomingConnection.
//
// Listener source priority: a non-nil upg (mid-upgrade or freshly started
// under tableflip) takes the socket across the fork/exec boundary first,
// then a systemd-activated fd matching the rule's port, and only then a
// fresh bind.
func (f *Forwarder) InstallRule(rule config.Rule, activated map[uint16]int, upg *tableflip.Upgrader) error {
	var fd int
	var err error

	switch {
	case upg != nil:
		addr := fmt.Sprintf(":%d", rule.ListenPort)
		ln, lerr := upg.Listen("tcp", addr)
		if lerr != nil {
			return fatalf("tableflip listen on port %d: %w", rule.ListenPort, lerr)
		}
		fd, err = netutil.AdoptFromNetListener(ln)
		if err != nil {
			return fatalf("adopting tableflip listener for port %d: %w", rule.ListenPort, err)
		}
		f.log.Info().Uint16("port", rule.ListenPort).Msg("listener obtained via tableflip")
	case activatedHas(activated, rule.ListenPort):
		fd = activated[rule.ListenPort]
		if err := netutil.AdoptListener(fd); err != nil {
			return fatalf("adopting activated listener for port %d: %w", rule.ListenPort, err)
		}
		f.log.Info().Uint16("port", rule.ListenPort).Msg("adopted systemd-activated listener")
	default:
		fd, err = netutil.Listen(rule.ListenPort)
		if err != nil {
			return fatalf("binding port %d: %w", rule.ListenPort, err)
		}
		f.log.Info().Uint16("port", rule.ListenPort).Str("upstream", rule.UpstreamHost+":"+rule.UpstreamPort).Msg("rule installed")
	}

	if err := f.poller.AddExclusive(fd, epoller.Registration{Fd: fd, Kind: epoller.KindListener, Port: rule.ListenPort}); err != nil {
		return fatalf("registering listener for port %d: %w", rule.ListenPort, err)
	}

	f.mu.Lock()
	f.listeners[fd] = rule
	f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.RulesInstalled.Inc()
	}
	return nil
}

func activatedHas(m map[uint16]int, port uint16) bool {
	_, ok := m[port]
	return ok
}

// ActivationListeners resolves the process's inherited systemd sockets, if
// any, indexed by listen port.
func ActivationListeners() map[uint16]int {
	return activation.ListenersByPort()
}

// Stats is a point-in-time snapshot for the admin surface.
type Stats struct {
	RulesInstalled     int
	ActiveSlots        int
	TotalSlotsEverUsed int
}

func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	n := len(f.listeners)
	f.mu.Unlock()
	return Stats{
		RulesInstalled:     n,
		ActiveSlots:        f.table.Active(),
		TotalSlotsEverUsed: f.table.Len(),
	}
}

func (f *Forwarder) ruleForListener(fd int) (config.Rule, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.listeners[fd]
	return r, ok
}

// Close tears down the poller and nothing else: neither Close nor the
// shutdown path in lifecycle.go closes the listening sockets or the fds and
// pipes of connection slots still in the table. Call it after Run has
// returned, or without Run ever having been called.
func (f *Forwarder) Close() error {
	return f.poller.Close()
}
