// Package activation adapts systemd socket activation (LISTEN_FDS) as an
// alternate source of listening sockets for forwarding rules, so a unit
// file can bind the privileged ports and hand them to the forwarder
// already open.
package activation

import (
	"os"

	"github.com/coreos/go-systemd/v22/activation"
	"golang.org/x/sys/unix"
)

// inherited keeps the *os.File values returned by the systemd activation
// package alive for the process lifetime (see ListenersByPort).
var inherited []*os.File

// ListenersByPort inspects the file descriptors systemd passed via
// LISTEN_FDS/LISTEN_FDNAMES and returns them indexed by the local TCP port
// each is bound to. Rules whose listen port appears in the returned map
// should adopt that fd instead of calling socket()/bind().
//
// It is always safe to call, even outside systemd activation: with no
// LISTEN_FDS set, activation.Files returns no listeners and this returns an
// empty map.
func ListenersByPort() map[uint16]int {
	// Keep the *os.File values referenced for the life of the process: they
	// own the inherited fds, and letting one get garbage-collected would
	// close the fd out from under the forwarder.
	inherited = activation.Files(true)

	out := make(map[uint16]int, len(inherited))
	for _, f := range inherited {
		fd := int(f.Fd())
		sa, err := unix.Getsockname(fd)
		if err != nil {
			continue
		}
		sa4, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			continue
		}
		out[uint16(sa4.Port)] = fd
	}
	return out
}
