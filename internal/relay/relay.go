// Package relay implements the zero-copy byte shuttle between a forwarded
// connection's two sockets, using splice(2) through a staging pipe.
package relay

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// maxSpliceChunk caps a single splice call at the largest chunk a 16-bit
// length field can express, matching what the kernel's pipe buffer can hold
// in one go without extra bookkeeping.
const maxSpliceChunk = 65535

// ErrTransient reports a non-fatal, try-again condition (EAGAIN on the
// first leg of a pump call): the caller should simply wait for the next
// readiness notification.
var ErrTransient = errors.New("relay: transient, no data ready")

// ErrPeerClosed reports that the source end reached EOF; the caller should
// tear the slot down but this is not a process-level error.
var ErrPeerClosed = errors.New("relay: peer closed")

// Pump drains everything currently available on src into the pipe
// identified by (pipeR, pipeW), then drains that pipe into dst:
//
//   - the outer splice (src -> pipe) is SPLICE_F_NONBLOCK and returns as
//     soon as src has no more data buffered (EAGAIN) — that is the signal
//     this pump call is done, not an error.
//   - the inner splice (pipe -> dst) is retried with SPLICE_F_MORE until
//     everything staged in the pipe for this call has been written out,
//     so a partial write on a slow destination doesn't lose buffered bytes.
//
// Pump returns the total number of bytes relayed and a classified error:
// ErrTransient/ErrPeerClosed are expected, anything else is a real I/O
// failure the caller should treat as a reason to tear the slot down (never
// as process-fatal — see the peer-driven error classification in
// internal/forwarder).
func Pump(src, pipeR, pipeW, dst int) (int64, error) {
	var total int64
	for {
		n, err := unix.Splice(src, nil, pipeW, nil, maxSpliceChunk, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN {
				if total == 0 {
					return 0, ErrTransient
				}
				return total, nil
			}
			return total, fmt.Errorf("splice %d->pipe: %w", src, err)
		}
		if n == 0 {
			if total == 0 {
				return 0, ErrPeerClosed
			}
			return total, ErrPeerClosed
		}

		remaining := n
		for remaining > 0 {
			x, err := unix.Splice(pipeR, nil, dst, nil, int(remaining), unix.SPLICE_F_MOVE|unix.SPLICE_F_MORE|unix.SPLICE_F_NONBLOCK)
			if err != nil {
				if err == unix.EAGAIN {
					// dst isn't ready for more right now; what's staged
					// stays in the pipe for the next Pump call.
					total += n - remaining
					return total, nil
				}
				return total, fmt.Errorf("splice pipe->%d: %w", dst, err)
			}
			if x == 0 {
				// pipe unexpectedly empty; nothing left to drain this round.
				break
			}
			remaining -= int64(x)
		}
		total += n
	}
}
