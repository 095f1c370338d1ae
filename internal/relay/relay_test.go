package relay

import (
	"testing"

	"golang.org/x/sys/unix"
)

func mustSocketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			t.Fatalf("fcntl get: %v", err)
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			t.Fatalf("fcntl set: %v", err)
		}
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func mustPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPumpRelaysData(t *testing.T) {
	srcA, srcB := mustSocketPair(t)
	dstA, dstB := mustSocketPair(t)
	pr, pw := mustPipe(t)

	payload := []byte("hello, forwarded world")
	if _, err := unix.Write(srcB, payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	n, err := Pump(srcA, pr, pw, dstA)
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("Pump relayed %d bytes, want %d", n, len(payload))
	}

	buf := make([]byte, len(payload))
	got := 0
	for got < len(buf) {
		m, err := unix.Read(dstB, buf[got:])
		if err != nil {
			if err == unix.EAGAIN {
				continue
			}
			t.Fatalf("read: %v", err)
		}
		got += m
	}
	if string(buf) != string(payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
}

func TestPumpReturnsTransientWhenNothingReady(t *testing.T) {
	srcA, _ := mustSocketPair(t)
	dstA, _ := mustSocketPair(t)
	pr, pw := mustPipe(t)

	_, err := Pump(srcA, pr, pw, dstA)
	if err != ErrTransient {
		t.Fatalf("Pump err = %v, want ErrTransient", err)
	}
}

func TestPumpReturnsPeerClosed(t *testing.T) {
	srcA, srcB := mustSocketPair(t)
	dstA, _ := mustSocketPair(t)
	pr, pw := mustPipe(t)

	unix.Close(srcB)

	_, err := Pump(srcA, pr, pw, dstA)
	if err != ErrPeerClosed {
		t.Fatalf("Pump err = %v, want ErrPeerClosed", err)
	}
}
