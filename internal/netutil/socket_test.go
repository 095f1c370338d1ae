package netutil

import (
	"net"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"
)

func TestListenAndAccept(t *testing.T) {
	fd, err := Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })

	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("Getsockname: %v", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		t.Fatalf("unexpected sockaddr type %T", sa)
	}

	dialed := make(chan error, 1)
	go func() {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(sa4.Port)))
		if err == nil {
			conn.Close()
		}
		dialed <- err
	}()

	if err := waitReadable(fd); err != nil {
		t.Fatalf("waiting for listener to become readable: %v", err)
	}
	connFd, _, err := Accept4(fd)
	if err != nil {
		t.Fatalf("Accept4: %v", err)
	}
	unix.Close(connFd)

	if err := <-dialed; err != nil {
		t.Fatalf("dial: %v", err)
	}
}

func TestDialLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
		close(accepted)
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}

	fd, err := Dial("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	unix.Close(fd)
	<-accepted
}

func waitReadable(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, 5000)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

