// Package netutil provides raw-fd socket construction used by the
// forwarder's hot path. It deliberately bypasses net.Listener/net.Conn so
// the accept and connect paths can hand bare file descriptors straight to
// the epoll registration and splice relay layers.
package netutil

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking IPv4 TCP listening socket bound to port on
// all interfaces: socket, SO_REUSEADDR, bind, listen.
func Listen(port uint16) (fd int, err error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	defer func() {
		if err != nil {
			unix.Close(sock)
		}
	}()

	if err = unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err = SetNonBlocking(sock); err != nil {
		return -1, err
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err = unix.Bind(sock, addr); err != nil {
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err = unix.Listen(sock, unix.SOMAXCONN); err != nil {
		return -1, fmt.Errorf("listen: %w", err)
	}
	return sock, nil
}

// AdoptListener wraps an already-bound, already-listening fd (handed in by
// tableflip or systemd socket activation) so it can be driven through the
// same non-blocking accept path as a freshly created one.
func AdoptListener(fd int) error {
	return SetNonBlocking(fd)
}

// AdoptFromNetListener extracts the raw, non-blocking-capable fd backing a
// *net.TCPListener (as returned by tableflip's Upgrader.Listen) and hands
// ownership of a duplicate to the caller, closing the net.Listener wrapper
// once the duplicate is safely held. This lets tableflip's net.Listener-based
// socket inheritance feed the same raw-fd accept/splice path a freshly bound
// socket does.
func AdoptFromNetListener(ln net.Listener) (int, error) {
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return -1, fmt.Errorf("expected *net.TCPListener, got %T", ln)
	}
	f, err := tl.File()
	if err != nil {
		return -1, fmt.Errorf("extracting fd: %w", err)
	}
	// File() dup's the fd; closing ln afterwards does not affect f's copy.
	// Keep f referenced for the process lifetime: os.File closes its fd
	// on finalization, and this fd must outlive f's Go handle.
	keepAlive = append(keepAlive, f)

	fd := int(f.Fd())
	if err := ln.Close(); err != nil {
		return -1, fmt.Errorf("closing net.Listener wrapper: %w", err)
	}
	if err := SetNonBlocking(fd); err != nil {
		return -1, err
	}
	return fd, nil
}

var keepAlive []*os.File

// SetNonBlocking fetches fd's current fcntl flags, ORs in O_NONBLOCK, and
// sets them back.
func SetNonBlocking(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("fcntl get: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("fcntl set: %w", err)
	}
	return nil
}

// Accept4 performs a non-blocking accept on a listening socket, returning
// the new connected fd. It does not loop — callers drive it until EAGAIN.
func Accept4(listenFd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
}

// Dial connects to host:service over TCP: resolve host to candidate IPv4
// addresses, try each in order with a blocking connect, and take the first
// one that succeeds.
//
// The connect is a raw blocking syscall: it blocks the calling goroutine
// and its OS thread until the connection completes or fails. On the accept
// path that thread is a pinned dispatcher worker, which handles no other
// events meanwhile; this happens once per accepted connection.
func Dial(host, service string) (int, error) {
	addrs, err := net.LookupHost(host)
	if err != nil {
		return -1, fmt.Errorf("resolving %s: %w", host, err)
	}
	port, err := net.LookupPort("tcp", service)
	if err != nil {
		return -1, fmt.Errorf("resolving service %s: %w", service, err)
	}

	var lastErr error
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() == nil {
			continue
		}
		sock, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			lastErr = err
			continue
		}
		var sa unix.SockaddrInet4
		sa.Port = port
		copy(sa.Addr[:], ip.To4())
		if err := unix.Connect(sock, &sa); err != nil {
			unix.Close(sock)
			lastErr = err
			continue
		}
		return sock, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable address for %s", host)
	}
	return -1, fmt.Errorf("unable to connect to %s:%s: %w", host, strconv.Itoa(port), lastErr)
}
