package epoller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestWaitSeesReadablePipe(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := p.Add(fds[0], Registration{Fd: fds[0], Kind: KindUpstream, SlotID: 42}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if events[0].SlotID != 42 || !events[0].Readable {
		t.Errorf("event = %+v", events[0])
	}
}

func TestWake(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	p.Wake()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Wake")
	}
}

func TestRemoveStopsDelivery(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if err := p.Add(fds[0], Registration{Fd: fds[0]}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	p.Remove(fds[0])

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	done := make(chan []Event, 1)
	go func() {
		ev, _ := p.Wait()
		done <- ev
	}()

	select {
	case ev := <-done:
		if len(ev) != 0 {
			t.Errorf("expected no events after Remove, got %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
		// No event delivered before timeout is also an acceptable pass —
		// the fd is no longer registered so Wait may simply block.
		p.Wake()
		<-done
	}
}
