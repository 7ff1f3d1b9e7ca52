package wire

import (
	"net"
	"testing"
	"time"
)

func TestConn_SendRecv(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	defer ca.Close()
	defer cb.Close()

	go func() {
		_ = ca.Send("p1 GROUPS")
		_ = ca.Send("p1 BYE")
	}()

	for _, want := range []string{"p1 GROUPS", "p1 BYE"} {
		got, err := cb.Recv(time.Second)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestConn_RecvTimeoutKeepsPartialLine(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	cb := NewConn(b)
	defer a.Close()
	defer cb.Close()

	go func() { _, _ = a.Write([]byte("p1 GRO")) }()

	if _, err := cb.Recv(50 * time.Millisecond); !IsTimeout(err) {
		t.Fatalf("want timeout, got %v", err)
	}

	go func() { _, _ = a.Write([]byte("UPS\n")) }()
	var got string
	var err error
	for i := 0; i < 20; i++ {
		got, err = cb.Recv(100 * time.Millisecond)
		if !IsTimeout(err) {
			break
		}
	}
	if err != nil || got != "p1 GROUPS" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestConn_SendRejectsNewline(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := NewConn(a).Send("a\nb"); err != ErrMultiline {
		t.Fatalf("want ErrMultiline, got %v", err)
	}
}
