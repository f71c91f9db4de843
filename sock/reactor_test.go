package sock

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectAndExchangeBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("220 hello\r\n"))
	}()

	r := NewReactor()
	defer r.Close()

	s, err := r.Connect("tcp", ln.Addr().String())
	require.NoError(t, err)

	var gotConnected, gotBytes bool
	deadline := time.After(2 * time.Second)
	for !gotConnected || !gotBytes {
		select {
		case ev := <-r.Events():
			if ev.UID != s.UID {
				continue
			}
			switch ev.Kind {
			case EventConnected:
				assert.NoError(t, ev.Err)
				gotConnected = true
			case EventBytesRead:
				gotBytes = true
				assert.Contains(t, string(ev.Data), "220 hello")
			}
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
	<-serverDone
}

func TestTimer(t *testing.T) {
	r := NewReactor()
	defer r.Close()
	r.SetTimer(42, 10*time.Millisecond)
	select {
	case ev := <-r.Events():
		assert.Equal(t, EventTimer, ev.Kind)
		assert.Equal(t, int64(42), ev.TimerID)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelTimer(t *testing.T) {
	r := NewReactor()
	defer r.Close()
	r.SetTimer(7, 50*time.Millisecond)
	r.CancelTimer(7)
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event after cancel: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseGracefulEmitsClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 16)
			conn.Read(buf)
		}
	}()

	r := NewReactor()
	defer r.Close()
	s, err := r.Connect("tcp", ln.Addr().String())
	require.NoError(t, err)
	// Drain the Connected event.
	<-r.Events()

	require.NoError(t, s.CloseGraceful())
	select {
	case ev := <-r.Events():
		assert.Equal(t, EventClosed, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected Closed event")
	}
}
