package ctrlconn

import (
	"context"
	"sync"
	"time"

	"github.com/ftpcore/engine/ftplog"
)

// Keepalive periodically probes an idle control connection so
// middleboxes/servers don't drop it, spec.md §4.4 "keep_alive_period",
// suspending around active data transfers the way a real worker would
// suspend probing while it already owns the command channel for a
// RETR/STOR. Grounded on original_source/ftp/ctrlcon5.cpp's keep-alive
// loop, which alternates NOOP and PWD depending on server quirk
// (wire.ServerFamily.KeepAliveCommand, SPEC_FULL supplement 2).
type Keepalive struct {
	conn   *Conn
	period time.Duration

	mu        sync.Mutex
	suspended bool
	stop      chan struct{}
	stopped   chan struct{}
}

// NewKeepalive builds a Keepalive prober for conn, firing every period.
func NewKeepalive(conn *Conn, period time.Duration) *Keepalive {
	if period <= 0 {
		period = time.Minute
	}
	return &Keepalive{conn: conn, period: period}
}

// Start launches the prober's background goroutine.
func (k *Keepalive) Start() {
	k.mu.Lock()
	if k.stop != nil {
		k.mu.Unlock()
		return
	}
	k.stop = make(chan struct{})
	k.stopped = make(chan struct{})
	k.mu.Unlock()
	go k.run()
}

// Stop halts the prober and waits for its goroutine to exit.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	stop := k.stop
	stopped := k.stopped
	k.stop = nil
	k.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Suspend pauses probing while the connection is busy serving a transfer.
func (k *Keepalive) Suspend() {
	k.mu.Lock()
	k.suspended = true
	k.mu.Unlock()
}

// Resume re-arms probing once the connection returns to Idle.
func (k *Keepalive) Resume() {
	k.mu.Lock()
	k.suspended = false
	k.mu.Unlock()
}

func (k *Keepalive) run() {
	defer close(k.stopped)
	ticker := time.NewTicker(k.period)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.mu.Lock()
			suspended := k.suspended
			k.mu.Unlock()
			if suspended {
				continue
			}
			if k.conn.State() != StateIdle {
				continue
			}
			k.probe()
		}
	}
}

func (k *Keepalive) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), k.conn.opts.ServerReplyTimeout)
	defer cancel()
	cmd := k.conn.ServerFamily().KeepAliveCommand()
	if _, err := k.conn.command(ctx, cmd); err != nil {
		ftplog.Debugf(k.conn, "keep-alive probe (%s) failed: %v", cmd, err)
	}
}
