package dataconn

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/ftperrors"
	"github.com/ftpcore/engine/sock"
)

// AsciiBinaryVerdict reports what is_ascii_tr_for_bin_file_problem
// decided, spec.md §4.5.1.
type AsciiBinaryVerdict struct {
	Problem    bool
	Resolution ftpconfig.AsciiBinaryPolicy
}

// DownloadResult summarizes a completed (or aborted) download, spec.md
// §4.5.1.
type DownloadResult struct {
	BytesWritten           int64
	AsciiProblem           AsciiBinaryVerdict
	ModeZTerminatorMissing bool
}

// terminatorReporter is implemented by sock's MODE Z connection; checked
// via a structural assertion so dataconn doesn't need to import sock's
// unexported concrete type.
type terminatorReporter interface {
	TerminatorMissing() bool
}

// Download drives the pipeline socket -> (TLS/MODE-Z already applied by
// the sock.Socket's stacked Filters) -> ascii-normalize? -> flush
// buffer -> disk, spec.md §4.5.1. TLS decrypt and MODE-Z decompress are
// not separate stages here: they're realized as Filters stacked on the
// socket at connect time (sock.TLSFilter, sock.ModeZFilter), so by the
// time Run reads a BytesRead event the bytes are already plaintext.
type Download struct {
	reactor *sock.Reactor
	socket  *sock.Socket
	dest    io.Writer

	asciiMode     bool
	asciiPolicy   ftpconfig.AsciiBinaryPolicy
	flushSize     int
	flushPeriod   time.Duration
	noDataTimeout time.Duration
	speed         *SpeedMeter

	canceled int32
}

// Option configures a Download.
type Option func(*Download)

// WithAsciiMode enables ASCII normalization and sets the policy used
// when a binary-file-in-ASCII-mode problem is detected.
func WithAsciiMode(policy ftpconfig.AsciiBinaryPolicy) Option {
	return func(d *Download) { d.asciiMode = true; d.asciiPolicy = policy }
}

// WithFlushBuffer overrides the default flush buffer size/period,
// spec.md §5 design constants.
func WithFlushBuffer(size int, period time.Duration) Option {
	return func(d *Download) { d.flushSize = size; d.flushPeriod = period }
}

// WithNoDataTimeout overrides the default no-data-transfer timeout.
func WithNoDataTimeout(d2 time.Duration) Option {
	return func(d *Download) { d.noDataTimeout = d2 }
}

// NewDownload builds a Download reading socket's events off reactor and
// writing to dest. set_direct_flush's "always-overwrite; no resume at
// this layer" is realized by dest already being the handle the caller
// opened (diskio.JobOpenForWrite or JobAppendForResume) before the
// transfer starts — resume offset is a REST the control connection
// issues, not a Download concern.
func NewDownload(reactor *sock.Reactor, socket *sock.Socket, dest io.Writer, opts ...Option) *Download {
	d := &Download{
		reactor:       reactor,
		socket:        socket,
		dest:          dest,
		flushSize:     ftpconfig.FlushBufferSize,
		flushPeriod:   ftpconfig.FlushTimerPeriod,
		noDataTimeout: ftpconfig.DefaultNoDataTransferTimeout,
		speed:         NewSpeedMeter(time.Now()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Speed exposes the download's speed meter.
func (d *Download) Speed() *SpeedMeter { return d.speed }

// CancelAndFlush closes the socket immediately and discards any
// buffered-but-unflushed data, spec.md §4.5.1 "cancel_and_flush()".
func (d *Download) CancelAndFlush() error {
	atomic.StoreInt32(&d.canceled, 1)
	return d.socket.CloseGraceful()
}

// Run drives the download to completion: it blocks until the data
// socket closes cleanly, the no-data timeout fires, ctx is cancelled,
// or an ASCII/binary mismatch under a Cancel/RedownloadBinary policy
// aborts the transfer.
func (d *Download) Run(ctx context.Context) (DownloadResult, error) {
	var res DownloadResult
	buf := make([]byte, 0, d.flushSize)

	flushTimer := time.NewTimer(d.flushPeriod)
	defer flushTimer.Stop()
	noDataTimer := time.NewTimer(d.noDataTimeout)
	defer noDataTimer.Stop()

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if _, err := d.dest.Write(buf); err != nil {
			return ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemTransferFailedOnCreated, err)
		}
		buf = buf[:0]
		return nil
	}

	for {
		select {
		case ev, open := <-d.reactor.Events():
			if !open {
				return res, ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemOk, fmt.Errorf("dataconn: reactor closed"))
			}
			if ev.UID != d.socket.UID {
				continue
			}
			switch ev.Kind {
			case sock.EventBytesRead:
				noDataTimer.Reset(d.noDataTimeout)
				chunk := ev.Data
				if d.asciiMode {
					chunk = normalizeCRLFToLF(chunk)
					if detectAsciiForBinaryProblem(chunk) && !res.AsciiProblem.Problem {
						res.AsciiProblem = AsciiBinaryVerdict{Problem: true, Resolution: d.asciiPolicy}
						if d.asciiPolicy == ftpconfig.AsciiBinaryCancel || d.asciiPolicy == ftpconfig.AsciiBinaryRedownloadBinary {
							return res, ftperrors.New(ftperrors.KindPolicyConflict, ftperrors.ProblemAsciiTrModeForBinFile, fmt.Errorf("ASCII transfer of binary file detected"))
						}
					}
				}
				d.speed.Record(len(chunk), time.Now())
				res.BytesWritten += int64(len(chunk))
				buf = append(buf, chunk...)
				if len(buf) >= d.flushSize {
					if err := flush(); err != nil {
						return res, err
					}
					flushTimer.Reset(d.flushPeriod)
				}
			case sock.EventClosed:
				if atomic.LoadInt32(&d.canceled) == 0 {
					if err := flush(); err != nil {
						return res, err
					}
				}
				if tr, ok := d.socket.Underlying().(terminatorReporter); ok {
					res.ModeZTerminatorMissing = tr.TerminatorMissing()
				}
				return res, ev.Err
			}
		case <-flushTimer.C:
			if err := flush(); err != nil {
				return res, err
			}
			flushTimer.Reset(d.flushPeriod)
		case <-noDataTimer.C:
			return res, ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemDataConTimeout, fmt.Errorf("dataconn: no data for %s", d.noDataTimeout))
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}
