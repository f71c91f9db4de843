package dataconn

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/ftperrors"
	"github.com/ftpcore/engine/sock"
)

// Design constants for the packet-size estimator, spec.md §4.5.2. Not
// named in spec.md's §5 design-constant table, so chosen conservatively:
// a 4 KiB floor keeps small-file uploads from thrashing, and the
// ceiling matches the flush buffer size used on the download side.
const (
	minPacketSize     = 4 * 1024
	maxPacketSize     = ftpconfig.FlushBufferSize
	collapseThreshold = 0.5                  // throughput below 50% of the prior window halves the chunk
	growthNumerator   = 5
	growthDenominator = 4 // grow by 25% per window that doesn't collapse
)

// PacketSizeEstimator probes upload throughput and adapts the
// write-chunk size, spec.md §4.5.2 "adaptive packet size". The first
// write after connect is discounted (it tends to just fill the kernel
// send buffer and doesn't reflect real link throughput).
type PacketSizeEstimator struct {
	mu sync.Mutex

	chunkSize        int
	tooBigPacketSize int // 0 means not yet discovered

	windowStart time.Time
	windowBytes int64
	prevBps     float64

	discountedFirstWrite bool
}

// NewPacketSizeEstimator builds an estimator starting at initial bytes.
func NewPacketSizeEstimator(initial int) *PacketSizeEstimator {
	if initial <= 0 {
		initial = maxPacketSize
	}
	return &PacketSizeEstimator{chunkSize: initial}
}

// ChunkSize returns the current recommended write-chunk size.
func (e *PacketSizeEstimator) ChunkSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chunkSize
}

// RecordWrite folds n bytes written at instant now into the estimator's
// current one-second window, adjusting chunkSize at window boundaries.
func (e *PacketSizeEstimator) RecordWrite(n int, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.discountedFirstWrite {
		e.discountedFirstWrite = true
		e.windowStart = now
		return
	}
	if e.windowStart.IsZero() {
		e.windowStart = now
	}
	e.windowBytes += int64(n)
	elapsed := now.Sub(e.windowStart)
	if elapsed < time.Second {
		return
	}

	bps := float64(e.windowBytes) / elapsed.Seconds()
	e.adjustLocked(bps)
	e.prevBps = bps
	e.windowBytes = 0
	e.windowStart = now
}

func (e *PacketSizeEstimator) adjustLocked(bps float64) {
	if e.prevBps > 0 && bps < e.prevBps*collapseThreshold {
		e.tooBigPacketSize = e.chunkSize
		e.chunkSize /= 2
		if e.chunkSize < minPacketSize {
			e.chunkSize = minPacketSize
		}
		return
	}
	grown := e.chunkSize * growthNumerator / growthDenominator
	if e.tooBigPacketSize > 0 && grown > e.tooBigPacketSize {
		grown = e.tooBigPacketSize
	}
	if grown > maxPacketSize {
		grown = maxPacketSize
	}
	if grown > e.chunkSize {
		e.chunkSize = grown
	}
}

// UploadResult summarizes a completed upload, spec.md §4.5.2.
type UploadResult struct {
	BytesSent    int64
	EndOfFile    bool
	FinalPacket  int
}

// Upload drives the pipeline disk -> read-buffer -> ascii-normalize? ->
// (MODE-Z/TLS already applied by the socket's stacked Filters) ->
// socket, spec.md §4.5.2.
type Upload struct {
	socket    *sock.Socket
	src       io.Reader
	estimator *PacketSizeEstimator
	speed     *SpeedMeter

	asciiMode bool
}

// NewUpload builds an Upload reading from src and writing to socket.
func NewUpload(socket *sock.Socket, src io.Reader, ascii bool) *Upload {
	return &Upload{
		socket:    socket,
		src:       src,
		estimator: NewPacketSizeEstimator(maxPacketSize),
		speed:     NewSpeedMeter(time.Now()),
		asciiMode: ascii,
	}
}

// Speed exposes the upload's speed meter.
func (u *Upload) Speed() *SpeedMeter { return u.speed }

// Estimator exposes the adaptive packet-size estimator, for tests and
// for callers that read the current chunk size (scheduler's throttle
// loop). It offers no way to cap the chunk size from outside.
func (u *Upload) Estimator() *PacketSizeEstimator { return u.estimator }

// Run reads src in estimator-sized chunks, normalizing ASCII line
// endings if configured, and writes each chunk to the socket until src
// is exhausted or ctx is cancelled.
func (u *Upload) Run(ctx context.Context) (UploadResult, error) {
	var res UploadResult
	readBuf := make([]byte, maxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		chunkSize := u.estimator.ChunkSize()
		if chunkSize > len(readBuf) {
			chunkSize = len(readBuf)
		}
		n, err := u.src.Read(readBuf[:chunkSize])
		if n > 0 {
			chunk := readBuf[:n]
			if u.asciiMode {
				chunk = normalizeLFToCRLF(chunk)
			}
			if sendErr := u.socket.Send(chunk); sendErr != nil {
				return res, ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemUploadUnableToStore, sendErr)
			}
			now := time.Now()
			u.estimator.RecordWrite(len(chunk), now)
			u.speed.Record(len(chunk), now)
			res.BytesSent += int64(len(chunk))
			res.FinalPacket = len(chunk)
		}
		if err != nil {
			if err == io.EOF {
				res.EndOfFile = true
				return res, nil
			}
			return res, ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemUploadUnableToStore, err)
		}
	}
}
