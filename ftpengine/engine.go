// Package ftpengine is the top-level entry point spec.md §6 names:
// engine_start(config) -> Engine, engine.create_operation(kind, endpoint,
// roots, policies) -> Operation, and the operation lifecycle/subscribe/
// resolve_error surface. It wires together every lower layer (ctrlconn,
// diskio, scheduler, queue) the way rclone's cmd/ layer wires an
// fs.Fs/fs.Fs pair into an fs/sync.syncCopyMove or fs/operations call,
// generalized here into a long-lived, subscribable Operation instead of
// a one-shot blocking call.
package ftpengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ftpcore/engine/ctrlconn"
	"github.com/ftpcore/engine/diskio"
	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/ftplog"
	"github.com/ftpcore/engine/queue"
	"github.com/ftpcore/engine/scheduler"
	"github.com/ftpcore/engine/sock"
	"github.com/ftpcore/engine/wire"
)

// Engine is the process-wide entry point, spec.md §6 "engine_start(config)
// -> Engine". It owns nothing per-operation beyond the shared defaults
// and TLS session cache every Operation's connections draw from.
type Engine struct {
	opts ftpconfig.Options

	mu           sync.Mutex
	sessionCache tls.ClientSessionCache
	nextOpUID    uint64
}

// Start builds an Engine from opts, spec.md §6 "engine_start(config)".
func Start(opts ftpconfig.Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		opts:         opts,
		sessionCache: sock.NewSessionCache(32),
	}, nil
}

// Root is one caller-supplied source/target path for a new Operation,
// spec.md §6 "roots". For a download-side Kind (Delete/CopyDownload/
// MoveDownload/ChAttr) Remote is the server path being acted on and
// Local is the destination directory; for an upload-side Kind Local is
// the source path on disk and Remote is the destination directory.
type Root struct {
	Remote string
	Local  string

	// Attrs carries the SITE CHMOD-style mode string for a KindChAttr
	// root; unused for every other Kind.
	Attrs string
}

// CreateOperation builds and seeds a new Operation, spec.md §6
// "engine.create_operation(kind, endpoint, roots, policies)". Seeding
// classifies each root (file, directory, or symlink) up front so the
// queue can start with correctly-typed items rather than discovering
// the root's own kind as if it were an ordinary queue item.
func (e *Engine) CreateOperation(ctx context.Context, kind scheduler.Kind, endpoint ftpconfig.Endpoint, roots []Root, policies ftpconfig.Policies) (*Operation, error) {
	e.mu.Lock()
	e.nextOpUID++
	uid := e.nextOpUID
	e.mu.Unlock()

	q := queue.New()
	core := scheduler.NewOperation(uid, endpoint, kind, q, policies, e.opts.MaxTransferRate, wire.Unknown)
	disk := diskio.NewPool(e.opts.DiskWorkers)

	op := &Operation{
		core:         core,
		engine:       e,
		endpoint:     endpoint,
		disk:         disk,
		opts:         e.opts,
		sessionCache: e.sessionCache,
		stopPollC:    make(chan struct{}),
	}

	if err := op.seed(ctx, kind, roots); err != nil {
		disk.Close()
		return nil, err
	}
	return op, nil
}

// ErrorReport is handed to an Operation's ErrorHandler each time a new
// item reaches UserInputNeeded, spec.md §7 "Solve-Error dialog".
type ErrorReport struct {
	ItemUID   uint64
	ProblemID string
	Err       error
}

// ProgressHandler, ErrorHandler and CompletionHandler are the
// operation.subscribe callbacks spec.md §6 names.
type ProgressHandler func(scheduler.Progress)
type ErrorHandler func(ErrorReport)
type CompletionHandler func(scheduler.State)

// Resolution is the closed set of answers operation.resolve_error
// accepts for a UserInputNeeded item, spec.md §6/§7.
type Resolution int

// Resolutions.
const (
	ResolutionRetry Resolution = iota
	ResolutionOverwrite
	ResolutionSkip
	ResolutionResume
	ResolutionAutorename
)

func (r Resolution) forceAction() queue.ForceAction {
	switch r {
	case ResolutionOverwrite:
		return queue.ForceActionOverwrite
	case ResolutionSkip:
		return queue.ForceActionSkip
	case ResolutionResume:
		return queue.ForceActionResume
	case ResolutionAutorename:
		return queue.ForceActionAutorename
	default:
		return queue.ForceActionNone
	}
}

// Operation is the spec.md §6 "Operation" handle: a running queue plus
// the worker pool, subscription, and error-resolution surface a caller
// drives it through. Grounded on rclone's fs/sync aggregate (one queue,
// a fixed worker pool, one progress object) generalized to a long-lived,
// externally subscribable object instead of a function call that
// returns once finished.
type Operation struct {
	core         *scheduler.Operation
	engine       *Engine
	endpoint     ftpconfig.Endpoint
	disk         *diskio.Pool
	opts         ftpconfig.Options
	sessionCache tls.ClientSessionCache

	mu      sync.Mutex
	workers []*scheduler.Worker
	conns   []*ctrlconn.Conn
	started bool

	pollOnce      sync.Once
	stopPollC     chan struct{}
	seenUserInput map[uint64]bool
}

// UID returns the operation's identifier, spec.md §3 "Operation".
func (op *Operation) UID() uint64 { return op.core.UID }

// AddWorker starts one more control connection against this operation,
// spec.md §6 "operation.add_worker()". The worker's own connection and
// keep-alive prober are created fresh (spec.md §5: two workers never
// share a control connection's event channel).
func (op *Operation) AddWorker(localRoot string) *scheduler.Worker {
	reactor := sock.NewReactor()
	conn := ctrlconn.New(op.endpoint, op.opts, reactor, op.sessionCache)

	op.mu.Lock()
	id := len(op.workers) + 1
	w := scheduler.NewWorker(id, op.core, conn, op.disk, op.opts, localRoot)
	op.workers = append(op.workers, w)
	op.conns = append(op.conns, conn)
	op.mu.Unlock()

	if op.started {
		op.core.AddWorker(w)
	}
	return w
}

// StopWorker closes worker idx's control connection. The worker itself
// keeps running and keeps claiming items: the engine's cooperative stop
// signal is operation-wide (Cancel), so there is no per-worker stop, and
// the worker reconnects the next time it needs the connection — the same
// "drop and let it rebuild" behaviour spec.md §4.7 gives a broken
// connection.
func (op *Operation) StopWorker(idx int) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if idx < 0 || idx >= len(op.conns) {
		return fmt.Errorf("ftpengine: worker index %d out of range", idx)
	}
	return op.conns[idx].Close()
}

// PauseWorker implements spec.md §6 "operation.pause_worker(idx, bool)".
func (op *Operation) PauseWorker(idx int, paused bool) error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if idx < 0 || idx >= len(op.workers) {
		return fmt.Errorf("ftpengine: worker index %d out of range", idx)
	}
	op.workers[idx].Pause(paused)
	return nil
}

// Start launches every worker added so far and begins running the
// queue, spec.md §6 "operation.start()".
func (op *Operation) Start() {
	op.mu.Lock()
	if op.started {
		op.mu.Unlock()
		return
	}
	op.started = true
	workers := append([]*scheduler.Worker(nil), op.workers...)
	op.mu.Unlock()

	for _, w := range workers {
		op.core.AddWorker(w)
	}
}

// Cancel implements spec.md §6 "operation.cancel()": the operation-wide
// ShouldStop/CancelOperation signal, spec.md §5.
func (op *Operation) Cancel() {
	op.core.Stop()
}

// Wait blocks until every worker has quiesced and the queue is fully
// resolved, returning the final completion state, spec.md §3.
func (op *Operation) Wait() scheduler.State {
	state := op.core.Wait()
	ftplog.Infof(opTag(op.endpoint.String()), "operation %d finished: %s", op.core.UID, state)
	close(op.stopPollC)
	op.disk.Close()
	return state
}

// Subscribe implements spec.md §6 "operation.subscribe(progress_handler,
// error_handler, completion_handler)". Progress and new-error polling
// run on a ticker (grounded on the legacy rclone Stats.String()
// snapshot-on-demand shape, generalized into a push loop instead of a
// print-on-request one); the completion handler fires once, on a
// goroutine Subscribe starts, after Wait closes stopPollC. Subscribe must
// be called before Wait.
func (op *Operation) Subscribe(progress ProgressHandler, onError ErrorHandler, onComplete CompletionHandler) {
	op.pollOnce.Do(func() {
		op.seenUserInput = make(map[uint64]bool)
		go op.pollLoop(progress, onError)
	})
	if onComplete != nil {
		go func() {
			<-op.stopPollC
			onComplete(op.core.Snapshot().State)
		}()
	}
}

func (op *Operation) pollLoop(progress ProgressHandler, onError ErrorHandler) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-op.stopPollC:
			return
		case <-ticker.C:
			if progress != nil {
				progress(op.core.Snapshot())
			}
			if onError != nil {
				op.reportNewErrors(onError)
			}
		}
	}
}

func (op *Operation) reportNewErrors(onError ErrorHandler) {
	for _, it := range op.core.Queue.Snapshot() {
		if it.State != queue.UserInputNeeded || op.seenUserInput[it.UID] {
			continue
		}
		op.seenUserInput[it.UID] = true
		onError(ErrorReport{ItemUID: it.UID, ProblemID: it.ProblemID, Err: it.Err})
	}
}

// ResolveError implements spec.md §6 "operation.resolve_error(item_uid,
// resolution)": record the user's answer as the item's ForceAction
// override and release it back to Waiting so a worker retries it,
// spec.md §4.6 "retry_item"; ResolutionSkip marks the item Skipped
// instead.
func (op *Operation) ResolveError(itemUID uint64, resolution Resolution) error {
	if err := op.core.Queue.UpdateForceAction(itemUID, resolution.forceAction()); err != nil {
		return err
	}
	if resolution == ResolutionSkip {
		return op.core.Queue.SkipItem(itemUID)
	}
	return op.core.Queue.RetryItem(itemUID)
}

// Snapshot returns the operation's current progress, outside the
// subscribe push loop.
func (op *Operation) Snapshot() scheduler.Progress { return op.core.Snapshot() }

// opTag lets Operation-level log lines reuse ftplog's Tagger-based
// calling convention without a live connection at hand.
type opTag string

func (t opTag) String() string { return string(t) }
