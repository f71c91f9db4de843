package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/queue"
	"github.com/ftpcore/engine/wire"
)

// Kind is the closed set of operation kinds, spec.md §3 "Operation".
type Kind int

// Operation kinds.
const (
	KindDelete Kind = iota
	KindCopyDownload
	KindMoveDownload
	KindCopyUpload
	KindMoveUpload
	KindChAttr
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "Delete"
	case KindCopyDownload:
		return "CopyDownload"
	case KindMoveDownload:
		return "MoveDownload"
	case KindCopyUpload:
		return "CopyUpload"
	case KindMoveUpload:
		return "MoveUpload"
	case KindChAttr:
		return "ChAttr"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// IsUpload reports whether k transfers local disk -> server.
func (k Kind) IsUpload() bool { return k == KindCopyUpload || k == KindMoveUpload }

// IsMove reports whether k deletes the source once the transfer succeeds.
func (k Kind) IsMove() bool { return k == KindMoveDownload || k == KindMoveUpload }

// State is an operation's overall lifecycle state, spec.md §3.
type State int

// Operation states.
const (
	StateInProgress State = iota
	StateFinishedWithSkips
	StateFinishedWithErrors
	StateSuccessfullyFinished
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "InProgress"
	case StateFinishedWithSkips:
		return "FinishedWithSkips"
	case StateFinishedWithErrors:
		return "FinishedWithErrors"
	case StateSuccessfullyFinished:
		return "SuccessfullyFinished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Totals tracks an operation's byte-level progress for its snapshot.
type Totals struct {
	TotalBytes       int64
	TransferredBytes int64
}

// Progress is a point-in-time read-only view of an operation, spec.md
// §3 "progress snapshot" / §5 "one operation-progress/UI thread
// aggregates snapshots".
type Progress struct {
	UID       uint64
	State     State
	Totals    Totals
	ItemCount int
	StartedAt time.Time
}

// Operation is one queued transfer/delete/chattr job, spec.md §3.
// Grounded on rclone's fs/sync.syncCopyMove aggregate: a queue/work
// list plus a fixed worker pool plus a shared progress accounting
// object, generalized here to the engine's own Queue/Worker types.
type Operation struct {
	UID      uint64
	Endpoint ftpconfig.Endpoint
	Kind     Kind

	RootPaths []string
	Masks     []string
	Policies  ftpconfig.Policies

	Queue *queue.Queue

	SpeedLimiter *SpeedLimiter
	ListingCache *ListingCache

	mu        sync.Mutex
	state     State
	totals    Totals
	startedAt time.Time

	workers   []*Worker
	stopC     chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewOperation builds an Operation against q, ready for Start.
func NewOperation(uid uint64, endpoint ftpconfig.Endpoint, kind Kind, q *queue.Queue, policies ftpconfig.Policies, maxRate int64, pt wire.PathType) *Operation {
	return &Operation{
		UID:          uid,
		Endpoint:     endpoint,
		Kind:         kind,
		Policies:     policies,
		Queue:        q,
		SpeedLimiter: NewSpeedLimiter(maxRate),
		ListingCache: NewListingCache(pt),
		state:        StateInProgress,
		stopC:        make(chan struct{}),
	}
}

// AddTotalBytes increments the operation's total-size counter, spec.md
// §4.7 step 5 "the total-size counter is incremented by the sum of
// child file sizes".
func (op *Operation) AddTotalBytes(n int64) {
	op.mu.Lock()
	op.totals.TotalBytes += n
	op.mu.Unlock()
}

// AddTransferredBytes increments the operation's transferred counter.
func (op *Operation) AddTransferredBytes(n int64) {
	op.mu.Lock()
	op.totals.TransferredBytes += n
	op.mu.Unlock()
}

// Snapshot returns a point-in-time Progress view.
func (op *Operation) Snapshot() Progress {
	op.mu.Lock()
	defer op.mu.Unlock()
	return Progress{
		UID:       op.UID,
		State:     op.state,
		Totals:    op.totals,
		ItemCount: op.Queue.Len(),
		StartedAt: op.startedAt,
	}
}

// StopRequested reports whether CancelOperation/Stop has fired, the
// ShouldStop signal spec.md §4.7/§5 names.
func (op *Operation) StopRequested() <-chan struct{} {
	return op.stopC
}

// Stop requests every worker to cooperatively stop, spec.md §5
// "CancelOperation(uid): marks the operation; workers observe and
// stop."
func (op *Operation) Stop() {
	op.stopOnce.Do(func() { close(op.stopC) })
}

// AddWorker starts w running against this operation and tracks it for
// Wait/Stop.
func (op *Operation) AddWorker(w *Worker) {
	op.mu.Lock()
	op.workers = append(op.workers, w)
	if op.startedAt.IsZero() {
		op.startedAt = time.Now()
	}
	op.mu.Unlock()
	op.wg.Add(1)
	go func() {
		defer op.wg.Done()
		w.Run()
	}()
}

// Wait blocks until every worker has quiesced, then finalizes State
// from the queue's terminal item states, spec.md §3 "terminates when
// all items are non-waiting and all workers have quiesced".
func (op *Operation) Wait() State {
	op.wg.Wait()
	op.mu.Lock()
	defer op.mu.Unlock()
	op.state = finalState(op.Queue)
	return op.state
}

func finalState(q *queue.Queue) State {
	hasFailed, hasSkipped := false, false
	for _, it := range q.Snapshot() {
		switch it.State {
		case queue.Failed, queue.ForcedToFail:
			hasFailed = true
		case queue.Skipped:
			hasSkipped = true
		}
	}
	switch {
	case hasFailed:
		return StateFinishedWithErrors
	case hasSkipped:
		return StateFinishedWithSkips
	default:
		return StateSuccessfullyFinished
	}
}
