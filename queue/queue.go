package queue

import (
	"fmt"
	"sync"
)

// Queue is an operation's persistent work-item list with parent/child
// accounting, spec.md §4.6. All individual mutators take Queue's own
// lock, so they're safe to call standalone; LockForMoreOperations gives
// a caller a coarse batching lock on top, for the handful of call sites
// that must apply several mutations as one atomic-looking unit (spec.md
// §4.6 "a coarse writer lock that batches several of the above to keep
// counters consistent"). Grounded on rclone's fs/cache registry locking
// idiom: a sync.RWMutex guarding a map, with narrow critical sections
// per method.
type Queue struct {
	mu      sync.RWMutex
	batchMu sync.Mutex

	items   map[uint64]*Item
	order   []uint64
	nextUID uint64
}

// New builds an empty Queue.
func New() *Queue {
	return &Queue{items: make(map[uint64]*Item)}
}

// LockForMoreOperations acquires the coarse batching lock.
func (q *Queue) LockForMoreOperations() { q.batchMu.Lock() }

// UnlockMoreOperations releases the coarse batching lock.
func (q *Queue) UnlockMoreOperations() { q.batchMu.Unlock() }

func (q *Queue) nextID() uint64 {
	q.nextUID++
	return q.nextUID
}

// AddItem appends it as a new queue entry, assigning a fresh UID. If
// it.ParentUID names an existing item, the parent's ChildCount/NotDone
// are bumped to include it.
func (q *Queue) AddItem(it *Item) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	it.UID = q.nextID()
	q.items[it.UID] = it
	q.order = append(q.order, it.UID)
	if it.ParentUID != 0 {
		if parent, ok := q.items[it.ParentUID]; ok {
			parent.ChildCount++
			parent.NotDone++
		}
	}
	return it.UID
}

// ReplaceItemWithList atomically turns the item uid into a parent of
// children (e.g. a directory item whose listing just arrived), adjusting
// every ancestor's NotDone by (+len(children)-1), spec.md §4.6
// "Replacing a leaf with an expanded sub-queue must atomically adjust
// ancestors by +childCount-1 to NotDone."
func (q *Queue) ReplaceItemWithList(uid uint64, children []*Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	parent, ok := q.items[uid]
	if !ok {
		return fmt.Errorf("queue: unknown item %d", uid)
	}
	delta := len(children) - 1
	parent.ChildCount = len(children)
	parent.NotDone = len(children)
	parent.Skipped_ = 0
	parent.Failed_ = 0
	parent.Done_ = 0
	parent.UserInputNeeded_ = 0
	for _, c := range children {
		c.UID = q.nextID()
		c.ParentUID = uid
		q.items[c.UID] = c
		q.order = append(q.order, c.UID)
	}
	q.adjustAncestorsNotDoneLocked(parent.ParentUID, delta)
	return nil
}

func (q *Queue) adjustAncestorsNotDoneLocked(parentUID uint64, delta int) {
	for parentUID != 0 {
		p, ok := q.items[parentUID]
		if !ok {
			return
		}
		p.NotDone += delta
		parentUID = p.ParentUID
	}
}

// bucketDelta applies delta to the parent-counter bucket s belongs to:
// {Waiting, Processing, UserInputNeeded} all count towards NotDone (the
// invariant's NotDone+Skipped+Failed+Done=ChildCount sum), with
// UserInputNeeded additionally tracked as a UserInputNeeded_ subcount
// bounded by NotDone, spec.md §4.6.
func bucketDelta(parent *Item, s State, delta int) {
	switch s {
	case Waiting, Processing, UserInputNeeded:
		parent.NotDone += delta
	case Skipped:
		parent.Skipped_ += delta
	case Failed, ForcedToFail:
		parent.Failed_ += delta
	case Done:
		parent.Done_ += delta
	}
	if s == UserInputNeeded {
		parent.UserInputNeeded_ += delta
	}
}

// transitionLocked moves it to newState, adjusting its parent's bucket
// counters. Callers must hold q.mu.
func (q *Queue) transitionLocked(it *Item, newState State) {
	if it.State == newState {
		return
	}
	if parent, ok := q.items[it.ParentUID]; ok && it.ParentUID != 0 {
		bucketDelta(parent, it.State, -1)
		bucketDelta(parent, newState, +1)
	}
	it.State = newState
}

// UpdateState transitions uid to newState, recording problemID/err,
// spec.md §4.6 "update_state".
func (q *Queue) UpdateState(uid uint64, newState State, problemID string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[uid]
	if !ok {
		return fmt.Errorf("queue: unknown item %d", uid)
	}
	q.transitionLocked(it, newState)
	it.ProblemID = problemID
	it.Err = err
	if newState == Skipped || newState == Failed {
		q.forceFailDescendantsLocked(uid)
	}
	return nil
}

// forceFailDescendantsLocked marks every non-terminal descendant of uid
// ForcedToFail, spec.md §4.6 "children of a Skipped/Failed parent are
// ForcedToFail".
func (q *Queue) forceFailDescendantsLocked(uid uint64) {
	for _, childUID := range q.order {
		child := q.items[childUID]
		if child == nil || child.ParentUID != uid {
			continue
		}
		if !child.State.IsTerminal() {
			q.transitionLocked(child, ForcedToFail)
		}
		q.forceFailDescendantsLocked(child.UID)
	}
}

// UpdateForceAction sets the override a user's conflict-resolution
// answer recorded for uid, spec.md §4.7 "update_force_action".
func (q *Queue) UpdateForceAction(uid uint64, action ForceAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[uid]
	if !ok {
		return fmt.Errorf("queue: unknown item %d", uid)
	}
	it.ForceAction = action
	return nil
}

// UpdateTgtName renames uid's resolved target name, spec.md §4.6
// "update_tgt_name".
func (q *Queue) UpdateTgtName(uid uint64, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[uid]
	if !ok {
		return fmt.Errorf("queue: unknown item %d", uid)
	}
	it.TargetName = name
	return nil
}

// UpdateUploadTgtDirState advances uid's upload-directory state against
// the listing cache, spec.md §4.6 "update_upload_tgt_dir_state".
func (q *Queue) UpdateUploadTgtDirState(uid uint64, state UploadTgtDirState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[uid]
	if !ok {
		return fmt.Errorf("queue: unknown item %d", uid)
	}
	it.TgtDirState = state
	return nil
}

func retryable(s State) bool {
	switch s {
	case Failed, Skipped, ForcedToFail:
		return true
	default:
		return false
	}
}

// RetryItem resets uid (and any ForcedToFail descendants) back to
// Waiting, spec.md §4.6 "retry_item: a bulk operation that also
// releases children".
func (q *Queue) RetryItem(uid uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[uid]
	if !ok {
		return fmt.Errorf("queue: unknown item %d", uid)
	}
	if !retryable(it.State) {
		return fmt.Errorf("queue: item %d is not in a retryable state (%s)", uid, it.State)
	}
	q.transitionLocked(it, Waiting)
	q.releaseForcedDescendantsLocked(uid)
	return nil
}

// SkipItem marks uid Skipped (and force-fails its descendants), spec.md
// §4.6 "skip_item: a bulk operation that also releases children".
func (q *Queue) SkipItem(uid uint64) error {
	return q.UpdateState(uid, Skipped, "", nil)
}

func (q *Queue) releaseForcedDescendantsLocked(uid uint64) {
	for _, childUID := range q.order {
		child := q.items[childUID]
		if child == nil || child.ParentUID != uid {
			continue
		}
		if child.State == ForcedToFail {
			q.transitionLocked(child, Waiting)
		}
		q.releaseForcedDescendantsLocked(child.UID)
	}
}

// ClaimNextWaiting finds the first Waiting item in queue order and
// atomically transitions it to Processing, so at most one worker ever
// holds it — spec.md §4.6's debug invariant "Processing is held only by
// exactly one worker". Explore-dir items are not skipped: they're
// claimed like any other item and the worker itself decides whether to
// expand or process them.
func (q *Queue) ClaimNextWaiting() (it Item, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, u := range q.order {
		candidate := q.items[u]
		if candidate.State == Waiting {
			q.transitionLocked(candidate, Processing)
			return *candidate, true
		}
	}
	return Item{}, false
}

// SearchItemWithNewError returns the UID of the first item in
// UserInputNeeded, for a UI/caller to surface, spec.md §4.6
// "search_item_with_new_error".
func (q *Queue) SearchItemWithNewError() (uid uint64, ok bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, u := range q.order {
		if q.items[u].State == UserInputNeeded {
			return u, true
		}
	}
	return 0, false
}

// GetItemUID returns the UID at position index in insertion order,
// spec.md §4.6 "get_item_uid(index)".
func (q *Queue) GetItemUID(index int) (uid uint64, ok bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if index < 0 || index >= len(q.order) {
		return 0, false
	}
	return q.order[index], true
}

// Get returns a copy of the item uid, for callers that want a
// point-in-time snapshot without holding Queue's lock.
func (q *Queue) Get(uid uint64) (Item, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	it, ok := q.items[uid]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Len returns the number of items in the queue.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.order)
}

// Snapshot returns a point-in-time copy of every item, in insertion
// order, for display/progress purposes.
func (q *Queue) Snapshot() []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Item, 0, len(q.order))
	for _, u := range q.order {
		out = append(out, *q.items[u])
	}
	return out
}

// AllDone reports whether no item in the queue is Waiting or Processing
// (items in UserInputNeeded count as done here), i.e. the operation can
// finish, spec.md §3 "An operation... terminates when all items are
// non-waiting".
func (q *Queue) AllDone() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, u := range q.order {
		s := q.items[u].State
		if s == Waiting || s == Processing {
			return false
		}
	}
	return true
}
