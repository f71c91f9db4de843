// Package queue implements the operation's queue and item state machine
// (spec.md L6 / §4.6): a persistent, parent/child-accounted list of work
// items that grows as directories are explored, guarded by a coarse
// writer lock for the handful of operations that must touch several
// items consistently.
package queue

import "fmt"

// ItemType is the closed enumeration of queue item kinds, spec.md §3.
type ItemType int

// Item types.
const (
	DeleteFile ItemType = iota
	DeleteLink
	DeleteExploreDir
	DeleteDir

	CopyFileOrLink
	MoveFileOrLink
	CopyResolveLink
	MoveResolveLink

	CopyExploreDir
	MoveExploreDir

	UploadCopyFile
	UploadMoveFile
	UploadCopyExploreDir
	UploadMoveExploreDir
	UploadMoveDeleteDir

	ChAttrFile
	ChAttrDir
	ChAttrExploreDir
	ChAttrResolveLink
)

func (t ItemType) String() string {
	switch t {
	case DeleteFile:
		return "DeleteFile"
	case DeleteLink:
		return "DeleteLink"
	case DeleteExploreDir:
		return "DeleteExploreDir"
	case DeleteDir:
		return "DeleteDir"
	case CopyFileOrLink:
		return "CopyFileOrLink"
	case MoveFileOrLink:
		return "MoveFileOrLink"
	case CopyResolveLink:
		return "CopyResolveLink"
	case MoveResolveLink:
		return "MoveResolveLink"
	case CopyExploreDir:
		return "CopyExploreDir"
	case MoveExploreDir:
		return "MoveExploreDir"
	case UploadCopyFile:
		return "UploadCopyFile"
	case UploadMoveFile:
		return "UploadMoveFile"
	case UploadCopyExploreDir:
		return "UploadCopyExploreDir"
	case UploadMoveExploreDir:
		return "UploadMoveExploreDir"
	case UploadMoveDeleteDir:
		return "UploadMoveDeleteDir"
	case ChAttrFile:
		return "ChAttrFile"
	case ChAttrDir:
		return "ChAttrDir"
	case ChAttrExploreDir:
		return "ChAttrExploreDir"
	case ChAttrResolveLink:
		return "ChAttrResolveLink"
	default:
		return fmt.Sprintf("ItemType(%d)", int(t))
	}
}

// IsExploreDir reports whether t is one of the directory-expanding
// parent types that carry child-counter invariants, spec.md §3.
func (t ItemType) IsExploreDir() bool {
	switch t {
	case DeleteExploreDir, CopyExploreDir, MoveExploreDir,
		UploadCopyExploreDir, UploadMoveExploreDir, ChAttrExploreDir:
		return true
	default:
		return false
	}
}

// State is an item's lifecycle state, spec.md §4.6.
type State int

// Item states.
const (
	Waiting State = iota
	Processing
	Skipped
	Failed
	UserInputNeeded
	Done
	ForcedToFail
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case Processing:
		return "Processing"
	case Skipped:
		return "Skipped"
	case Failed:
		return "Failed"
	case UserInputNeeded:
		return "UserInputNeeded"
	case Done:
		return "Done"
	case ForcedToFail:
		return "ForcedToFail"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether s counts as resolved for parent-counter
// purposes (anything other than Waiting/Processing/UserInputNeeded).
func (s State) IsTerminal() bool {
	switch s {
	case Skipped, Failed, Done, ForcedToFail:
		return true
	default:
		return false
	}
}

// ForceAction overrides the normal conflict-resolution outcome for an
// item a user has already answered a prompt for, spec.md §4.7's
// `update_force_action`.
type ForceAction int

// Force actions.
const (
	ForceActionNone ForceAction = iota
	ForceActionOverwrite
	ForceActionSkip
	ForceActionResume
	ForceActionAutorename
)

// UploadTgtDirState tracks an upload-directory item's progress against
// the upload listing cache, spec.md §4.7 step 1.
type UploadTgtDirState int

// Upload target-directory states.
const (
	TgtDirUnknown UploadTgtDirState = iota
	TgtDirListing
	TgtDirReady
	TgtDirInaccessible
)

// Item is one queue entry: the common header spec.md §3 names plus a
// per-type payload. Unlike the original's per-type struct hierarchy,
// this is a single flat struct — Go favors one addressable type over a
// tagged union when the payload fields don't collide, and every field
// below is meaningful for at most a handful of Type values.
type Item struct {
	UID         uint64
	ParentUID   uint64 // 0 for root items
	Type        ItemType
	State       State
	ProblemID   string
	ForceAction ForceAction

	// SourcePath/SourceName locate this item's origin: the remote parent
	// directory and leaf name for every item type except Upload*, where
	// they instead locate the local parent directory and leaf name.
	SourcePath string
	SourceName string

	// TargetName is set once, possibly renamed by autorename or by a
	// user's conflict resolution. For download items it's a local
	// destination override; for Upload* items it's instead the remote
	// parent directory an upload-dir item creates into or joins (there is
	// no local destination override on upload, since the local path is
	// the transfer's own source).
	TargetName string

	// TgtDirState tracks upload-directory items against the listing
	// cache, spec.md §4.7.
	TgtDirState UploadTgtDirState

	// ChildCount/NotDone/etc. are only meaningful on explore-dir parents;
	// see Queue's invariant-preserving mutators.
	ChildCount       int
	NotDone          int
	Skipped_         int
	Failed_          int
	Done_            int
	UserInputNeeded_ int

	// Attrs carries a SITE CHMOD-style mode string for ChAttr* items.
	Attrs string

	// Err is the last error recorded against this item, if any.
	Err error
}

// IsChildCounterConsistent checks the parent-counter invariant spec.md
// §4.6 names: NotDone + Skipped + Failed + Done = ChildCount, and
// UserInputNeeded <= NotDone. Exported so Queue's debug-mode checks (and
// tests) can assert it directly.
func (it *Item) IsChildCounterConsistent() bool {
	if !it.Type.IsExploreDir() {
		return true
	}
	sum := it.NotDone + it.Skipped_ + it.Failed_ + it.Done_
	return sum == it.ChildCount && it.UserInputNeeded_ <= it.NotDone
}
