// Package diskio implements the disk worker pool (spec.md L3 / §4.3): a
// fixed pool of goroutines serializing blocking filesystem calls off the
// protocol goroutines, grounded on the bounded-goroutine-over-a-job-channel
// shape rclone's fs/sync transfer pool uses.
package diskio

import (
	"time"

	"github.com/ftpcore/engine/ftperrors"
)

// ConflictPolicy is how a disk job should resolve a target-path
// collision, spec.md §4.3.
type ConflictPolicy int

// Conflict policies.
const (
	ConflictOverwrite ConflictPolicy = iota
	ConflictResume
	ConflictAutorename
	ConflictSkip
	ConflictAsk
)

// TransferMode is the ASCII/Binary mode a job's bytes should be written
// or read as.
type TransferMode int

// Transfer modes.
const (
	ModeBinary TransferMode = iota
	ModeAscii
)

// JobKind is the closed set of disk jobs spec.md §4.3 names.
type JobKind int

// Job kinds.
const (
	JobListDir JobKind = iota
	JobOpenForWrite
	JobAppendForResume
	JobTestResumeFingerprint
	JobCloseFile
	JobDelete
	JobSetAttrs
	JobCreateDir
	JobReadForUpload
)

// DirEntry is one entry returned by a ListDir job.
type DirEntry struct {
	Name  string
	IsDir bool
	IsSymlink bool
	Size  int64
	ModTime time.Time
}

// ResultState is the outcome of a completed job, spec.md §4.3.
type ResultState int

// Result states.
const (
	ResultOk ResultState = iota
	ResultSkipped
	ResultFailed
)

// Job describes one unit of disk work. Exactly one of its payload
// fields is meaningful, selected by Kind.
type Job struct {
	Kind     JobKind
	Path     string
	Policy   ConflictPolicy
	Mode     TransferMode
	Attrs    string // e.g. a SITE CHMOD-style mode string
	Offset   int64  // resume offset for AppendForResume
	ExpectedSize    int64     // fingerprint check for TestResumeFingerprint
	ExpectedModTime time.Time // fingerprint check for TestResumeFingerprint

	// Completion carries the caller's correlation id and a channel to
	// deliver the Result on, matching spec.md §4.3 "a completion port
	// (caller's UID + message id)".
	CallerUID   int64
	MessageID   int64
	CompletionC chan Result
}

// Result is what a completed Job reports back, spec.md §4.3.
type Result struct {
	CallerUID int64
	MessageID int64
	State     ResultState
	ProblemID ftperrors.ProblemID
	Err       error

	// Payload, populated depending on the originating Job.Kind.
	Entries  []DirEntry
	FileSize int64
	Data     []byte
}
