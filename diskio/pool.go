package diskio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ftpcore/engine/ftperrors"
)

// OpenFile is the handle a data connection writes into or reads from,
// returned by OpenForWrite/AppendForResume/ReadForUpload completions.
type OpenFile struct {
	f *os.File
}

// Write implements io.Writer.
func (o *OpenFile) Write(p []byte) (int, error) { return o.f.Write(p) }

// Read implements io.Reader.
func (o *OpenFile) Read(p []byte) (int, error) { return o.f.Read(p) }

// Close closes the underlying file.
func (o *OpenFile) Close() error { return o.f.Close() }

// Pool is a fixed pool of worker goroutines draining a FIFO job queue,
// spec.md §4.3. Grounded on rclone's fs/sync bounded-goroutine-over-a-
// channel transfer pool shape, scoped here to disk-only jobs.
type Pool struct {
	jobs    chan *jobEnvelope
	wg      sync.WaitGroup
	handles sync.Map // CallerUID+MessageID -> *OpenFile, for jobs that open a handle
}

type jobEnvelope struct {
	job    Job
	result chan<- Result
}

// NewPool starts n worker goroutines.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{jobs: make(chan *jobEnvelope, 64)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	return p
}

// Submit enqueues job; the result is delivered on job.CompletionC.
func (p *Pool) Submit(job Job) {
	p.jobs <- &jobEnvelope{job: job, result: job.CompletionC}
}

// Close stops accepting jobs and waits for in-flight jobs to drain.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	for env := range p.jobs {
		res := p.execute(env.job)
		if env.result != nil {
			env.result <- res
		}
	}
}

func (p *Pool) execute(job Job) Result {
	res := Result{CallerUID: job.CallerUID, MessageID: job.MessageID, State: ResultOk}
	switch job.Kind {
	case JobListDir:
		return p.doListDir(job, res)
	case JobOpenForWrite:
		return p.doOpenForWrite(job, res)
	case JobAppendForResume:
		return p.doAppendForResume(job, res)
	case JobTestResumeFingerprint:
		return p.doTestResumeFingerprint(job, res)
	case JobCloseFile:
		return p.doCloseFile(job, res)
	case JobDelete:
		return p.doDelete(job, res)
	case JobSetAttrs:
		return p.doSetAttrs(job, res)
	case JobCreateDir:
		return p.doCreateDir(job, res)
	case JobReadForUpload:
		return p.doReadForUpload(job, res)
	default:
		res.State = ResultFailed
		res.Err = fmt.Errorf("diskio: unknown job kind %v", job.Kind)
		return res
	}
}

func (p *Pool) doListDir(job Job, res Result) Result {
	entries, err := os.ReadDir(job.Path)
	if err != nil {
		res.State = ResultFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemInvalidPathToDir, err)
		return res
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		info, err := e.Info()
		var size int64
		var isSymlink bool
		if err == nil {
			size = info.Size()
			isSymlink = info.Mode()&os.ModeSymlink != 0
		}
		de := DiskEntry(e.Name(), e.IsDir(), isSymlink, size)
		res.Entries = append(res.Entries, de)
	}
	return res
}

// DiskEntry constructs a DirEntry; exported for use by diskio's callers
// building synthetic listings in tests.
func DiskEntry(name string, isDir, isSymlink bool, size int64) DirEntry {
	return DirEntry{Name: name, IsDir: isDir, IsSymlink: isSymlink, Size: size}
}

func handleKey(callerUID, messageID int64) string {
	return fmt.Sprintf("%d:%d", callerUID, messageID)
}

func (p *Pool) doOpenForWrite(job Job, res Result) Result {
	if job.Policy != ConflictOverwrite && job.Policy != ConflictAutorename {
		if _, err := os.Stat(job.Path); err == nil {
			switch job.Policy {
			case ConflictSkip:
				res.State = ResultSkipped
				res.ProblemID = ftperrors.ProblemTgtFileAlreadyExists
				return res
			case ConflictResume:
				// Caller should have issued AppendForResume instead;
				// treat as a programming error surfaced to the item.
				res.State = ResultFailed
				res.ProblemID = ftperrors.ProblemTgtFileAlreadyExists
				res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemTgtFileAlreadyExists, fmt.Errorf("%s exists", job.Path))
				return res
			default:
				res.State = ResultFailed
				res.ProblemID = ftperrors.ProblemTgtFileAlreadyExists
				res.Err = ftperrors.New(ftperrors.KindPolicyConflict, ftperrors.ProblemTgtFileAlreadyExists, fmt.Errorf("%s exists", job.Path))
				return res
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(job.Path), 0o755); err != nil {
		res.State = ResultFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemCannotCreateTgtFile, err)
		return res
	}
	f, err := os.OpenFile(job.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		res.State = ResultFailed
		res.ProblemID = ftperrors.ProblemCannotCreateTgtFile
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemCannotCreateTgtFile, err)
		return res
	}
	p.handles.Store(handleKey(job.CallerUID, job.MessageID), &OpenFile{f: f})
	return res
}

func (p *Pool) doAppendForResume(job Job, res Result) Result {
	f, err := os.OpenFile(job.Path, os.O_WRONLY, 0o644)
	if err != nil {
		res.State = ResultFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemResumeTestFailed, err)
		return res
	}
	if _, err := f.Seek(job.Offset, io.SeekStart); err != nil {
		f.Close()
		res.State = ResultFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemResumeTestFailed, err)
		return res
	}
	p.handles.Store(handleKey(job.CallerUID, job.MessageID), &OpenFile{f: f})
	return res
}

// doTestResumeFingerprint verifies the local file's size/mtime match the
// fingerprint the worker cached before the transfer was interrupted,
// SPEC_FULL §1 supplement 3 (grounded on original_source/ftp/datacon.h's
// resume verification). ExpectedSize < 0 is a query form: report the
// file's current size/mtime with no comparison, used by a worker
// deciding a resume offset for the first time.
func (p *Pool) doTestResumeFingerprint(job Job, res Result) Result {
	info, err := os.Stat(job.Path)
	if err != nil {
		res.State = ResultFailed
		res.ProblemID = ftperrors.ProblemResumeTestFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemResumeTestFailed, err)
		return res
	}
	if job.ExpectedSize < 0 {
		res.FileSize = info.Size()
		return res
	}
	if info.Size() != job.ExpectedSize {
		res.State = ResultFailed
		res.ProblemID = ftperrors.ProblemResumeTestFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemResumeTestFailed,
			fmt.Errorf("local size %d != expected %d", info.Size(), job.ExpectedSize))
		return res
	}
	if !job.ExpectedModTime.IsZero() && !info.ModTime().Equal(job.ExpectedModTime) {
		res.State = ResultFailed
		res.ProblemID = ftperrors.ProblemResumeTestFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemResumeTestFailed,
			fmt.Errorf("local mtime %v != expected %v", info.ModTime(), job.ExpectedModTime))
		return res
	}
	res.FileSize = info.Size()
	return res
}

func (p *Pool) doCloseFile(job Job, res Result) Result {
	key := handleKey(job.CallerUID, job.MessageID)
	v, ok := p.handles.LoadAndDelete(key)
	if !ok {
		return res
	}
	if err := v.(*OpenFile).Close(); err != nil {
		res.State = ResultFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemTransferFailedOnCreated, err)
	}
	return res
}

func (p *Pool) doDelete(job Job, res Result) Result {
	if err := os.RemoveAll(job.Path); err != nil {
		res.State = ResultFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemOk, err)
	}
	return res
}

func (p *Pool) doSetAttrs(job Job, res Result) Result {
	// Local attribute mirroring is best-effort; unsupported modes
	// surface as UnknownAttrs per spec.md §4.6.
	mode, err := parseUnixMode(job.Attrs)
	if err != nil {
		res.State = ResultFailed
		res.ProblemID = ftperrors.ProblemUnknownAttrs
		res.Err = ftperrors.New(ftperrors.KindPolicyConflict, ftperrors.ProblemUnknownAttrs, err)
		return res
	}
	if err := os.Chmod(job.Path, mode); err != nil {
		res.State = ResultFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemOk, err)
	}
	return res
}

func parseUnixMode(s string) (os.FileMode, error) {
	var mode uint32
	if _, err := fmt.Sscanf(s, "%o", &mode); err != nil {
		return 0, fmt.Errorf("diskio: invalid mode %q: %w", s, err)
	}
	return os.FileMode(mode), nil
}

func (p *Pool) doCreateDir(job Job, res Result) Result {
	if job.Policy == ConflictSkip {
		if info, err := os.Stat(job.Path); err == nil && info.IsDir() {
			res.State = ResultSkipped
			return res
		}
	}
	if err := os.MkdirAll(job.Path, 0o755); err != nil {
		res.State = ResultFailed
		res.ProblemID = ftperrors.ProblemUploadCannotCreateTgtDir
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemUploadCannotCreateTgtDir, err)
	}
	return res
}

func (p *Pool) doReadForUpload(job Job, res Result) Result {
	f, err := os.Open(job.Path)
	if err != nil {
		res.State = ResultFailed
		res.Err = ftperrors.New(ftperrors.KindLocalFilesystem, ftperrors.ProblemUploadUnableToStore, err)
		return res
	}
	p.handles.Store(handleKey(job.CallerUID, job.MessageID), &OpenFile{f: f})
	return res
}

// Handle returns the open file handle a prior Open/Append/ReadForUpload
// job produced for (callerUID, messageID), if still open.
func (p *Pool) Handle(callerUID, messageID int64) (*OpenFile, bool) {
	v, ok := p.handles.Load(handleKey(callerUID, messageID))
	if !ok {
		return nil, false
	}
	return v.(*OpenFile), true
}
