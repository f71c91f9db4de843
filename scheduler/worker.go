package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ftpcore/engine/ctrlconn"
	"github.com/ftpcore/engine/dataconn"
	"github.com/ftpcore/engine/diskio"
	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/ftperrors"
	"github.com/ftpcore/engine/ftplog"
	"github.com/ftpcore/engine/queue"
	"github.com/ftpcore/engine/sock"
	"github.com/ftpcore/engine/wire"
)

// OuterState is a worker's coarse outer state machine, spec.md §4.7
// "Preparing -> LookingForWork -> Working -> (LookingForWork | Stopped)".
type OuterState int

// Outer states.
const (
	Preparing OuterState = iota
	LookingForWork
	Working
	Reconnecting
	Stopped
)

func (s OuterState) String() string {
	switch s {
	case Preparing:
		return "Preparing"
	case LookingForWork:
		return "LookingForWork"
	case Working:
		return "Working"
	case Reconnecting:
		return "Reconnecting"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("OuterState(%d)", int(s))
	}
}

// maxItemAttempts bounds how many times processItem re-runs one item's
// dispatch after a retriable error, spec.md §7 "retry locally (small
// number of attempts bounded by totalAttemptNum), retry after
// reconnect...". Each retry beyond the first goes through a reconnect
// (forced immediate for TLS-fatal/ReuseSSLSessionFailed, otherwise the
// connection's own backoff) before the item is re-attempted from
// scratch, spec.md §4.4 E2E scenario 5.
const maxItemAttempts = 3

// errSkip signals a handler resolved the item via a Skip conflict
// policy rather than failing it.
var errSkip = errors.New("scheduler: item skipped by policy")

// errNeedsInput signals a handler hit a conflict whose policy is Ask;
// the caller marks the item UserInputNeeded instead of Failed.
type errNeedsInput struct {
	problem ftperrors.ProblemID
}

func (e *errNeedsInput) Error() string { return fmt.Sprintf("scheduler: needs input (%s)", e.problem) }

// Worker drives one control connection through the items its operation
// hands it, spec.md L7 / §4.7. Grounded on rclone's fs/sync per-transfer
// goroutine pulled off a shared channel (transfer.go's `pipe`
// producer/consumer), generalized here to a queue with parent/child
// expansion instead of a flat file list.
type Worker struct {
	ID    int
	op    *Operation
	conn  *ctrlconn.Conn
	ka    *ctrlconn.Keepalive
	disk  *diskio.Pool
	opts  ftpconfig.Options

	preferEPSV bool
	localRoot  string

	quitSent int32
	msgSeq   int64

	state OuterState

	pauseGate atomic.Value // chan struct{}, closed while not paused
}

// NewWorker builds a Worker for op, driving conn against disk.
func NewWorker(id int, op *Operation, conn *ctrlconn.Conn, disk *diskio.Pool, opts ftpconfig.Options, localRoot string) *Worker {
	w := &Worker{
		ID:         id,
		op:         op,
		conn:       conn,
		ka:         ctrlconn.NewKeepalive(conn, opts.KeepAlivePeriod),
		disk:       disk,
		opts:       opts,
		preferEPSV: true,
		localRoot:  localRoot,
		state:      Preparing,
	}
	w.pauseGate.Store(closedGate())
	return w
}

func closedGate() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// State returns the worker's current outer state.
func (w *Worker) State() OuterState { return w.state }

// Pause implements spec.md §5's PauseWorkers: while paused, the worker
// claims no new queue item but keeps its control connection (and
// keep-alive) up. A transfer already in flight runs to completion
// before the pause takes hold, since spec.md's sub-state machine isn't
// a safe suspension point mid-byte-stream.
func (w *Worker) Pause(paused bool) {
	if paused {
		w.pauseGate.Store(make(chan struct{}))
		return
	}
	w.pauseGate.Store(closedGate())
}

// waitIfPaused blocks until Pause(false), the operation stops, or ctx is
// done.
func (w *Worker) waitIfPaused(ctx context.Context) {
	for {
		gate, _ := w.pauseGate.Load().(chan struct{})
		select {
		case <-gate:
			return
		case <-w.op.StopRequested():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Run drives the worker's outer loop until the operation is stopped or
// no more work remains, spec.md §4.7.
func (w *Worker) Run() {
	w.state = Preparing
	ctx := context.Background()
	if err := w.conn.EnsureConnected(ctx); err != nil {
		ftplog.Errorf(w.conn, "worker %d: could not prepare control connection: %v", w.ID, err)
		w.state = Stopped
		return
	}
	w.ka.Start()
	defer w.ka.Stop()

	w.state = LookingForWork
	for {
		select {
		case <-w.op.StopRequested():
			w.shutdown(ctx)
			return
		default:
		}

		w.waitIfPaused(ctx)
		select {
		case <-w.op.StopRequested():
			w.shutdown(ctx)
			return
		default:
		}

		it, ok := w.op.Queue.ClaimNextWaiting()
		if !ok {
			w.state = Stopped
			return
		}

		w.state = Working
		w.processItem(ctx, it)
		w.state = LookingForWork
	}
}

// shutdown implements spec.md §4.7 "Stop/cancel semantics" for the run
// loop: it closes the control connection (QUIT at most once, gated by
// quitSent) and marks the worker Stopped. Run calls it only between
// items, so no item is held at that point; an item already in progress
// when a stop is requested runs to completion first and is not returned
// to Waiting.
func (w *Worker) shutdown(ctx context.Context) {
	if atomic.CompareAndSwapInt32(&w.quitSent, 0, 1) {
		_ = w.conn.Close()
	}
	w.state = Stopped
}

func (w *Worker) nextMsgID() int64 { return atomic.AddInt64(&w.msgSeq, 1) }

func (w *Worker) doDiskMsg(job diskio.Job, msgID int64) diskio.Result {
	job.CallerUID = int64(w.ID)
	job.MessageID = msgID
	c := make(chan diskio.Result, 1)
	job.CompletionC = c
	w.disk.Submit(job)
	return <-c
}

func (w *Worker) doDisk(job diskio.Job) diskio.Result {
	return w.doDiskMsg(job, w.nextMsgID())
}

// processItem runs it to completion, reconnecting and re-attempting it
// from scratch a bounded number of times on a retriable error (spec.md
// §4.4/§7, E2E scenario 5), then resolves its final queue state. A
// handler returning nil means Done; errSkip means Skipped;
// *errNeedsInput means UserInputNeeded; anything else is Failed with
// the error's ProblemID (Ok if unclassified).
func (w *Worker) processItem(ctx context.Context, it queue.Item) {
	err := w.runItemWithReconnect(ctx, it)
	switch {
	case err == nil:
		_ = w.op.Queue.UpdateState(it.UID, queue.Done, "", nil)
	case errors.Is(err, errSkip):
		_ = w.op.Queue.UpdateState(it.UID, queue.Skipped, "", nil)
	default:
		var needsInput *errNeedsInput
		if errors.As(err, &needsInput) {
			_ = w.op.Queue.UpdateState(it.UID, queue.UserInputNeeded, string(needsInput.problem), err)
			return
		}
		problem, ferr := ftperrors.ProblemOk, err
		if fe, ok := ftperrors.AsFTPError(err); ok {
			problem, ferr = fe.ProblemID, fe
		}
		_ = w.op.Queue.UpdateState(it.UID, queue.Failed, string(problem), ferr)
	}
}

// runItemWithReconnect dispatches it up to maxItemAttempts times,
// reconnecting between attempts whenever the failure is one a worker is
// expected to recover from by reconnecting rather than by failing the
// item outright.
func (w *Worker) runItemWithReconnect(ctx context.Context, it queue.Item) error {
	var err error
	for attempt := 1; attempt <= maxItemAttempts; attempt++ {
		err = w.dispatch(ctx, it)
		if err == nil || errors.Is(err, errSkip) {
			return err
		}
		var needsInput *errNeedsInput
		if errors.As(err, &needsInput) {
			return err
		}
		if ctx.Err() != nil || !ftperrors.IsRetriable(err) || attempt == maxItemAttempts {
			return err
		}

		w.state = Reconnecting
		var rerr error
		if ftperrors.ShouldReconnectNow(err) {
			rerr = w.conn.ForceReconnect(ctx)
		} else {
			rerr = w.conn.EnsureConnected(ctx)
		}
		w.state = Working
		if rerr != nil {
			return rerr
		}
		ftplog.Debugf(w.conn, "worker %d: reconnected, re-attempting item %d (attempt %d/%d)", w.ID, it.UID, attempt+1, maxItemAttempts)
	}
	return err
}

// dispatch routes it to its type-specific handler, spec.md §4.7's item
// sub-state machine collapsed here into one synchronous call per item:
// since a worker is single-threaded with respect to its own events
// (spec.md §5), the whole fwssWork* walkthrough for one item can run as
// a straight-line function without losing the "one event at a time"
// property the spec's explicit sub-states exist to express.
func (w *Worker) dispatch(ctx context.Context, it queue.Item) error {
	switch it.Type {
	case queue.DeleteFile, queue.DeleteLink:
		return w.deleteRemote(ctx, it)
	case queue.DeleteDir:
		return w.deleteRemoteDir(ctx, it)
	case queue.DeleteExploreDir:
		return w.expandDeleteDir(ctx, it)
	case queue.CopyFileOrLink, queue.MoveFileOrLink:
		return w.downloadFileItem(ctx, it)
	case queue.CopyResolveLink, queue.MoveResolveLink:
		return w.resolveLinkItem(ctx, it)
	case queue.CopyExploreDir, queue.MoveExploreDir:
		return w.expandDownloadDir(ctx, it)
	case queue.UploadCopyFile, queue.UploadMoveFile:
		return w.uploadFileItem(ctx, it)
	case queue.UploadCopyExploreDir, queue.UploadMoveExploreDir:
		return w.expandUploadDir(ctx, it)
	case queue.UploadMoveDeleteDir:
		return w.deleteLocalDir(ctx, it)
	case queue.ChAttrFile, queue.ChAttrDir, queue.ChAttrResolveLink:
		return w.chattrItem(ctx, it)
	case queue.ChAttrExploreDir:
		return w.expandChAttrDir(ctx, it)
	default:
		return fmt.Errorf("scheduler: unhandled item type %s", it.Type)
	}
}

func (w *Worker) remotePath(it queue.Item) string {
	return wire.Append(w.conn.PathType(), it.SourcePath, it.SourceName)
}

func (w *Worker) localPath(it queue.Item) string {
	if it.TargetName != "" {
		return it.TargetName
	}
	return filepath.Join(w.localRoot, it.SourceName)
}

// uploadLocalPath resolves an upload item's local source: SourcePath is
// always the local parent directory for Upload* items, SourceName its
// own base name; TargetName on these items instead carries the
// (possibly renamed) remote destination, so it plays no part here,
// unlike localPath's download-side convention.
func (w *Worker) uploadLocalPath(it queue.Item) string {
	return filepath.Join(it.SourcePath, it.SourceName)
}

func (w *Worker) deleteRemote(ctx context.Context, it queue.Item) error {
	cmd := wire.CmdDELE
	reply, err := w.conn.SendTransferCommand(ctx, cmd, w.remotePath(it))
	_ = reply
	return err
}

func (w *Worker) deleteRemoteDir(ctx context.Context, it queue.Item) error {
	_, err := w.conn.SendTransferCommand(ctx, wire.CmdRMD, w.remotePath(it))
	return err
}

// expandDeleteDir lists a remote directory and replaces itself with one
// child per entry plus a trailing DeleteDir item for itself, mirroring
// spec.md §4.7 step 5's upload-directory walkthrough pattern applied to
// plain deletes.
func (w *Worker) expandDeleteDir(ctx context.Context, it queue.Item) error {
	entries, err := w.listRemoteDir(ctx, w.remotePath(it))
	if err != nil {
		return err
	}
	children := make([]*queue.Item, 0, len(entries)+1)
	for _, e := range entries {
		child := &queue.Item{SourcePath: w.remotePath(it), SourceName: e.Name, State: queue.Waiting}
		switch e.Type {
		case wire.ListEntryDir:
			child.Type = queue.DeleteExploreDir
		case wire.ListEntryLink:
			child.Type = queue.DeleteLink
		default:
			child.Type = queue.DeleteFile
		}
		children = append(children, child)
	}
	children = append(children, &queue.Item{
		Type: queue.DeleteDir, State: queue.Waiting,
		SourcePath: it.SourcePath, SourceName: it.SourceName,
	})
	return w.op.Queue.ReplaceItemWithList(it.UID, children)
}

func (w *Worker) listRemoteDir(ctx context.Context, path string) ([]wire.ListEntry, error) {
	if err := w.conn.SetTransferMode(ctx, ftpconfig.TransferModeAscii); err != nil {
		return nil, err
	}
	plan, err := w.conn.PrepareDataChannel(ctx, w.preferEPSV)
	if err != nil {
		return nil, err
	}
	if _, err := w.conn.SendTransferCommand(ctx, wire.CmdMLSD, path); err != nil {
		return nil, err
	}
	body, err := w.receiveListing(ctx, plan)
	if err != nil {
		return nil, err
	}
	if _, err := w.conn.AwaitTransferComplete(ctx); err != nil {
		return nil, err
	}
	entries := wire.ParseMLSD(body)
	if len(entries) == 0 && len(body) > 0 {
		entries = wire.ParseUnixList(body)
	}
	return entries, nil
}

func (w *Worker) receiveListing(ctx context.Context, plan DataChannelPlan) ([]byte, error) {
	w.ka.Suspend()
	defer w.ka.Resume()
	socket, err := w.dialData(plan)
	if err != nil {
		return nil, err
	}
	var buf []byte
	var dest byteSink
	dest.buf = &buf
	dl := dataconn.NewDownload(w.conn.Reactor(), socket, &dest, dataconn.WithNoDataTimeout(w.opts.NoDataTransferTimeout))
	if _, err := dl.Run(ctx); err != nil {
		return nil, err
	}
	return buf, nil
}

// byteSink is an io.Writer collecting a listing body in memory.
type byteSink struct{ buf *[]byte }

func (b *byteSink) Write(p []byte) (int, error) {
	*b.buf = append(*b.buf, p...)
	return len(p), nil
}

// DataChannelPlan is a local alias avoiding an import cycle concern;
// ctrlconn.DataChannelPlan has the same shape.
type DataChannelPlan = ctrlconn.DataChannelPlan

// dialData opens a data connection for plan through w.conn's reactor,
// stacking the control connection's negotiated TLS/MODE-Z filters
// (spec.md §4.2/§4.5.1) and, for TLS, verifying the session was actually
// reused before handing the socket back. A failed reuse classifies as
// ReuseSSLSessionFailed so the caller can force a reconnect rather than
// run a transfer over a connection the server silently re-handshook.
func (w *Worker) dialData(plan DataChannelPlan) (*sock.Socket, error) {
	addr := fmt.Sprintf("%s:%d", plan.IP, plan.Port)
	socket, err := w.conn.Reactor().Connect("tcp", addr, w.conn.DataFilters()...)
	if err != nil {
		return nil, ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemOk, err)
	}
	if err := w.conn.VerifyDataTLS(socket); err != nil {
		_ = socket.CloseGraceful()
		return nil, err
	}
	return socket, nil
}

func (w *Worker) downloadFileItem(ctx context.Context, it queue.Item) error {
	localPath := w.localPath(it)
	policy := w.conflictPolicyForDownload(it, localPath)
	if policy == diskio.ConflictAsk {
		return &errNeedsInput{problem: ftperrors.ProblemTgtFileAlreadyExists}
	}
	if policy == diskio.ConflictSkip {
		return errSkip
	}

	var resumeOffset int64 = -1
	if policy == diskio.ConflictResume {
		fp := w.doDisk(diskio.Job{Kind: diskio.JobTestResumeFingerprint, Path: localPath, ExpectedSize: -1})
		if fp.State != diskio.ResultOk {
			return fp.Err
		}
		resumeOffset = fp.FileSize
	}

	msgID := w.nextMsgID()
	var res diskio.Result
	if policy == diskio.ConflictResume {
		res = w.doDiskMsg(diskio.Job{Kind: diskio.JobAppendForResume, Path: localPath, Offset: resumeOffset}, msgID)
	} else {
		res = w.doDiskMsg(diskio.Job{Kind: diskio.JobOpenForWrite, Path: localPath, Policy: policy}, msgID)
	}
	if res.State == diskio.ResultSkipped {
		return errSkip
	}
	if res.State != diskio.ResultOk {
		return res.Err
	}
	handle, _ := w.disk.Handle(int64(w.ID), msgID)
	defer w.doDiskMsg(diskio.Job{Kind: diskio.JobCloseFile}, msgID)

	if err := w.conn.SetTransferMode(ctx, w.transferModeFor(it)); err != nil {
		return err
	}
	plan, err := w.conn.PrepareDataChannel(ctx, w.preferEPSV)
	if err != nil {
		return err
	}
	if resumeOffset > 0 {
		if err := w.conn.RestartAt(ctx, resumeOffset); err != nil {
			return err
		}
	}
	if _, err := w.conn.SendTransferCommand(ctx, wire.CmdRETR, w.remotePath(it)); err != nil {
		return err
	}

	w.ka.Suspend()
	socket, err := w.dialData(plan)
	if err != nil {
		w.ka.Resume()
		return err
	}
	opts := []dataconn.Option{dataconn.WithNoDataTimeout(w.opts.NoDataTransferTimeout)}
	if w.transferModeFor(it) == ftpconfig.TransferModeAscii {
		opts = append(opts, dataconn.WithAsciiMode(w.opts.Policies.AsciiTrModeForBin))
	}
	dl := dataconn.NewDownload(w.conn.Reactor(), socket, handle, opts...)
	dres, err := dl.Run(ctx)
	w.ka.Resume()
	if err != nil {
		return err
	}
	w.op.AddTransferredBytes(dres.BytesWritten)

	if _, err := w.conn.AwaitTransferComplete(ctx); err != nil {
		return err
	}
	if it.Type == queue.MoveFileOrLink {
		return w.deleteRemote(ctx, it)
	}
	return nil
}

// conflictPolicyForDownload resolves a target-file collision, consulting
// it.ForceAction first: a user's resolve_error answer for this specific
// item (spec.md §6 "operation.resolve_error") overrides the operation's
// blanket policy for the retry that follows.
func (w *Worker) conflictPolicyForDownload(it queue.Item, localPath string) diskio.ConflictPolicy {
	switch it.ForceAction {
	case queue.ForceActionOverwrite:
		return diskio.ConflictOverwrite
	case queue.ForceActionSkip:
		return diskio.ConflictSkip
	case queue.ForceActionResume:
		return diskio.ConflictResume
	case queue.ForceActionAutorename:
		return diskio.ConflictAutorename
	}
	switch w.opts.Policies.FileAlreadyExists {
	case ftpconfig.FileExistsOverwrite:
		return diskio.ConflictOverwrite
	case ftpconfig.FileExistsResume, ftpconfig.FileExistsResumeOrOverwrite:
		return diskio.ConflictResume
	case ftpconfig.FileExistsAutorename:
		return diskio.ConflictAutorename
	case ftpconfig.FileExistsSkip:
		return diskio.ConflictSkip
	default:
		return diskio.ConflictAsk
	}
}

func (w *Worker) transferModeFor(it queue.Item) ftpconfig.TransferMode {
	if w.opts.TransferModeDefault == ftpconfig.TransferModeAutodetect {
		for _, mask := range w.opts.AsciiMask {
			if mask == filepath.Ext(it.SourceName) {
				return ftpconfig.TransferModeAscii
			}
		}
		return ftpconfig.TransferModeBinary
	}
	return w.opts.TransferModeDefault
}

// resolveLinkItem sends CWD into the link's path to test whether the
// server resolves it as a directory, spec.md §4.7 step 2 "ResolveLink:
// send CWD TgtPath/link; success => treated as directory; permanent
// error => treated as file".
func (w *Worker) resolveLinkItem(ctx context.Context, it queue.Item) error {
	path := w.remotePath(it)
	if err := w.conn.ChangeWorkingDir(ctx, path); err != nil {
		if fe, ok := ftperrors.AsFTPError(err); ok && fe.Kind == ftperrors.KindPermanentProtocol {
			return w.downloadFileItem(ctx, it)
		}
		return err
	}
	return w.expandDownloadDir(ctx, it)
}

func (w *Worker) expandDownloadDir(ctx context.Context, it queue.Item) error {
	entries, err := w.listRemoteDir(ctx, w.remotePath(it))
	if err != nil {
		return err
	}
	// it arrives here either already typed CopyExploreDir/MoveExploreDir
	// (recursive descent) or still CopyResolveLink/MoveResolveLink (a
	// root or a symlink that just resolved to a directory), so the
	// move/copy decision is read off either pair rather than assuming
	// it.Type is always the ExploreDir variant.
	isMove := it.Type == queue.MoveExploreDir || it.Type == queue.MoveResolveLink
	dirType, fileType, linkType := queue.CopyExploreDir, queue.CopyFileOrLink, queue.CopyResolveLink
	if isMove {
		dirType, fileType, linkType = queue.MoveExploreDir, queue.MoveFileOrLink, queue.MoveResolveLink
	}
	children := make([]*queue.Item, 0, len(entries))
	for _, e := range entries {
		child := &queue.Item{SourcePath: w.remotePath(it), SourceName: e.Name, State: queue.Waiting}
		switch e.Type {
		case wire.ListEntryDir:
			child.Type = dirType
		case wire.ListEntryLink:
			child.Type = linkType
		default:
			child.Type = fileType
			w.op.AddTotalBytes(e.Size)
		}
		children = append(children, child)
	}
	return w.op.Queue.ReplaceItemWithList(it.UID, children)
}

func (w *Worker) uploadFileItem(ctx context.Context, it queue.Item) error {
	localPath := w.uploadLocalPath(it)
	msgID := w.nextMsgID()
	res := w.doDiskMsg(diskio.Job{Kind: diskio.JobReadForUpload, Path: localPath}, msgID)
	if res.State != diskio.ResultOk {
		return res.Err
	}
	handle, _ := w.disk.Handle(int64(w.ID), msgID)
	defer w.doDiskMsg(diskio.Job{Kind: diskio.JobCloseFile}, msgID)

	if err := w.conn.SetTransferMode(ctx, w.transferModeFor(it)); err != nil {
		return err
	}
	plan, err := w.conn.PrepareDataChannel(ctx, w.preferEPSV)
	if err != nil {
		return err
	}
	// it.TargetName, when set, names the remote destination *directory*
	// (the canonical path a dir-expansion already resolved and handed to
	// this child) and it.SourceName supplies the leaf name; it.SourcePath
	// is always the local parent directory for upload items, unlike
	// remotePath()'s download-side convention. A root file item with no
	// TargetName has no remote directory to change into: STOR with a bare
	// name lands in the connection's current working directory.
	remotePath := it.SourceName
	if it.TargetName != "" {
		remotePath = wire.Append(w.conn.PathType(), it.TargetName, it.SourceName)
	}
	if _, err := w.conn.SendTransferCommand(ctx, wire.CmdSTOR, remotePath); err != nil {
		return err
	}

	w.ka.Suspend()
	socket, err := w.dialData(plan)
	if err != nil {
		w.ka.Resume()
		return err
	}
	up := dataconn.NewUpload(socket, handle, w.transferModeFor(it) == ftpconfig.TransferModeAscii)
	throttleCtx, stopThrottle := context.WithCancel(ctx)
	go w.throttle(throttleCtx, up)
	ures, err := up.Run(ctx)
	stopThrottle()
	w.ka.Resume()
	if err != nil {
		return err
	}
	w.op.AddTransferredBytes(ures.BytesSent)

	if _, err := w.conn.AwaitTransferComplete(ctx); err != nil {
		return err
	}
	if it.Type == queue.UploadMoveFile {
		w.doDisk(diskio.Job{Kind: diskio.JobDelete, Path: localPath})
	}
	return nil
}

// throttle draws the upload's current adaptive chunk size from the
// operation's shared SpeedLimiter every 200ms while the upload runs,
// SPEC_FULL supplement 4. It neither resizes the upload's chunks nor
// blocks its writes, so the limiter does not bound the upload's own
// throughput.
func (w *Worker) throttle(ctx context.Context, up *dataconn.Upload) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.op.SpeedLimiter.Wait(ctx, up.Estimator().ChunkSize()); err != nil {
				return
			}
		}
	}
}

// expandUploadDir implements spec.md §4.7's detailed upload-copy/move-
// directory walkthrough.
func (w *Worker) expandUploadDir(ctx context.Context, it queue.Item) error {
	key := Key(w.op.Endpoint.String(), it.TargetName, w.conn.PathType())

	switch it.TgtDirState {
	case queue.TgtDirUnknown:
		isOwner, waitC, _ := w.op.ListingCache.Claim(key)
		if !isOwner {
			if waitC != nil {
				_ = w.op.Queue.UpdateUploadTgtDirState(it.UID, queue.TgtDirListing)
				select {
				case <-waitC:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return w.expandUploadDirRetry(ctx, it)
		}
		entries, err := w.listRemoteDir(ctx, it.TargetName)
		if err != nil {
			w.op.ListingCache.Complete(key, ListingInaccessible, nil)
			return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemUploadCannotListTgtPath, err)
		}
		w.op.ListingCache.Complete(key, ListingReady, entries)
		return w.expandUploadDirRetry(ctx, it)

	case queue.TgtDirListing:
		return w.expandUploadDirRetry(ctx, it)

	default:
		return w.expandUploadDirRetry(ctx, it)
	}
}

func (w *Worker) expandUploadDirRetry(ctx context.Context, it queue.Item) error {
	key := Key(w.op.Endpoint.String(), it.TargetName, w.conn.PathType())
	entry, ok := w.op.ListingCache.Get(key)
	if !ok || entry.Status == ListingListing {
		// Another worker's fetch hasn't published yet. The unclassified
		// error is retriable, so runItemWithReconnect re-dispatches the
		// item up to maxItemAttempts times before it is marked Failed.
		return fmt.Errorf("scheduler: upload target listing for %q not ready yet", it.TargetName)
	}
	if entry.Status == ListingInaccessible {
		return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemUploadCannotListTgtPath, fmt.Errorf("cannot list %s", it.TargetName))
	}

	existing, found := w.op.ListingCache.Lookup(key, it.SourceName)
	switch {
	case !found:
		if !wire.IsValidComponent(w.conn.PathType(), it.SourceName) {
			return ftperrors.New(ftperrors.KindPolicyConflict, ftperrors.ProblemUploadCannotCreateTgtDir, fmt.Errorf("invalid directory name %q", it.SourceName))
		}
	case existing.Type == wire.ListEntryFile:
		return w.resolveUploadDirNameConflict(ctx, it, key)
	case existing.Type == wire.ListEntryLink:
		path := wire.Append(w.conn.PathType(), it.TargetName, it.SourceName)
		if err := w.conn.ChangeWorkingDir(ctx, path); err != nil {
			return w.resolveUploadDirNameConflict(ctx, it, key)
		}
		// Link resolves to a directory: treat it as already existing.
		return w.finishUploadDirCreation(ctx, it, it.SourceName)
	default: // directory
		dirPolicy := w.opts.Policies.DirAlreadyExists
		switch it.ForceAction {
		case queue.ForceActionOverwrite:
			dirPolicy = ftpconfig.DirExistsJoin
		case queue.ForceActionAutorename:
			dirPolicy = ftpconfig.DirExistsAutorename
		case queue.ForceActionSkip:
			dirPolicy = ftpconfig.DirExistsSkip
		}
		switch dirPolicy {
		case ftpconfig.DirExistsJoin:
			return w.finishUploadDirCreation(ctx, it, it.SourceName)
		case ftpconfig.DirExistsAutorename:
			return w.resolveUploadDirNameConflict(ctx, it, key)
		case ftpconfig.DirExistsSkip:
			return errSkip
		default:
			return &errNeedsInput{problem: ftperrors.ProblemUploadTgtDirAlreadyExists}
		}
	}

	if err := w.conn.ChangeWorkingDir(ctx, it.TargetName); err != nil {
		return err
	}
	if _, err := w.conn.SendTransferCommand(ctx, wire.CmdMKD, it.SourceName); err != nil {
		switch w.opts.Policies.CannotCreateDir {
		case ftpconfig.CreateAutorename:
			return w.resolveUploadDirNameConflict(ctx, it, key)
		case ftpconfig.CreateSkip:
			return errSkip
		default:
			return &errNeedsInput{problem: ftperrors.ProblemUploadCannotCreateTgtDir}
		}
	}
	w.op.ListingCache.AddCreatedDir(key, it.SourceName)
	return w.finishUploadDirCreation(ctx, it, it.SourceName)
}

// resolveUploadDirNameConflict runs the deterministic autorename phase
// function against the cached listing, spec.md §4.7 step 4. There is no
// policy check here: a collision with a file, or with a link that CWD
// cannot enter, always reaches it (Policies.CannotCreateDir is not
// consulted for those), while a directory collision or a failed MKD
// reaches it only when the caller's own policy/ForceAction switch picked
// autorename.
func (w *Worker) resolveUploadDirNameConflict(ctx context.Context, it queue.Item, key string) error {
	for phase := AutorenamePhase(0); ; phase++ {
		candidate, exhausted := NextAutorenameCandidate(phase, it.SourceName)
		if exhausted {
			return ftperrors.New(ftperrors.KindPolicyConflict, ftperrors.ProblemUploadCrDirAutoRenFailed, fmt.Errorf("autorename exhausted for %q", it.SourceName))
		}
		if _, taken := w.op.ListingCache.Lookup(key, candidate); taken {
			continue
		}
		if err := w.conn.ChangeWorkingDir(ctx, it.TargetName); err != nil {
			return err
		}
		if _, err := w.conn.SendTransferCommand(ctx, wire.CmdMKD, candidate); err != nil {
			continue
		}
		w.op.ListingCache.AddCreatedDir(key, candidate)
		_ = w.op.Queue.UpdateTgtName(it.UID, candidate)
		return w.finishUploadDirCreation(ctx, it, candidate)
	}
}

// finishUploadDirCreation implements spec.md §4.7 step 5: CWD into the
// new directory, PWD to get its canonical path, list the local source
// directory, and atomically replace this item with one child per entry
// plus a trailing delete item for Move. resolvedName is it.SourceName
// unless a conflict forced an autorename, passed explicitly rather than
// through it.TargetName since that field already carries this item's
// remote parent directory.
func (w *Worker) finishUploadDirCreation(ctx context.Context, it queue.Item, resolvedName string) error {
	if err := w.conn.ChangeWorkingDir(ctx, wire.Append(w.conn.PathType(), it.TargetName, resolvedName)); err != nil {
		return err
	}
	canonical := w.conn.WorkingDir()

	localDir := w.uploadLocalPath(it)
	res := w.doDisk(diskio.Job{Kind: diskio.JobListDir, Path: localDir})
	if res.State != diskio.ResultOk {
		return res.Err
	}

	children := make([]*queue.Item, 0, len(res.Entries)+1)
	childFileType := queue.UploadCopyFile
	childDirType := queue.UploadCopyExploreDir
	if it.Type == queue.UploadMoveExploreDir {
		childFileType = queue.UploadMoveFile
		childDirType = queue.UploadMoveExploreDir
	}
	var totalSize int64
	for _, e := range res.Entries {
		child := &queue.Item{SourcePath: localDir, SourceName: e.Name, State: queue.Waiting, TargetName: canonical}
		if e.IsDir {
			child.Type = childDirType
		} else {
			child.Type = childFileType
			totalSize += e.Size
		}
		children = append(children, child)
	}
	if it.Type == queue.UploadMoveExploreDir {
		children = append(children, &queue.Item{
			Type: queue.UploadMoveDeleteDir, State: queue.Waiting,
			SourcePath: it.SourcePath, SourceName: it.SourceName,
		})
	}
	w.op.AddTotalBytes(totalSize)
	if err := w.op.Queue.ReplaceItemWithList(it.UID, children); err != nil {
		return err
	}
	return nil
}

func (w *Worker) deleteLocalDir(ctx context.Context, it queue.Item) error {
	res := w.doDisk(diskio.Job{Kind: diskio.JobDelete, Path: w.uploadLocalPath(it)})
	if res.State != diskio.ResultOk {
		return res.Err
	}
	return nil
}

func (w *Worker) chattrItem(ctx context.Context, it queue.Item) error {
	path := w.remotePath(it)
	if err := w.conn.SetAttrs(ctx, path, it.Attrs); err != nil {
		switch w.opts.Policies.UnknownAttrs {
		case ftpconfig.AttrsSkip:
			return errSkip
		case ftpconfig.AttrsIgnore:
			return nil
		case ftpconfig.AttrsAsk:
			return &errNeedsInput{problem: ftperrors.ProblemUnknownAttrs}
		}
		return err
	}
	return nil
}

func (w *Worker) expandChAttrDir(ctx context.Context, it queue.Item) error {
	entries, err := w.listRemoteDir(ctx, w.remotePath(it))
	if err != nil {
		return err
	}
	children := make([]*queue.Item, 0, len(entries))
	for _, e := range entries {
		child := &queue.Item{SourcePath: w.remotePath(it), SourceName: e.Name, State: queue.Waiting, Attrs: it.Attrs}
		switch e.Type {
		case wire.ListEntryDir:
			child.Type = queue.ChAttrExploreDir
		case wire.ListEntryLink:
			child.Type = queue.ChAttrResolveLink
		default:
			child.Type = queue.ChAttrFile
		}
		children = append(children, child)
	}
	return w.op.Queue.ReplaceItemWithList(it.UID, children)
}
