package ftpengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ftpcore/engine/ctrlconn"
	"github.com/ftpcore/engine/dataconn"
	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/queue"
	"github.com/ftpcore/engine/scheduler"
	"github.com/ftpcore/engine/sock"
	"github.com/ftpcore/engine/wire"
)

// seed classifies each root and adds it to the operation's queue,
// spec.md §3 "an operation starts with one item per root". Download-side
// kinds classify the remote root by MLSD-listing its parent directory
// (re-parsing the body as a Unix LIST-style listing when it holds no
// MLSD entries, the same fallback scheduler's worker uses);
// upload-side kinds classify the local root with os.Lstat, since no
// connection is needed for that half.
func (op *Operation) seed(ctx context.Context, kind scheduler.Kind, roots []Root) error {
	if len(roots) == 0 {
		return fmt.Errorf("ftpengine: operation needs at least one root")
	}

	if kind.IsUpload() {
		return op.seedUploadRoots(kind, roots)
	}
	return op.seedDownloadRoots(ctx, kind, roots)
}

func (op *Operation) seedUploadRoots(kind scheduler.Kind, roots []Root) error {
	isMove := kind.IsMove()
	for _, r := range roots {
		info, err := os.Lstat(r.Local)
		if err != nil {
			return fmt.Errorf("ftpengine: stat upload root %q: %w", r.Local, err)
		}
		parent, name := filepath.Dir(r.Local), filepath.Base(r.Local)
		it := &queue.Item{
			State:      queue.Waiting,
			SourcePath: parent,
			SourceName: name,
			TargetName: r.Remote,
		}
		switch {
		case info.IsDir():
			it.Type = queue.UploadCopyExploreDir
			if isMove {
				it.Type = queue.UploadMoveExploreDir
			}
		default:
			it.Type = queue.UploadCopyFile
			if isMove {
				it.Type = queue.UploadMoveFile
			}
			op.core.AddTotalBytes(info.Size())
		}
		op.core.Queue.AddItem(it)
	}
	return nil
}

func (op *Operation) seedDownloadRoots(ctx context.Context, kind scheduler.Kind, roots []Root) error {
	reactor := sock.NewReactor()
	conn := ctrlconn.New(op.endpoint, op.opts, reactor, op.sessionCache)
	if err := conn.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("ftpengine: connect to classify roots: %w", err)
	}
	defer conn.Close()

	isMove := kind.IsMove()
	for _, r := range roots {
		entry, err := classifyRemote(ctx, conn, r.Remote)
		if err != nil {
			return fmt.Errorf("ftpengine: classify root %q: %w", r.Remote, err)
		}
		it := &queue.Item{State: queue.Waiting}
		parent, name := wire.CutLast(conn.PathType(), r.Remote)
		it.SourcePath, it.SourceName = parent, name

		switch kind {
		case scheduler.KindDelete:
			it.TargetName = r.Local
			switch entry.Type {
			case wire.ListEntryDir:
				it.Type = queue.DeleteExploreDir
			case wire.ListEntryLink:
				it.Type = queue.DeleteLink
			default:
				it.Type = queue.DeleteFile
			}
		case scheduler.KindChAttr:
			it.TargetName = r.Local
			it.Attrs = r.Attrs
			switch entry.Type {
			case wire.ListEntryDir:
				it.Type = queue.ChAttrExploreDir
			case wire.ListEntryLink:
				it.Type = queue.ChAttrResolveLink
			default:
				it.Type = queue.ChAttrFile
			}
		default: // CopyDownload/MoveDownload
			it.TargetName = filepath.Join(r.Local, name)
			switch entry.Type {
			case wire.ListEntryDir:
				it.Type = queue.CopyExploreDir
				if isMove {
					it.Type = queue.MoveExploreDir
				}
			case wire.ListEntryLink:
				it.Type = queue.CopyResolveLink
				if isMove {
					it.Type = queue.MoveResolveLink
				}
			default:
				it.Type = queue.CopyFileOrLink
				if isMove {
					it.Type = queue.MoveFileOrLink
				}
				op.core.AddTotalBytes(entry.Size)
			}
		}
		op.core.Queue.AddItem(it)
	}
	return nil
}

// classifyRemote lists path's parent directory and matches path's own
// basename against the entries, the same MLSD-then-ParseUnixList fallback
// scheduler.Worker.listRemoteDir uses for directory expansion. A root is
// necessarily listed by its parent since MLST (single-file facts) isn't
// in this engine's negotiated feature set.
func classifyRemote(ctx context.Context, conn *ctrlconn.Conn, path string) (wire.ListEntry, error) {
	parent, name := wire.CutLast(conn.PathType(), path)
	if parent == "" {
		return wire.ListEntry{Type: wire.ListEntryDir, Name: name}, nil
	}
	if err := conn.SetTransferMode(ctx, ftpconfig.TransferModeAscii); err != nil {
		return wire.ListEntry{}, err
	}
	plan, err := conn.PrepareDataChannel(ctx, true)
	if err != nil {
		return wire.ListEntry{}, err
	}
	if _, err := conn.SendTransferCommand(ctx, wire.CmdMLSD, parent); err != nil {
		return wire.ListEntry{}, err
	}
	body, err := receiveBody(ctx, conn, plan)
	if err != nil {
		return wire.ListEntry{}, err
	}
	if _, err := conn.AwaitTransferComplete(ctx); err != nil {
		return wire.ListEntry{}, err
	}
	entries := wire.ParseMLSD(body)
	if len(entries) == 0 && len(body) > 0 {
		entries = wire.ParseUnixList(body)
	}
	for _, e := range entries {
		if wire.IsSame(conn.PathType(), e.Name, name) {
			return e, nil
		}
	}
	return wire.ListEntry{}, fmt.Errorf("ftpengine: %q not found under %q", name, parent)
}

func receiveBody(ctx context.Context, conn *ctrlconn.Conn, plan ctrlconn.DataChannelPlan) ([]byte, error) {
	socket, err := conn.Reactor().Connect("tcp", fmt.Sprintf("%s:%d", plan.IP, plan.Port), conn.DataFilters()...)
	if err != nil {
		return nil, err
	}
	if err := conn.VerifyDataTLS(socket); err != nil {
		_ = socket.CloseGraceful()
		return nil, err
	}
	var buf []byte
	dl := dataconn.NewDownload(conn.Reactor(), socket, &byteSink{&buf})
	if _, err := dl.Run(ctx); err != nil {
		return nil, err
	}
	return buf, nil
}

// byteSink is an io.Writer collecting a listing body in memory, the same
// shape scheduler.Worker.receiveListing uses internally.
type byteSink struct{ buf *[]byte }

func (b *byteSink) Write(p []byte) (int, error) {
	*b.buf = append(*b.buf, p...)
	return len(p), nil
}
