package scheduler

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpcore/engine/ctrlconn"
	"github.com/ftpcore/engine/diskio"
	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/queue"
	"github.com/ftpcore/engine/sock"
	"github.com/ftpcore/engine/wire"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fakeFTPServer is a minimal scripted control connection plus an
// on-demand PASV data listener, combining ctrlconn's conn_test.go
// fakeServer idiom with dataconn's dialedSocket helper so a worker can
// be driven through a whole RETR/STOR/MLSD round trip.
type fakeFTPServer struct {
	ln net.Listener

	mu      sync.Mutex
	script  map[string]string
	onCmd   map[string]func(conn net.Conn, arg string)
	dataLn  net.Listener
}

func newFakeFTPServer(t *testing.T) *fakeFTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fs := &fakeFTPServer{
		ln:     ln,
		dataLn: dataLn,
		script: baseLoginScript(),
		onCmd:  make(map[string]func(conn net.Conn, arg string)),
	}
	_, portStr, _ := net.SplitHostPort(dataLn.Addr().String())
	port, _ := strconv.Atoi(portStr)
	fs.script["PASV"] = pasvReply(port)
	fs.script["EPSV"] = "500 epsv not supported\r\n"

	go fs.acceptControl(t)
	return fs
}

func baseLoginScript() map[string]string {
	return map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"SYST": "215 UNIX Type: L8\r\n",
		"PWD":  "257 \"/home/test\"\r\n",
		"TYPE": "200 type set\r\n",
		"CWD":  "250 directory changed\r\n",
	}
}

func pasvReply(port int) string {
	hi, lo := port/256, port%256
	return "227 Entering Passive Mode (127,0,0,1," + strconv.Itoa(hi) + "," + strconv.Itoa(lo) + ")\r\n"
}

func (fs *fakeFTPServer) setScript(verb, reply string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.script[verb] = reply
}

func (fs *fakeFTPServer) onCommand(verb string, fn func(conn net.Conn, arg string)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onCmd[verb] = fn
}

// acceptControl loops accepting control connections, each served on its
// own goroutine, so a test driving more than one worker against a
// shared fakeFTPServer (spec.md §4.7's single-flight listing-cache
// scenario) gets one independent scripted session per worker.
func (fs *fakeFTPServer) acceptControl(t *testing.T) {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go fs.serveControl(conn)
	}
}

func (fs *fakeFTPServer) serveControl(conn net.Conn) {
	conn.Write([]byte("220 fake FTP ready\r\n"))
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		verb := strings.ToUpper(fields[0])
		arg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))

		fs.mu.Lock()
		handler := fs.onCmd[verb]
		reply, ok := fs.script[verb]
		fs.mu.Unlock()
		if handler != nil {
			handler(conn, arg)
			continue
		}
		if !ok {
			reply = "500 unknown command\r\n"
		}
		conn.Write([]byte(reply))
	}
}

func (fs *fakeFTPServer) acceptData(t *testing.T) net.Conn {
	t.Helper()
	conn, err := fs.dataLn.Accept()
	if err != nil {
		panic(err) // listener is freshly created per test; an Accept failure here is a test bug, not a flake
	}
	return conn
}

func (fs *fakeFTPServer) close() {
	fs.ln.Close()
	fs.dataLn.Close()
}

func newTestWorker(t *testing.T, fs *fakeFTPServer, q *queue.Queue, localRoot string) (*Worker, *Operation) {
	t.Helper()
	endpoint := testEndpoint(t, fs)
	op := NewOperation(1, endpoint, KindCopyDownload, q, ftpconfig.Policies{
		FileAlreadyExists: ftpconfig.FileExistsOverwrite,
		DirAlreadyExists:  ftpconfig.DirExistsJoin,
		CannotCreateDir:   ftpconfig.CreateAutorename,
	}, 0, wire.Unix)
	return newTestWorkerOn(t, fs, op, 1, localRoot), op
}

func testEndpoint(t *testing.T, fs *fakeFTPServer) ftpconfig.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(fs.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return ftpconfig.Endpoint{Host: host, Port: port, User: "alice", Password: "secret"}
}

// newTestWorkerOn attaches a new worker/control-connection pair to an
// already-built Operation, so two or more workers can share one queue
// and listing cache against the same fakeFTPServer (spec.md §4.7/§8
// single-flight scenario).
func newTestWorkerOn(t *testing.T, fs *fakeFTPServer, op *Operation, id int, localRoot string) *Worker {
	t.Helper()
	opts := ftpconfig.Default()
	opts.ServerReplyTimeout = 3 * time.Second
	opts.NoDataTransferTimeout = 3 * time.Second
	opts.ReconnectWait = 20 * time.Millisecond

	conn := ctrlconn.New(testEndpoint(t, fs), opts, sock.NewReactor(), nil)
	disk := diskio.NewPool(2)
	t.Cleanup(disk.Close)

	w := NewWorker(id, op, conn, disk, opts, localRoot)
	w.preferEPSV = false
	return w
}

func TestWorkerDownloadsFile(t *testing.T) {
	fs := newFakeFTPServer(t)
	defer fs.close()
	fs.setScript("RETR", "150 opening data connection\r\n226 transfer complete\r\n")

	go func() {
		conn := fs.acceptData(t)
		defer conn.Close()
		conn.Write([]byte("file contents"))
	}()

	dir := t.TempDir()
	q := queue.New()
	w, _ := newTestWorker(t, fs, q, dir)
	require.NoError(t, w.conn.EnsureConnected(testCtx(t)))

	it := queue.Item{Type: queue.CopyFileOrLink, SourcePath: "/home/test", SourceName: "a.txt"}
	err := w.dispatch(testCtx(t), it)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "file contents", string(data))
}

func TestWorkerUploadsFile(t *testing.T) {
	fs := newFakeFTPServer(t)
	defer fs.close()
	fs.setScript("STOR", "150 opening data connection\r\n226 transfer complete\r\n")

	var received []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn := fs.acceptData(t)
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				received = append(received, buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("upload me"), 0o644))

	q := queue.New()
	w, _ := newTestWorker(t, fs, q, dir)
	require.NoError(t, w.conn.EnsureConnected(testCtx(t)))

	it := queue.Item{Type: queue.UploadCopyFile, SourcePath: dir, SourceName: "b.txt"}
	err := w.dispatch(testCtx(t), it)
	require.NoError(t, err)

	<-done
	assert.Equal(t, "upload me", string(received))
}

func TestWorkerExpandsDeleteDirViaMLSD(t *testing.T) {
	fs := newFakeFTPServer(t)
	defer fs.close()
	fs.setScript("MLSD", "150 here comes the listing\r\n226 listing complete\r\n")

	go func() {
		conn := fs.acceptData(t)
		defer conn.Close()
		conn.Write([]byte("type=file;size=10; one.txt\r\ntype=dir; sub\r\n"))
	}()

	q := queue.New()
	w, _ := newTestWorker(t, fs, q, t.TempDir())
	require.NoError(t, w.conn.EnsureConnected(testCtx(t)))

	uid := q.AddItem(&queue.Item{Type: queue.DeleteExploreDir, SourcePath: "/home/test", SourceName: "dir", State: queue.Waiting})
	it, _ := q.Get(uid)

	err := w.dispatch(testCtx(t), it)
	require.NoError(t, err)

	snap := q.Snapshot()
	require.Len(t, snap, 3) // parent + file + subdir
	var sawFile, sawSubdir bool
	for _, child := range snap {
		if child.ParentUID != uid {
			continue
		}
		switch child.SourceName {
		case "one.txt":
			sawFile = true
			assert.Equal(t, queue.DeleteFile, child.Type)
		case "sub":
			sawSubdir = true
			assert.Equal(t, queue.DeleteExploreDir, child.Type)
		}
	}
	assert.True(t, sawFile)
	assert.True(t, sawSubdir)
}

func TestWorkerDeleteFileSendsDELE(t *testing.T) {
	fs := newFakeFTPServer(t)
	defer fs.close()
	fs.setScript("DELE", "250 file deleted\r\n")

	q := queue.New()
	w, _ := newTestWorker(t, fs, q, t.TempDir())
	require.NoError(t, w.conn.EnsureConnected(testCtx(t)))

	it := queue.Item{Type: queue.DeleteFile, SourcePath: "/home/test", SourceName: "gone.txt"}
	require.NoError(t, w.dispatch(testCtx(t), it))
}

func TestOperationStopSignalsWorkerLoop(t *testing.T) {
	fs := newFakeFTPServer(t)
	defer fs.close()

	q := queue.New()
	_, op := newTestWorker(t, fs, q, t.TempDir())

	select {
	case <-op.StopRequested():
		t.Fatal("should not be stopped yet")
	default:
	}
	op.Stop()
	select {
	case <-op.StopRequested():
	default:
		t.Fatal("Stop() should close the stop channel")
	}
	// Calling Stop twice must not panic (sync.Once).
	op.Stop()
}

// TestWorkerUploadDirAutorenamesOnNameCollision exercises spec.md §4.7's
// "hard case" walkthrough and E2E scenario 3: an upload-copy-directory
// item whose name collides with an existing remote file is autorenamed
// off the cached listing rather than failing or re-listing.
func TestWorkerUploadDirAutorenamesOnNameCollision(t *testing.T) {
	fs := newFakeFTPServer(t)
	defer fs.close()
	fs.setScript("MLSD", "150 here comes the listing\r\n226 listing complete\r\n")
	fs.setScript("MKD", "257 \"/home/test/sub (2)\" created\r\n")

	go func() {
		conn := fs.acceptData(t)
		defer conn.Close()
		conn.Write([]byte("type=file;size=5; sub\r\n"))
	}()

	dir := t.TempDir()
	localDir := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(localDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "inner.txt"), []byte("hi"), 0o644))

	q := queue.New()
	w, op := newTestWorker(t, fs, q, dir)
	require.NoError(t, w.conn.EnsureConnected(testCtx(t)))

	uid := q.AddItem(&queue.Item{
		Type:       queue.UploadCopyExploreDir,
		SourcePath: dir,
		SourceName: "sub",
		TargetName: "/home/test",
		State:      queue.Waiting,
	})
	it, _ := q.Get(uid)

	require.NoError(t, w.dispatch(testCtx(t), it))

	parent, ok := q.Get(uid)
	require.True(t, ok)
	assert.Equal(t, "sub (2)", parent.TargetName)

	key := Key(op.Endpoint.String(), "/home/test", w.conn.PathType())
	_, taken := op.ListingCache.Lookup(key, "sub (2)")
	assert.True(t, taken, "the renamed directory must be recorded in the listing cache without a re-LIST")

	var sawInner bool
	for _, child := range q.Snapshot() {
		if child.ParentUID == uid && child.SourceName == "inner.txt" {
			sawInner = true
			assert.Equal(t, queue.UploadCopyFile, child.Type)
		}
	}
	assert.True(t, sawInner)
}

// TestWorkerUploadDirSingleFlightsListing exercises spec.md §4.7/§8's
// single-flight invariant and E2E scenario 4: two workers racing to
// expand an upload-directory item against the same previously-unseen
// target path issue exactly one LIST, and the second worker resumes off
// the cache rather than re-listing or double-creating its directory.
func TestWorkerUploadDirSingleFlightsListing(t *testing.T) {
	fs := newFakeFTPServer(t)
	defer fs.close()

	var mlsdCount int32
	fs.onCommand("MLSD", func(conn net.Conn, arg string) {
		atomic.AddInt32(&mlsdCount, 1)
		conn.Write([]byte("150 here comes the listing\r\n226 listing complete\r\n"))
	})
	fs.setScript("MKD", "257 directory created\r\n")

	go func() {
		conn := fs.acceptData(t)
		defer conn.Close() // empty listing: the shared target dir starts out empty
	}()

	dirA, dirB := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dirA, "dirA"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dirB, "dirB"), 0o755))

	q := queue.New()
	endpoint := testEndpoint(t, fs)
	op := NewOperation(1, endpoint, KindCopyUpload, q, ftpconfig.Policies{
		FileAlreadyExists: ftpconfig.FileExistsOverwrite,
		DirAlreadyExists:  ftpconfig.DirExistsJoin,
		CannotCreateDir:   ftpconfig.CreateAutorename,
	}, 0, wire.Unix)

	wA := newTestWorkerOn(t, fs, op, 1, dirA)
	wB := newTestWorkerOn(t, fs, op, 2, dirB)
	require.NoError(t, wA.conn.EnsureConnected(testCtx(t)))
	require.NoError(t, wB.conn.EnsureConnected(testCtx(t)))

	uidA := q.AddItem(&queue.Item{Type: queue.UploadCopyExploreDir, SourcePath: dirA, SourceName: "dirA", TargetName: "/remote/up", State: queue.Waiting})
	uidB := q.AddItem(&queue.Item{Type: queue.UploadCopyExploreDir, SourcePath: dirB, SourceName: "dirB", TargetName: "/remote/up", State: queue.Waiting})
	itA, _ := q.Get(uidA)
	itB, _ := q.Get(uidB)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs <- wA.dispatch(testCtx(t), itA) }()
	go func() { defer wg.Done(); errs <- wB.dispatch(testCtx(t), itB) }()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, int32(1), mlsdCount, "single-flight must issue exactly one LIST for the shared target path")

	parentA, ok := q.Get(uidA)
	require.True(t, ok)
	assert.Equal(t, 0, parentA.ChildCount, "empty source dir expands with no children")
	parentB, ok := q.Get(uidB)
	require.True(t, ok)
	assert.Equal(t, 0, parentB.ChildCount)

	key := Key(op.Endpoint.String(), "/remote/up", wA.conn.PathType())
	_, tookA := op.ListingCache.Lookup(key, "dirA")
	_, tookB := op.ListingCache.Lookup(key, "dirB")
	assert.True(t, tookA, "the owner's created directory must land in the cache")
	assert.True(t, tookB, "the waiter's created directory must land in the cache too, not trigger a duplicate MKD")
}
