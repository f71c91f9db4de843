package ctrlconn

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/ftperrors"
	"github.com/ftpcore/engine/sock"
	"github.com/ftpcore/engine/wire"
)

// fakeServer is a minimal scripted FTP server: it replies to each
// command line with the next canned reply, in order.
type fakeServer struct {
	ln     net.Listener
	mu     sync.Mutex
	counts map[string]int
}

func newFakeServer(t *testing.T, script map[string]string, extra func(conn net.Conn)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{ln: ln, counts: make(map[string]int)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("220 fake FTP ready\r\n"))
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			verb := strings.ToUpper(strings.Fields(strings.TrimSpace(line))[0])
			fs.mu.Lock()
			fs.counts[verb]++
			fs.mu.Unlock()
			reply, ok := script[verb]
			if !ok {
				reply = "500 unknown command\r\n"
			}
			conn.Write([]byte(reply))
		}
	}()
	return fs
}

func (fs *fakeServer) addr() string { return fs.ln.Addr().String() }
func (fs *fakeServer) close()       { fs.ln.Close() }

func (fs *fakeServer) countOf(verb string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.counts[verb]
}

func baseScript() map[string]string {
	return map[string]string{
		"USER": "331 need password\r\n",
		"PASS": "230 logged in\r\n",
		"SYST": "215 UNIX Type: L8\r\n",
		"PWD":  "257 \"/home/test\"\r\n",
	}
}

func newTestConn(t *testing.T, addr string) *Conn {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	opts := ftpconfig.Default()
	opts.ServerReplyTimeout = 2 * time.Second
	opts.ReconnectWait = 50 * time.Millisecond
	endpoint := ftpconfig.Endpoint{Host: host, Port: port, User: "alice", Password: "secret"}
	return New(endpoint, opts, sock.NewReactor(), nil)
}

func TestEnsureConnectedReachesIdle(t *testing.T) {
	fs := newFakeServer(t, baseScript(), nil)
	defer fs.close()

	conn := newTestConn(t, fs.addr())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.EnsureConnected(ctx))
	assert.Equal(t, StateIdle, conn.State())
	assert.Equal(t, "/home/test", conn.WorkingDir())
}

func TestChangeWorkingDir(t *testing.T) {
	script := baseScript()
	script["CWD"] = "250 directory changed\r\n"
	fs := newFakeServer(t, script, nil)
	defer fs.close()

	conn := newTestConn(t, fs.addr())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, conn.EnsureConnected(ctx))
	require.NoError(t, conn.ChangeWorkingDir(ctx, "sub"))
	assert.Equal(t, "/home/test", conn.WorkingDir())
}

func TestSetTransferModeSkipsRedundantType(t *testing.T) {
	script := baseScript()
	script["TYPE"] = "200 type set\r\n"
	fs := newFakeServer(t, script, nil)
	defer fs.close()

	conn := newTestConn(t, fs.addr())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.EnsureConnected(ctx))

	require.NoError(t, conn.SetTransferMode(ctx, ftpconfig.TransferModeBinary))
	assert.Equal(t, wire.Command("I"), conn.curType)
	require.NoError(t, conn.SetTransferMode(ctx, ftpconfig.TransferModeBinary))
	assert.Equal(t, wire.Command("I"), conn.curType)
	assert.Equal(t, 1, fs.countOf("TYPE"))
}

func TestPrepareDataChannelParsesPASV(t *testing.T) {
	script := baseScript()
	script["PASV"] = "227 Entering Passive Mode (127,0,0,1,200,10)\r\n"
	fs := newFakeServer(t, script, nil)
	defer fs.close()

	conn := newTestConn(t, fs.addr())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.EnsureConnected(ctx))

	plan, err := conn.PrepareDataChannel(ctx, false)
	require.NoError(t, err)
	assert.True(t, plan.Passive)
	assert.Equal(t, "127.0.0.1", plan.IP)
	assert.Equal(t, 200*256+10, plan.Port)
}

func TestLoginRejectedIsPermanentProtocolError(t *testing.T) {
	script := baseScript()
	script["PASS"] = "530 login incorrect\r\n"
	fs := newFakeServer(t, script, nil)
	defer fs.close()

	conn := newTestConn(t, fs.addr())
	conn.opts.ReconnectWait = 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.EnsureConnected(ctx)
	require.Error(t, err)
	fe, ok := ftperrors.AsFTPError(err)
	require.True(t, ok)
	assert.Equal(t, ftperrors.KindPermanentProtocol, fe.Kind)
}
