// Package ctrlconn implements the control connection (spec.md L4 / §4.4):
// the state machine that owns one FTP command channel to one server,
// driving the USER/PASS/SYST login sequence, AUTH TLS negotiation,
// and every subsequent command/reply exchange a worker issues against it.
// FEAT is not sent; server features are not negotiated.
package ctrlconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/ftperrors"
	"github.com/ftpcore/engine/ftplog"
	"github.com/ftpcore/engine/pacer"
	"github.com/ftpcore/engine/sock"
	"github.com/ftpcore/engine/wire"
)

// State is the control connection's lifecycle state, spec.md §4.4:
// Disconnected -> Connecting -> Greeting -> Authenticating ->
// Negotiating -> [TLSUpgrading] -> Idle <-> Commanding -> AwaitingReply.
type State int

// Control connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateGreeting
	StateAuthenticating
	StateNegotiating
	StateTLSUpgrading
	StateIdle
	StateCommanding
	StateAwaitingReply
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateGreeting:
		return "Greeting"
	case StateAuthenticating:
		return "Authenticating"
	case StateNegotiating:
		return "Negotiating"
	case StateTLSUpgrading:
		return "TLSUpgrading"
	case StateIdle:
		return "Idle"
	case StateCommanding:
		return "Commanding"
	case StateAwaitingReply:
		return "AwaitingReply"
	default:
		return "Unknown"
	}
}

// Conn is one control connection: the object a worker (scheduler) drives
// through its whole lifecycle, spec.md §4.4. Grounded on
// backend/ftp/ftp.go's getFtpConnection/putFtpConnection retry wrapping
// (f.pacer.Call(...)), generalized here from "get one pooled connection
// out of a free-list" to "drive one owned connection's reconnect and
// command lifecycle" — this engine keeps one Conn per worker rather than
// pooling, since spec.md's queue/worker model already serializes command
// issuance per connection.
type Conn struct {
	endpoint ftpconfig.Endpoint
	opts     ftpconfig.Options
	logUID   int64
	pacer    *pacer.Pacer

	// reactor is private to this Conn and whatever data sockets it opens
	// for the worker's transfers; spec.md's "single reactor thread owns
	// all sockets" is honoured per logical connection rather than
	// process-wide, so unrelated connections' events never interleave on
	// one channel (see sock.Reactor's doc comment for the single-
	// dispatch-goroutine shape this still preserves).
	reactor *sock.Reactor

	sessionCache tls.ClientSessionCache

	mu         sync.Mutex
	state      State
	socket     *sock.Socket
	family     wire.ServerFamily
	pathType   wire.PathType
	workingDir string
	curType    wire.Command // CmdTYPE argument last sent ("A" or "I"), cached
	tlsActive  bool
	modeZActive bool
	recvBuf    []byte
}

// maxConnectRetries bounds EnsureConnected's own internal reconnect
// loop (dial/greeting/login), spec.md §4.4 "the connection enters a
// retry loop with exponential backoff (bounded; see §6)".
const maxConnectRetries = 5

// New builds an unconnected Conn for endpoint.
func New(endpoint ftpconfig.Endpoint, opts ftpconfig.Options, reactor *sock.Reactor, sessionCache tls.ClientSessionCache) *Conn {
	return &Conn{
		endpoint:     endpoint,
		opts:         opts,
		logUID:       ftplog.NextLogUID(),
		reactor:      reactor,
		sessionCache: sessionCache,
		pacer:        pacer.New(pacer.MinSleep(100*time.Millisecond), pacer.MaxSleep(opts.ReconnectWait), pacer.RetriesOption(maxConnectRetries)),
		state:        StateDisconnected,
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("ctrl#%d %s", c.logUID, c.endpoint)
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// PathType returns the detected server path-type family, spec.md §4.1.
func (c *Conn) PathType() wire.PathType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pathType
}

// ServerFamily returns the detected quirk set, spec.md §4.1.
func (c *Conn) ServerFamily() wire.ServerFamily {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.family
}

// WorkingDir returns the last PWD-confirmed working directory.
func (c *Conn) WorkingDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workingDir
}

// EnsureConnected drives the connection to Idle, reconnecting through
// the configured pacer if it is currently Disconnected, spec.md §4.4
// "ensure_connected". A forced-immediate reconnect (TLS session/cert
// failure, spec.md §4.4/§8) bypasses the pacer's backoff entirely.
func (c *Conn) EnsureConnected(ctx context.Context) error {
	if c.State() != StateDisconnected {
		return nil
	}
	return c.pacer.Call(func() (bool, error) {
		err := c.connectOnce(ctx)
		if err == nil {
			return false, nil
		}
		c.teardown(err)
		return ftperrors.IsRetriable(err), err
	})
}

// ForceReconnect disconnects and reconnects immediately, bypassing the
// backoff pacer entirely, for the zero-wait-reconnect conditions spec.md
// §4.4/§8 name (ReuseSSLSessionFailed, certificate changed).
func (c *Conn) ForceReconnect(ctx context.Context) error {
	c.teardown(nil)
	return c.pacer.CallNoRetry(func() error { return c.connectOnce(ctx) })
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	socket := c.socket
	c.socket = nil
	c.state = StateDisconnected
	c.tlsActive = false
	c.modeZActive = false
	c.curType = ""
	c.mu.Unlock()
	if socket != nil {
		_ = socket.CloseGraceful()
	}
	if cause != nil {
		ftplog.Errorf(c, "control connection torn down: %v", cause)
	}
}

func (c *Conn) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	socket, err := c.reactor.Connect("tcp", c.endpoint.Address())
	if err != nil {
		return ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemOk, err)
	}
	c.mu.Lock()
	c.socket = socket
	c.recvBuf = nil
	c.mu.Unlock()

	c.setState(StateGreeting)
	greeting, err := c.waitReply(ctx)
	if err != nil {
		return err
	}
	if greeting.Class() != wire.ClassSuccess {
		return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemOk, fmt.Errorf("unexpected greeting %d", greeting.Code)).WithReply(greeting.Text)
	}

	if c.endpoint.TLSPolicy == ftpconfig.TLSExplicit {
		if err := c.negotiateExplicitTLS(ctx); err != nil {
			return err
		}
	}

	c.setState(StateAuthenticating)
	if err := c.login(ctx); err != nil {
		return err
	}

	c.setState(StateNegotiating)
	family, err := c.detectFamily(ctx, greeting.Text)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.family = family
	c.pathType = family.PathType
	c.mu.Unlock()

	if c.endpoint.CompressionPolicy == ftpconfig.CompressionModeZ {
		if err := c.negotiateModeZ(ctx); err != nil {
			// MODE Z is an optimization, not a login requirement; a
			// server that refuses OPTS MODE Z just keeps running
			// uncompressed (spec.md §4.5 "best-effort").
			ftplog.Debugf(c, "MODE Z negotiation declined: %v", err)
		} else {
			c.mu.Lock()
			c.modeZActive = true
			c.mu.Unlock()
		}
	}

	if err := c.refreshWorkingDir(ctx); err != nil {
		return err
	}

	c.setState(StateIdle)
	return nil
}

func (c *Conn) negotiateExplicitTLS(ctx context.Context) error {
	c.setState(StateTLSUpgrading)
	reply, err := c.command(ctx, wire.CmdAUTHTLS)
	if err != nil {
		return err
	}
	if reply.Outcome() != wire.OutcomeSuccess && reply.Outcome() != wire.OutcomeInfo {
		return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemOk, fmt.Errorf("AUTH TLS refused: %d", reply.Code)).WithReply(reply.Text)
	}
	filter := sock.TLSFilter{ServerName: c.endpoint.Host, SessionCache: c.sessionCache}
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if err := socket.UpgradeTLS(filter); err != nil {
		return classifyTLSFailure(err)
	}
	reused, err := sock.VerifyReused(socket.Underlying())
	if err == nil && c.sessionCache != nil && !reused {
		ftplog.Debugf(c, "TLS session was not resumed (full handshake)")
	}
	c.mu.Lock()
	c.tlsActive = true
	c.mu.Unlock()

	if _, err := c.command(ctx, wire.CmdPBSZ, "0"); err != nil {
		return err
	}
	if _, err := c.command(ctx, wire.CmdPROT, "P"); err != nil {
		return err
	}
	return nil
}

func classifyTLSFailure(err error) error {
	if _, ok := ftperrors.AsFTPError(err); ok {
		return err
	}
	return ftperrors.New(ftperrors.KindTLSFatal, ftperrors.ProblemReuseSSLSessionFailed, err)
}

func (c *Conn) login(ctx context.Context) error {
	reply, err := c.command(ctx, wire.CmdUSER, c.endpoint.User)
	if err != nil {
		return err
	}
	if reply.Class() == wire.ClassPartial {
		reply, err = c.command(ctx, wire.CmdPASS, c.endpoint.Password)
		if err != nil {
			return err
		}
	}
	if reply.Outcome() != wire.OutcomeSuccess {
		return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemOk, fmt.Errorf("login rejected: %d", reply.Code)).WithReply(reply.Text)
	}
	return nil
}

func (c *Conn) detectFamily(ctx context.Context, greetingText string) (wire.ServerFamily, error) {
	reply, err := c.command(ctx, wire.CmdSYST)
	systText := ""
	if err == nil && reply.Outcome() == wire.OutcomeSuccess {
		systText = reply.Text
	}
	return wire.DetectServerFamily(greetingText, systText), nil
}

func (c *Conn) negotiateModeZ(ctx context.Context) error {
	reply, err := c.command(ctx, wire.CmdOPTS, "MODE", "Z")
	if err != nil {
		return err
	}
	if reply.Outcome() != wire.OutcomeSuccess {
		return fmt.Errorf("server declined OPTS MODE Z: %d", reply.Code)
	}
	_, err = c.command(ctx, wire.CmdMODE, "Z")
	return err
}

func (c *Conn) refreshWorkingDir(ctx context.Context) error {
	reply, err := c.command(ctx, wire.CmdPWD)
	if err != nil {
		return err
	}
	if reply.Outcome() != wire.OutcomeSuccess {
		return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemUnableToPwd, fmt.Errorf("PWD failed: %d", reply.Code)).WithReply(reply.Text)
	}
	path, err := wire.ParsePWDReply(reply.Text)
	if err != nil {
		return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemUnableToPwd, err)
	}
	c.mu.Lock()
	c.workingDir = path
	c.mu.Unlock()
	return nil
}

// ChangeWorkingDir issues CWD dir (".." included; CDUP is never sent)
// and re-confirms the resulting path with PWD, spec.md §4.4
// "change_working_dir".
func (c *Conn) ChangeWorkingDir(ctx context.Context, dir string) error {
	if err := c.EnsureConnected(ctx); err != nil {
		return err
	}
	reply, err := c.command(ctx, wire.CmdCWD, dir)
	if err != nil {
		return err
	}
	if reply.Outcome() != wire.OutcomeSuccess {
		return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemUnableToCwd, fmt.Errorf("CWD %s failed: %d", dir, reply.Code)).WithReply(reply.Text)
	}
	return c.refreshWorkingDir(ctx)
}

// SetTransferMode issues TYPE A or TYPE I if it differs from the last
// mode set on this connection, spec.md §4.4 "set_transfer_mode" —
// avoiding a redundant TYPE round trip per command the way
// backend/ftp/ftp.go's cachedTypeSet shortcut does.
func (c *Conn) SetTransferMode(ctx context.Context, mode ftpconfig.TransferMode) error {
	want := wire.Command("I")
	if mode == ftpconfig.TransferModeAscii {
		want = wire.Command("A")
	}
	c.mu.Lock()
	current := c.curType
	c.mu.Unlock()
	if current == want {
		return nil
	}
	reply, err := c.command(ctx, wire.CmdTYPE, string(want))
	if err != nil {
		return err
	}
	if reply.Outcome() != wire.OutcomeSuccess {
		return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemOk, fmt.Errorf("TYPE %s failed: %d", want, reply.Code)).WithReply(reply.Text)
	}
	c.mu.Lock()
	c.curType = want
	c.mu.Unlock()
	return nil
}

// DataChannelPlan describes how a worker should open the data
// connection for an upcoming transfer, spec.md §4.4 "prepare_data_channel".
type DataChannelPlan struct {
	Passive bool
	IP      string
	Port    int
}

// PrepareDataChannel issues PASV/EPSV and returns where the worker
// should dial, spec.md §4.4. Active mode (PORT/EPRT) is not handled.
func (c *Conn) PrepareDataChannel(ctx context.Context, preferEPSV bool) (DataChannelPlan, error) {
	if err := c.EnsureConnected(ctx); err != nil {
		return DataChannelPlan{}, err
	}
	if preferEPSV {
		reply, err := c.command(ctx, wire.CmdEPSV)
		if err == nil && reply.Outcome() == wire.OutcomeSuccess {
			port, perr := wire.ParseEPSV(reply.Text)
			if perr == nil {
				c.mu.Lock()
				host := c.endpoint.Host
				c.mu.Unlock()
				return DataChannelPlan{Passive: true, IP: host, Port: port}, nil
			}
		}
		// Fall through to PASV when EPSV is unsupported or unparsable.
	}
	reply, err := c.command(ctx, wire.CmdPASV)
	if err != nil {
		return DataChannelPlan{}, err
	}
	if reply.Outcome() != wire.OutcomeSuccess {
		return DataChannelPlan{}, ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemOk, fmt.Errorf("PASV failed: %d", reply.Code)).WithReply(reply.Text)
	}
	ip, port, err := wire.ParsePASV(reply.Text)
	if err != nil {
		return DataChannelPlan{}, ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemOk, err)
	}
	return DataChannelPlan{Passive: true, IP: ip, Port: port}, nil
}

// RestartAt issues REST before a resumed RETR/STOR, spec.md §4.4.
func (c *Conn) RestartAt(ctx context.Context, offset int64) error {
	reply, err := c.command(ctx, wire.CmdREST, strconv.FormatInt(offset, 10))
	if err != nil {
		return err
	}
	if reply.Outcome() != wire.OutcomePartial && reply.Outcome() != wire.OutcomeSuccess {
		return ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemResumeTestFailed, fmt.Errorf("REST failed: %d", reply.Code)).WithReply(reply.Text)
	}
	return nil
}

// SendTransferCommand issues RETR/STOR/APPE/LIST/NLST/MLSD with path,
// returning the preliminary (1xx) reply that signals the data
// connection may now be opened, spec.md §4.4/§4.5.
func (c *Conn) SendTransferCommand(ctx context.Context, cmd wire.Command, path string) (wire.Reply, error) {
	if err := c.EnsureConnected(ctx); err != nil {
		return wire.Reply{}, err
	}
	var reply wire.Reply
	var err error
	if path == "" {
		reply, err = c.command(ctx, cmd)
	} else {
		reply, err = c.command(ctx, cmd, path)
	}
	if err != nil {
		return wire.Reply{}, err
	}
	if reply.Outcome() != wire.OutcomeInfo && reply.Outcome() != wire.OutcomeSuccess {
		return reply, ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemOk, fmt.Errorf("%s failed: %d", cmd, reply.Code)).WithReply(reply.Text)
	}
	return reply, nil
}

// AwaitTransferComplete waits for the final 226/250-class reply that
// follows a data connection closing, spec.md §4.4.
func (c *Conn) AwaitTransferComplete(ctx context.Context) (wire.Reply, error) {
	reply, err := c.waitReply(ctx)
	if err != nil {
		return wire.Reply{}, err
	}
	if reply.Outcome() != wire.OutcomeSuccess {
		return reply, ftperrors.New(ftperrors.KindPermanentProtocol, ftperrors.ProblemTransferFailedOnCreated, fmt.Errorf("transfer did not complete: %d", reply.Code)).WithReply(reply.Text)
	}
	return reply, nil
}

// command sends cmd/args and waits for its reply, spec.md §4.4
// "send_command". The caller is responsible for interpreting the
// returned reply's Outcome.
func (c *Conn) command(ctx context.Context, cmd wire.Command, args ...string) (wire.Reply, error) {
	c.setState(StateCommanding)
	wireBytes, logBytes := wire.Format(cmd, args...)
	ftplog.LogTrace(ftplog.Trace{LogUID: c.logUID, Timestamp: time.Now(), Direction: ftplog.DirCmd, Text: string(logBytes)})

	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return wire.Reply{}, ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemOk, fmt.Errorf("ctrlconn: not connected"))
	}
	if err := socket.Send(wireBytes); err != nil {
		return wire.Reply{}, ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemOk, err)
	}
	c.setState(StateAwaitingReply)
	reply, err := c.waitReply(ctx)
	if err == nil {
		ftplog.LogTrace(ftplog.Trace{LogUID: c.logUID, Timestamp: time.Now(), Direction: ftplog.DirReply, Text: strings.TrimSpace(reply.Text)})
		c.setState(StateIdle)
	}
	return reply, err
}

// waitReply blocks on the reactor's event stream for this connection's
// socket until a complete reply has been parsed out of the accumulated
// inbox, honouring ctx cancellation and the configured reply timeout,
// spec.md §5 "server_reply_timeout".
func (c *Conn) waitReply(ctx context.Context) (wire.Reply, error) {
	c.mu.Lock()
	socket := c.socket
	buf := c.recvBuf
	c.mu.Unlock()

	if reply, consumed, ok := wire.ParseReply(buf); ok {
		c.mu.Lock()
		c.recvBuf = c.recvBuf[consumed:]
		c.mu.Unlock()
		return reply, nil
	}

	timeout := c.opts.ServerReplyTimeout
	if timeout <= 0 {
		timeout = ftpconfig.DefaultServerReplyTimeout
	}
	deadline := time.After(timeout)
	for {
		select {
		case ev, open := <-c.reactor.Events():
			if !open {
				return wire.Reply{}, ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemOk, fmt.Errorf("ctrlconn: reactor closed"))
			}
			if socket == nil || ev.UID != socket.UID {
				continue
			}
			switch ev.Kind {
			case sock.EventBytesRead:
				c.mu.Lock()
				c.recvBuf = append(c.recvBuf, ev.Data...)
				buf := c.recvBuf
				reply, consumed, ok := wire.ParseReply(buf)
				if ok {
					c.recvBuf = c.recvBuf[consumed:]
				}
				c.mu.Unlock()
				if ok {
					return reply, nil
				}
			case sock.EventClosed:
				c.teardown(ev.Err)
				return wire.Reply{}, ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemOk, fmt.Errorf("ctrlconn: socket closed while awaiting reply: %v", ev.Err))
			}
		case <-deadline:
			return wire.Reply{}, ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemOk, fmt.Errorf("ctrlconn: server reply timeout after %s", timeout))
		case <-ctx.Done():
			return wire.Reply{}, ctx.Err()
		}
	}
}

// Close sends QUIT (best-effort) and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	socket := c.socket
	c.mu.Unlock()
	if socket == nil {
		return nil
	}
	wireBytes, _ := wire.Format(wire.CmdQUIT)
	_ = socket.Send(wireBytes)
	c.teardown(nil)
	return nil
}

// Reactor exposes the connection's private reactor so dataconn can open
// data sockets that share its event loop.
func (c *Conn) Reactor() *sock.Reactor { return c.reactor }

// DataFilters returns the stackable filters a data connection dialled
// off this control connection should apply, spec.md §4.2/§4.5.1: TLS
// with session reuse from the control connection's session cache when
// the endpoint negotiated TLS, followed by MODE Z compression when that
// negotiated too. The order matters — TLS must wrap the raw socket
// before MODE Z's deflate/inflate layer sees any bytes.
func (c *Conn) DataFilters() []sock.Filter {
	c.mu.Lock()
	tlsActive := c.tlsActive
	modeZActive := c.modeZActive
	host := c.endpoint.Host
	c.mu.Unlock()

	var filters []sock.Filter
	if tlsActive {
		filters = append(filters, sock.ReuseSessionFrom(c.sessionCache, host, nil))
	}
	if modeZActive {
		filters = append(filters, sock.ModeZFilter{})
	}
	return filters
}

// VerifyDataTLS checks, once a data socket has been dialled through
// DataFilters, that a TLS session reuse actually succeeded. A failed
// reuse is ReuseSSLSessionFailed (spec.md §4.2/§4.4/§8): the caller
// must force an immediate control-connection reconnect before retrying.
// A non-TLS data connection (tlsActive false) is always verified ok.
func (c *Conn) VerifyDataTLS(socket *sock.Socket) error {
	c.mu.Lock()
	tlsActive := c.tlsActive
	hasCache := c.sessionCache != nil
	c.mu.Unlock()
	if !tlsActive || !hasCache {
		return nil
	}
	reused, err := sock.VerifyReused(socket.Underlying())
	if err != nil {
		return ftperrors.New(ftperrors.KindTLSFatal, ftperrors.ProblemReuseSSLSessionFailed, err)
	}
	if !reused {
		return ftperrors.New(ftperrors.KindTLSFatal, ftperrors.ProblemReuseSSLSessionFailed,
			fmt.Errorf("ctrlconn: data connection TLS session was not resumed"))
	}
	return nil
}

// Socket exposes the live control socket, for keepalive.go.
func (c *Conn) Socket() *sock.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket
}
