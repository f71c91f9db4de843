package sock

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/ftpcore/engine/ftperrors"
)

// TLSFilter upgrades a connection to TLS, optionally reusing a parent
// control connection's session ticket so a data connection skips the
// full handshake, spec.md §4.2 "TLS is a stackable filter with session
// reuse from a parent socket". Kept on stdlib crypto/tls deliberately —
// see DESIGN.md / SPEC_FULL.md DOMAIN STACK for why no pack dependency
// covers this.
type TLSFilter struct {
	Config     *tls.Config
	ServerName string
	// SessionCache, when set, is shared with the parent control
	// connection so the data connection can resume its session.
	SessionCache tls.ClientSessionCache
}

// WrapConn implements Filter.
func (t TLSFilter) WrapConn(conn net.Conn) (net.Conn, error) {
	cfg := t.Config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if t.ServerName != "" {
		cfg.ServerName = t.ServerName
	}
	if t.SessionCache != nil {
		cfg.ClientSessionCache = t.SessionCache
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, classifyTLSError(err)
	}
	return tlsConn, nil
}

// classifyTLSError distinguishes the TLS-fatal conditions spec.md §4.4/
// §7/§8 name (forcing an immediate reconnect with no backoff) from
// ordinary transient TLS failures.
func classifyTLSError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*tls.CertificateVerificationError); ok {
		return ftperrors.New(ftperrors.KindTLSFatal, ftperrors.ProblemCertificateChanged, err)
	}
	return ftperrors.New(ftperrors.KindTransientNetwork, ftperrors.ProblemOk, err)
}

// NewSessionCache builds a shared tls.ClientSessionCache of the
// configured size, matching the "tls_cache_size" option family from
// backend/ftp/ftp.go ("Size of TLS session cache for all control and
// data connections").
func NewSessionCache(size int) tls.ClientSessionCache {
	if size <= 0 {
		return nil
	}
	return tls.NewLRUClientSessionCache(size)
}

// ReuseSessionFrom returns a TLSFilter for a data connection that
// attempts to reuse parent's session cache; if the handshake reports
// ReuseSSLSessionFailed the caller (ctrlconn) must force an immediate
// control-connection reconnect per spec.md §4.4.
func ReuseSessionFrom(cache tls.ClientSessionCache, serverName string, cfg *tls.Config) TLSFilter {
	return TLSFilter{Config: cfg, ServerName: serverName, SessionCache: cache}
}

// VerifyReused reports whether conn's TLS handshake actually resumed the
// parent session (vs. performing a full handshake), used to detect
// ReuseSSLSessionFailed per spec.md §4.2/§4.4.
func VerifyReused(conn net.Conn) (reused bool, err error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return false, fmt.Errorf("sock: not a TLS connection")
	}
	return tc.ConnectionState().DidResume, nil
}
