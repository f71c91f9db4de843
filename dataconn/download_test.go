package dataconn

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpcore/engine/ftpconfig"
	"github.com/ftpcore/engine/ftperrors"
	"github.com/ftpcore/engine/sock"
)

func dialedSocket(t *testing.T, serve func(conn net.Conn)) (*sock.Reactor, *sock.Socket) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	r := sock.NewReactor()
	s, err := r.Connect("tcp", ln.Addr().String())
	require.NoError(t, err)
	return r, s
}

func TestDownloadWritesAllBytesAndCompletes(t *testing.T) {
	payload := bytes.Repeat([]byte("hello world\n"), 1000)
	r, s := dialedSocket(t, func(conn net.Conn) {
		conn.Write(payload)
	})
	defer r.Close()

	var dest bytes.Buffer
	dl := NewDownload(r, s, &dest, WithFlushBuffer(1024, 50*time.Millisecond), WithNoDataTimeout(2*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := dl.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.BytesWritten)
	assert.Equal(t, payload, dest.Bytes())
}

func TestDownloadNoDataTimeout(t *testing.T) {
	r, s := dialedSocket(t, func(conn net.Conn) {
		time.Sleep(2 * time.Second)
	})
	defer r.Close()

	var dest bytes.Buffer
	dl := NewDownload(r, s, &dest, WithNoDataTimeout(100*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := dl.Run(ctx)
	require.Error(t, err)
	ferr, ok := ftperrors.AsFTPError(err)
	require.True(t, ok)
	assert.Equal(t, ftperrors.ProblemDataConTimeout, ferr.ProblemID)
}

func TestDownloadAsciiBinaryProblemCancels(t *testing.T) {
	bad := append([]byte("leading text\n"), 0x00, 0x00, 0x00, 0x00)
	r, s := dialedSocket(t, func(conn net.Conn) {
		conn.Write(bad)
	})
	defer r.Close()

	var dest bytes.Buffer
	dl := NewDownload(r, s, &dest, WithAsciiMode(ftpconfig.AsciiBinaryCancel), WithNoDataTimeout(2*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := dl.Run(ctx)
	require.Error(t, err)
	assert.True(t, res.AsciiProblem.Problem)
}
