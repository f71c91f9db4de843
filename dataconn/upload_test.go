package dataconn

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpcore/engine/sock"
)

func TestPacketSizeEstimatorGrowsAndHalves(t *testing.T) {
	e := NewPacketSizeEstimator(64 * 1024)
	base := time.Unix(0, 0)

	// First write is discounted; no adjustment happens.
	e.RecordWrite(1000, base)
	assert.Equal(t, 64*1024, e.ChunkSize())

	// A full-throughput window: no prior baseline, so it grows (capped
	// at maxPacketSize, which it already is).
	e.RecordWrite(200*1024, base.Add(1100*time.Millisecond))
	assert.Equal(t, maxPacketSize, e.ChunkSize())

	// Collapse: throughput falls below half of the prior window's rate.
	before := e.ChunkSize()
	e.RecordWrite(1000, base.Add(2300*time.Millisecond))
	assert.Equal(t, before/2, e.ChunkSize())
	assert.Equal(t, before, e.tooBigPacketSize)

	// Growth afterwards must never exceed the recorded too-big value.
	halved := e.ChunkSize()
	for i := 0; i < 10; i++ {
		e.RecordWrite(1024*1024, base.Add(time.Duration(3+i)*time.Second))
	}
	assert.LessOrEqual(t, e.ChunkSize(), before)
	assert.GreaterOrEqual(t, e.ChunkSize(), halved)
}

func TestUploadSendsAllBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("upload payload "), 2000)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	received := make(chan int, 1)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		total := 0
		for total < len(payload) {
			n, err := conn.Read(buf)
			total += n
			if err != nil {
				break
			}
		}
		received <- total
	}()

	r := sock.NewReactor()
	defer r.Close()
	s, err := r.Connect("tcp", ln.Addr().String())
	require.NoError(t, err)

	up := NewUpload(s, bytes.NewReader(payload), false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := up.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.EndOfFile)
	assert.Equal(t, int64(len(payload)), res.BytesSent)

	select {
	case n := <-received:
		assert.Equal(t, len(payload), n)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received full payload")
	}
}
