package diskio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submit(t *testing.T, p *Pool, job Job) Result {
	t.Helper()
	c := make(chan Result, 1)
	job.CompletionC = c
	p.Submit(job)
	select {
	case r := <-c:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete in time")
		return Result{}
	}
}

func TestOpenWriteCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(2)
	defer pool.Close()

	target := filepath.Join(dir, "sub", "file.bin")
	res := submit(t, pool, Job{Kind: JobOpenForWrite, Path: target, Policy: ConflictOverwrite, CallerUID: 1, MessageID: 1})
	require.Equal(t, ResultOk, res.State)

	h, ok := pool.Handle(1, 1)
	require.True(t, ok)
	_, err := h.Write([]byte("hello world"))
	require.NoError(t, err)

	res = submit(t, pool, Job{Kind: JobCloseFile, CallerUID: 1, MessageID: 1})
	require.Equal(t, ResultOk, res.State)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestOpenForWriteSkipOnExisting(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(1)
	defer pool.Close()
	target := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	res := submit(t, pool, Job{Kind: JobOpenForWrite, Path: target, Policy: ConflictSkip, CallerUID: 2, MessageID: 1})
	assert.Equal(t, ResultSkipped, res.State)
}

func TestTestResumeFingerprintMismatch(t *testing.T) {
	dir := t.TempDir()
	pool := NewPool(1)
	defer pool.Close()
	target := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(target, []byte("12345"), 0o644))

	res := submit(t, pool, Job{Kind: JobTestResumeFingerprint, Path: target, ExpectedSize: 999})
	assert.Equal(t, ResultFailed, res.State)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "ResumeTestFailed")
}

func TestListDirSortedOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	pool := NewPool(1)
	defer pool.Close()
	res := submit(t, pool, Job{Kind: JobListDir, Path: dir})
	require.Equal(t, ResultOk, res.State)
	var names []string
	for _, e := range res.Entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, names)
}

func TestCreateDirSkipExisting(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(target, 0o755))
	pool := NewPool(1)
	defer pool.Close()
	res := submit(t, pool, Job{Kind: JobCreateDir, Path: target, Policy: ConflictSkip})
	assert.Equal(t, ResultSkipped, res.State)
}
