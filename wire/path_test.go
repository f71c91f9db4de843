package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCutLastRoundTripUnix(t *testing.T) {
	for _, p := range []string{"/home/user/file.txt", "/a", "/a/b/c"} {
		parent, last := CutLast(Unix, p)
		assert.Equal(t, p, Append(Unix, parent, last), "round trip for %q", p)
	}
}

func TestAppendCutLastRoundTripDos(t *testing.T) {
	for _, p := range []string{`C:\Users\bob\file.txt`, `C:\x`} {
		parent, last := CutLast(Dos, p)
		assert.Equal(t, p, Append(Dos, parent, last), "round trip for %q", p)
	}
}

func TestIsPrefixUnix(t *testing.T) {
	assert.True(t, IsPrefix(Unix, "/home", "/home/user"))
	assert.True(t, IsPrefix(Unix, "/home/user", "/home/user"))
	assert.False(t, IsPrefix(Unix, "/home", "/homework"))
	assert.True(t, IsPrefix(Unix, "", "/anything"))
}

func TestIsSameDosCaseInsensitive(t *testing.T) {
	assert.True(t, IsSame(Dos, `C:\FOO`, `c:\foo`))
	assert.False(t, IsSame(Unix, "/FOO", "/foo"))
}

func TestIsValidComponent(t *testing.T) {
	assert.True(t, IsValidComponent(Unix, "file.txt"))
	assert.False(t, IsValidComponent(Unix, ".."))
	assert.False(t, IsValidComponent(Unix, "a/b"))
	assert.False(t, IsValidComponent(Dos, "a:b"))
}

func TestMakeVMSDirName(t *testing.T) {
	assert.Equal(t, "[.SUBDIR]", MakeVMSDirName("SUBDIR"))
}

func TestVMSAppendCutLast(t *testing.T) {
	dir := MakeVMSDirName("A")
	dir = Append(Vms, dir, "B")
	assert.Equal(t, "[.A.B]", dir)
	parent, last := CutLast(Vms, dir)
	assert.Equal(t, "B", last)
	assert.Equal(t, "[.A]", parent)
}

func TestAS400QSYSRoundTrip(t *testing.T) {
	c := AS400FileComponents{Library: "MYLIB", File: "MYFILE", FileType: "FILE", Member: "MYMBR"}
	p := JoinAS400QSYSPath(c)
	assert.Equal(t, "/QSYS.LIB/MYLIB.LIB/MYFILE.FILE/MYMBR.MBR", p)
	got, err := SplitAS400QSYSPath(p)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestAS400QSYSMissingLibrary(t *testing.T) {
	_, err := SplitAS400QSYSPath("/QSYS.LIB/MYFILE.FILE")
	assert.Error(t, err)
}
