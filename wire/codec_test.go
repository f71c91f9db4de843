package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatRedactsPassword(t *testing.T) {
	wireBytes, logBytes := Format(CmdPASS, "hunter2")
	assert.Equal(t, "PASS hunter2\r\n", string(wireBytes))
	assert.Equal(t, "PASS *****", string(logBytes))
}

func TestFormatPlainCommand(t *testing.T) {
	wireBytes, logBytes := Format(CmdCWD, "/home/user")
	assert.Equal(t, "CWD /home/user\r\n", string(wireBytes))
	assert.Equal(t, "CWD /home/user", string(logBytes))
}

func TestParseReplySingleLine(t *testing.T) {
	buf := []byte("230 Login successful.\r\n")
	reply, consumed, ok := ParseReply(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, 230, reply.Code)
	assert.Equal(t, "Login successful.", reply.Text)
	assert.True(t, reply.IsFinal)
	assert.Equal(t, OutcomeSuccess, reply.Outcome())
}

func TestParseReplyMultiLine(t *testing.T) {
	buf := []byte("211-Features:\r\n PASV\r\n EPSV\r\n211 End\r\n")
	reply, consumed, ok := ParseReply(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), consumed)
	assert.Equal(t, 211, reply.Code)
	assert.Contains(t, reply.Text, "Features:")
	assert.Contains(t, reply.Text, "PASV")
	assert.True(t, reply.IsFinal)
}

func TestParseReplyIncompleteMultiLine(t *testing.T) {
	buf := []byte("211-Features:\r\n PASV\r\n")
	_, _, ok := ParseReply(buf)
	assert.False(t, ok, "an in-progress multi-line reply must not be reported complete")
}

func TestParseReplyClasses(t *testing.T) {
	for code, want := range map[int]Outcome{
		125: OutcomeInfo,
		226: OutcomeSuccess,
		350: OutcomePartial,
		425: OutcomeTransientError,
		550: OutcomePermanentError,
	} {
		r := Reply{Code: code}
		assert.Equal(t, want, r.Outcome(), "code %d", code)
	}
}

func TestParsePASV(t *testing.T) {
	ip, port, err := ParsePASV("Entering Passive Mode (192,168,1,5,200,13).")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", ip)
	assert.Equal(t, 200*256+13, port)
}

func TestParsePASVMalformed(t *testing.T) {
	_, _, err := ParsePASV("no address here")
	assert.Error(t, err)
}

func TestParseEPSV(t *testing.T) {
	port, err := ParseEPSV("Entering Extended Passive Mode (|||60048|)")
	require.NoError(t, err)
	assert.Equal(t, 60048, port)
}

func TestParsePWDReplyQuoted(t *testing.T) {
	p, err := ParsePWDReply(`"/home/user" is current directory.`)
	require.NoError(t, err)
	assert.Equal(t, "/home/user", p)
}

func TestParsePWDReplyEscapedQuote(t *testing.T) {
	p, err := ParsePWDReply(`"/home/""weird""/dir" is current directory.`)
	require.NoError(t, err)
	assert.Equal(t, `/home/"weird"/dir`, p)
}

func TestParsePWDReplyBareForm(t *testing.T) {
	// warftpd-style bare reply, spec.md §9's liberal-parsing open question.
	p, err := ParsePWDReply("/home/user")
	require.NoError(t, err)
	assert.Equal(t, "/home/user", p)
}
