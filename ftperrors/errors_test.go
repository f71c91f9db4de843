package ftperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldReconnectNow(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"tls-fatal-kind", New(KindTLSFatal, ProblemOk, errors.New("x")), true},
		{"reuse-ssl-failed", New(KindTransientNetwork, ProblemReuseSSLSessionFailed, errors.New("x")), true},
		{"certificate-changed", New(KindTransientNetwork, ProblemCertificateChanged, errors.New("x")), true},
		{"ordinary-transient", New(KindTransientNetwork, ProblemDataConTimeout, errors.New("x")), false},
		{"plain-error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, ShouldReconnectNow(c.err))
		})
	}
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(New(KindTransientNetwork, ProblemDataConTimeout, errors.New("x"))))
	assert.False(t, IsRetriable(New(KindPermanentProtocol, ProblemOk, errors.New("x"))))
	assert.False(t, IsRetriable(New(KindLocalFilesystem, ProblemCannotCreateTgtFile, errors.New("x"))))
	assert.False(t, IsRetriable(nil))
	assert.True(t, IsRetriable(errors.New("unclassified")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := New(KindTransientNetwork, ProblemDataConTimeout, cause)
	assert.True(t, errors.Is(e, cause))
	assert.Contains(t, e.Error(), "root cause")
	e.WithReply("550 permission denied")
	assert.Contains(t, e.Error(), "550 permission denied")
}
