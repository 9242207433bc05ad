package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransientErrorWrapping(t *testing.T) {
	t.Parallel()
	inner := errors.New("hts endpoint returned 503")
	te := NewTransientError(inner, 503)

	assert.Equal(t, inner.Error(), te.Error())
	assert.Equal(t, 503, te.StatusCode)
	assert.ErrorIs(t, te, inner)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit transient", NewTransientError(errors.New("throttled"), 429), true},
		{"transient deep in chain", fmt.Errorf("lookup 7326.90.86: %w", NewTransientError(errors.New("bad gateway"), 502)), true},
		{"net timeout", timeoutErr{}, true},
		{"net.Error non-timeout", &net.AddrError{Err: "bad address", Addr: "x"}, false},
		{"connection reset errno", fmt.Errorf("download: %w", syscall.ECONNRESET), true},
		{"connection refused errno", syscall.ECONNREFUSED, true},
		{"connection aborted errno", syscall.ECONNABORTED, true},
		{"reset by message", eris.New("read tcp 10.0.0.2:443: connection reset by peer"), true},
		{"dns by message", eris.New("dial tcp: lookup hts.usitc.gov: no such host"), true},
		{"tls handshake by message", eris.New("net/http: TLS handshake timeout"), true},
		{"io timeout by message", eris.New("read: i/o timeout"), true},
		{"permanent", eris.New("code 0101.21.00 not found in schedule"), false},
		{"plain error", errors.New("invalid rate expression"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 304, 400, 401, 403, 404, 410, 422, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}
