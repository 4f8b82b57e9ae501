package errors

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "code and message",
			err:  New(CodeForbidden, "invalid HMAC signature"),
			want: "[FORBIDDEN] invalid HMAC signature",
		},
		{
			name: "with details",
			err:  InvalidInput("invalid payload").WithDetails("message is required"),
			want: "[INVALID_INPUT] invalid payload: message is required",
		},
		{
			name: "with cause",
			err:  Wrap(io.EOF, CodeUnavailable, "store read failed"),
			want: "[UNAVAILABLE] store read failed: EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsCode_WrappedChain(t *testing.T) {
	base := NotFound("log entry")
	wrapped := fmt.Errorf("analyze: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsInternal(wrapped))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(io.EOF))
	assert.ErrorIs(t, Wrap(io.EOF, CodeInternal, "x"), io.EOF)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Forbidden("bad signature"), http.StatusForbidden},
		{InvalidInput("bad json"), http.StatusBadRequest},
		{NotFound("task"), http.StatusNotFound},
		{RateLimited(), http.StatusTooManyRequests},
		{NotificationFailed(io.EOF), http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}
