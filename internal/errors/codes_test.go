package errors

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  *AccountError
		want int
	}{
		{MissingTimestamp("abc"), http.StatusBadRequest},
		{AccountNotFound("a"), http.StatusNotFound},
		{RecentlyDeleted("a"), http.StatusForbidden},
		{Conflict("a"), http.StatusConflict},
		{MethodNotAllowed("PATCH"), http.StatusMethodNotAllowed},
		{NotAcceptable("image/png"), http.StatusNotAcceptable},
		{PreconditionFailed("Bad delimiter"), http.StatusPreconditionFailed},
		{InvalidUTF8("/a"), http.StatusPreconditionFailed},
		{RateLimited(), http.StatusTooManyRequests},
		{DeviceUnmounted("sda1"), http.StatusInsufficientStorage},
		{InsufficientSpace("sda1", nil), http.StatusInsufficientStorage},
		{LockTimeout("/srv/x.db", nil), http.StatusInternalServerError},
		{InternalError("boom", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Message, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestBodyHidesServerErrors(t *testing.T) {
	err := InternalError("disk exploded at /srv/node/sda1", io.ErrUnexpectedEOF)
	assert.Equal(t, "Internal Server Error", err.Body())
	assert.Contains(t, err.Error(), "unexpected EOF")

	assert.Equal(t, "sda1 is not mounted", DeviceUnmounted("sda1").Body())
	assert.Equal(t, "sda1 is out of space", InsufficientSpace("sda1", nil).Body())
	assert.Equal(t, "Recently deleted", RecentlyDeleted("a").Body())
}

func TestWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("put container: %w", Conflict("AUTH_test"))

	assert.Equal(t, ErrCodeConflict, GetCode(wrapped))
	assert.Equal(t, http.StatusConflict, HTTPStatus(wrapped))
	assert.Equal(t, ErrCodeInternal, GetCode(io.EOF))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(io.EOF))

	ae, ok := AsAccountError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "AUTH_test", ae.Details["account"])
}
