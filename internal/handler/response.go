// Package handler serves the account server HTTP verbs.
package handler

import (
	"net/http"

	accterrors "github.com/devrev/pairdb/account-server/internal/errors"
)

const (
	// AccountStatusHeader marks a 404 or 403 for an account that exists but
	// is deleted
	AccountStatusHeader = "X-Account-Status"

	textPlain = "text/plain; charset=utf-8"
)

// Response is what a verb handler produces. The dispatcher writes it.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func newResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

func textResponse(status int, body string) *Response {
	resp := newResponse(status)
	resp.Header.Set("Content-Type", textPlain)
	resp.Body = []byte(body)
	return resp
}

// errorResponse renders an expected failure. Server-side failures keep their
// detail out of the body.
func errorResponse(err *accterrors.AccountError) *Response {
	return textResponse(err.HTTPStatus(), err.Body())
}

func badRequest(err error) *Response {
	if ae, ok := accterrors.AsAccountError(err); ok {
		return errorResponse(ae)
	}
	return textResponse(http.StatusBadRequest, err.Error())
}
