package handler

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/munnerz/goautoneg"

	accterrors "github.com/devrev/pairdb/account-server/internal/errors"
	"github.com/devrev/pairdb/account-server/internal/validation"
)

// formatContentTypes maps the format query parameter to a media type
var formatContentTypes = map[string]string{
	"plain": "text/plain",
	"json":  "application/json",
	"xml":   "application/xml",
}

// listingContentTypes are the media types a listing can be rendered in, in
// order of preference
var listingContentTypes = []string{
	"text/plain",
	"application/json",
	"application/xml",
	"text/xml",
}

// negotiateContentType picks the response media type. A format query
// parameter overrides the Accept header; unknown formats mean plain text.
func negotiateContentType(r *http.Request, query url.Values) (string, error) {
	format, err := validation.QueryParam(query, "format")
	if err != nil {
		return "", err
	}

	accept := r.Header.Get("Accept")
	if format != "" {
		ct, ok := formatContentTypes[strings.ToLower(format)]
		if !ok {
			ct = formatContentTypes["plain"]
		}
		accept = ct
	}
	if strings.TrimSpace(accept) == "" {
		accept = "*/*"
	}

	ct := goautoneg.Negotiate(accept, listingContentTypes)
	if ct == "" {
		return "", accterrors.NotAcceptable(accept)
	}
	return ct, nil
}
