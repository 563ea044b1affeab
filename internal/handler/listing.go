package handler

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"

	"github.com/devrev/pairdb/account-server/internal/model"
	"github.com/devrev/pairdb/account-server/internal/service"
)

type jsonContainer struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
	Bytes int64  `json:"bytes"`
}

type jsonSubdir struct {
	Subdir string `json:"subdir"`
}

// accountHeaders are the summary headers shared by HEAD and GET
func accountHeaders(h http.Header, snap service.AccountSnapshot, contentType string) {
	h.Set("X-Account-Container-Count", strconv.FormatInt(snap.Info.ContainerCount, 10))
	h.Set("X-Account-Object-Count", strconv.FormatInt(snap.Info.ObjectCount, 10))
	h.Set("X-Account-Bytes-Used", strconv.FormatInt(snap.Info.BytesUsed, 10))
	h.Set("X-Timestamp", snap.Info.CreatedAt.String())
	h.Set("X-Put-Timestamp", snap.Info.PutTimestamp.String())
	for key, value := range snap.Metadata {
		h.Set(key, value)
	}
	h.Set("Content-Type", contentType+"; charset=utf-8")
}

// listingResponse renders a container listing in the negotiated format. An
// empty plain text listing answers 204.
func listingResponse(account string, listing service.Listing, contentType string) (*Response, error) {
	var (
		body []byte
		err  error
	)
	switch contentType {
	case "application/json":
		body, err = renderJSON(listing.Entries)
	case "application/xml", "text/xml":
		body, err = renderXML(account, listing.Entries)
	default:
		if len(listing.Entries) == 0 {
			resp := newResponse(http.StatusNoContent)
			accountHeaders(resp.Header, listing.AccountSnapshot, contentType)
			return resp, nil
		}
		body = renderPlain(listing.Entries)
	}
	if err != nil {
		return nil, err
	}

	resp := newResponse(http.StatusOK)
	accountHeaders(resp.Header, listing.AccountSnapshot, contentType)
	resp.Body = body
	return resp, nil
}

func renderJSON(entries []model.ListEntry) ([]byte, error) {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		if e.IsSubdir {
			out = append(out, jsonSubdir{Subdir: e.Name})
			continue
		}
		out = append(out, jsonContainer{Name: e.Name, Count: e.ObjectCount, Bytes: e.BytesUsed})
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode listing: %w", err)
	}
	return body, nil
}

func renderXML(account string, entries []model.ListEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	buf.WriteString(`<account name="`)
	if err := xml.EscapeText(&buf, []byte(account)); err != nil {
		return nil, err
	}
	buf.WriteString(`">`)

	for _, e := range entries {
		buf.WriteByte('\n')
		if e.IsSubdir {
			buf.WriteString(`<subdir name="`)
			if err := xml.EscapeText(&buf, []byte(e.Name)); err != nil {
				return nil, err
			}
			buf.WriteString(`" />`)
			continue
		}
		buf.WriteString("<container><name>")
		if err := xml.EscapeText(&buf, []byte(e.Name)); err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "</name><count>%d</count><bytes>%d</bytes></container>", e.ObjectCount, e.BytesUsed)
	}
	buf.WriteString("\n</account>")
	return buf.Bytes(), nil
}

func renderPlain(entries []model.ListEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.Name)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
