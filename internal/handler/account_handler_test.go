package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/account-server/internal/metrics"
	"github.com/devrev/pairdb/account-server/internal/placement"
	"github.com/devrev/pairdb/account-server/internal/replicator"
	"github.com/devrev/pairdb/account-server/internal/service"
	"github.com/devrev/pairdb/account-server/internal/storage/broker"
	"github.com/devrev/pairdb/account-server/internal/storage/diskmanager"
	"github.com/devrev/pairdb/account-server/internal/validation"
)

type testServer struct {
	dispatcher *Dispatcher
	brokers    *broker.Factory
	metrics    *metrics.Metrics
	root       string
}

func newTestServer(t *testing.T, mode ReplicationMode, mountCheck bool) *testServer {
	t.Helper()
	root := t.TempDir()
	logger := zap.NewNop()

	dm, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{Root: root, MountCheck: mountCheck}, logger)
	require.NoError(t, err)

	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	brokers := &broker.Factory{
		Resolver: placement.NewResolver(root, "", "endcap"),
		Logger:   logger,
		OnCommit: m.ObservePendingCommit,
	}
	svc := service.NewAccountService(service.AccountServiceConfig{}, brokers, dm, logger)
	rpc := replicator.NewRPC(brokers, logger, m.ObserveReplicateOp)
	h := NewAccountHandler(svc, rpc, dm, validation.NewValidator(), m, logger)

	return &testServer{
		dispatcher: NewDispatcher(h, mode, m, logger),
		brokers:    brokers,
		metrics:    m,
		root:       root,
	}
}

func (s *testServer) do(method, target string, headers map[string]string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.dispatcher.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) putAccount(t *testing.T, path, ts string) {
	t.Helper()
	rec := s.do(http.MethodPut, path, map[string]string{"X-Timestamp": ts}, "")
	require.Contains(t, []int{http.StatusCreated, http.StatusAccepted}, rec.Code)
}

func (s *testServer) putContainer(t *testing.T, path, put, del string, objects, bytes int) int {
	t.Helper()
	rec := s.do(http.MethodPut, path, map[string]string{
		"X-Put-Timestamp":    put,
		"X-Delete-Timestamp": del,
		"X-Object-Count":     fmt.Sprint(objects),
		"X-Bytes-Used":       fmt.Sprint(bytes),
	}, "")
	return rec.Code
}

// Scenario: PUT at 100 creates, an older PUT is accepted and changes nothing.
func TestPutAccountMonotonic(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)

	rec := s.do(http.MethodPut, "/sda1/0/acct", map[string]string{"X-Timestamp": "100"}, "")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPut, "/sda1/0/acct", map[string]string{"X-Timestamp": "50"}, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(http.MethodHead, "/sda1/0/acct", nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0000000100.00000", rec.Header().Get("X-Put-Timestamp"))
}

func TestPutAccountRequiresTimestamp(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)

	for _, ts := range []string{"", "abc", "NaN"} {
		rec := s.do(http.MethodPut, "/sda1/0/acct", map[string]string{"X-Timestamp": ts}, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, ts)
	}
}

// Scenario: DELETE answers 204, then GET answers 404 flagged as deleted.
func TestDeleteThenGet(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	s.putAccount(t, "/sda1/0/acct", "100")

	rec := s.do(http.MethodDelete, "/sda1/0/acct", map[string]string{"X-Timestamp": "200"}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/sda1/0/acct", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Deleted", rec.Header().Get(AccountStatusHeader))

	// deleting again at an older timestamp changes nothing
	rec = s.do(http.MethodDelete, "/sda1/0/acct", map[string]string{"X-Timestamp": "150"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Deleted", rec.Header().Get(AccountStatusHeader))

	rec = s.do(http.MethodPut, "/sda1/0/acct", map[string]string{"X-Timestamp": "300"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Recently deleted", rec.Body.String())
	assert.Equal(t, "Deleted", rec.Header().Get(AccountStatusHeader))

	rec = s.do(http.MethodPost, "/sda1/0/acct", map[string]string{"X-Timestamp": "300"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteBadRequests(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)

	rec := s.do(http.MethodDelete, "/sda1/0/acct", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/sda1/0", map[string]string{"X-Timestamp": "1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid path")

	rec = s.do(http.MethodDelete, "/sda1/0/acct/extra", map[string]string{"X-Timestamp": "1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/../0/acct", map[string]string{"X-Timestamp": "1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Scenario: HEAD on a never-created account is a plain 404.
func TestHeadUnknownAccount(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)

	rec := s.do(http.MethodHead, "/sda1/0/acct", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get(AccountStatusHeader))

	rec = s.do(http.MethodDelete, "/sda1/0/acct", map[string]string{"X-Timestamp": "1"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get(AccountStatusHeader))
}

func TestHeadReportsSummaryAndMetadata(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	rec := s.do(http.MethodPut, "/sda1/0/acct", map[string]string{
		"X-Timestamp":          "1",
		"X-Account-Meta-Color": "blue",
		"X-Account-Meta-Gone":  "",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, http.StatusCreated, s.putContainer(t, "/sda1/0/acct/c1", "2", "0", 3, 30))

	rec = s.do(http.MethodHead, "/sda1/0/acct?format=json", nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Account-Container-Count"))
	assert.Equal(t, "3", rec.Header().Get("X-Account-Object-Count"))
	assert.Equal(t, "30", rec.Header().Get("X-Account-Bytes-Used"))
	assert.Equal(t, "blue", rec.Header().Get("X-Account-Meta-Color"))
	_, present := rec.Header()["X-Account-Meta-Gone"]
	assert.False(t, present)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Body.String())
}

func TestHeadNotAcceptable(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	s.putAccount(t, "/sda1/0/acct", "1")

	rec := s.do(http.MethodHead, "/sda1/0/acct", map[string]string{"Accept": "image/png"}, "")
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	rec = s.do(http.MethodHead, "/sda1/0/acct", map[string]string{"Accept": "text/*"}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = s.do(http.MethodHead, "/sda1/0/acct?format=bogus", map[string]string{"Accept": "image/png"}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// Scenario: a container whose delete is newer than its put answers 204.
func TestPutContainerResponses(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)

	assert.Equal(t, http.StatusNotFound, s.putContainer(t, "/sda1/0/acct/c1", "10", "0", 0, 0))

	s.putAccount(t, "/sda1/0/acct", "1")
	assert.Equal(t, http.StatusCreated, s.putContainer(t, "/sda1/0/acct/c1", "10", "0", 0, 0))
	assert.Equal(t, http.StatusNoContent, s.putContainer(t, "/sda1/0/acct/c2", "10", "20", 0, 0))
	assert.Equal(t, http.StatusNoContent, s.putContainer(t, "/sda1/0/acct/c3", "10", "20", 500, 1<<20))

	rec := s.do(http.MethodPut, "/sda1/0/acct/c4", map[string]string{"X-Put-Timestamp": "1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	long := strings.Repeat("c", validation.MaxContainerNameLength+1)
	assert.Equal(t, http.StatusBadRequest, s.putContainer(t, "/sda1/0/acct/"+long, "10", "0", 0, 0))
}

func TestPutContainerOverrideDeleted(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	s.putAccount(t, "/sda1/0/acct", "1")
	rec := s.do(http.MethodDelete, "/sda1/0/acct", map[string]string{"X-Timestamp": "2"}, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	headers := map[string]string{
		"X-Put-Timestamp":    "10",
		"X-Delete-Timestamp": "0",
		"X-Object-Count":     "0",
		"X-Bytes-Used":       "0",
		"X-Trans-Id":         "tx123",
	}
	rec = s.do(http.MethodPut, "/sda1/0/acct/c1", headers, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	headers["X-Account-Override-Deleted"] = "YES"
	rec = s.do(http.MethodPut, "/sda1/0/acct/c1", headers, "")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestGetListingFormats(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	s.putAccount(t, "/sda1/0/a&b", "1")
	for _, name := range []string{"x<1", "y-1", "y-2"} {
		require.Equal(t, http.StatusCreated, s.putContainer(t, "/sda1/0/a&b/"+url.PathEscape(name), "10", "0", 1, 10))
	}

	rec := s.do(http.MethodGet, "/sda1/0/a&b", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "x<1\ny-1\ny-2\n", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "3", rec.Header().Get("X-Account-Container-Count"))

	rec = s.do(http.MethodGet, "/sda1/0/a&b?format=json&delimiter=-", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, []map[string]interface{}{
		{"name": "x<1", "count": 1.0, "bytes": 10.0},
		{"subdir": "y-"},
	}, listing)

	rec = s.do(http.MethodGet, "/sda1/0/a&b?delimiter=-", map[string]string{"Accept": "application/xml"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strings.Join([]string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<account name="a&amp;b">`,
		`<container><name>x&lt;1</name><count>1</count><bytes>10</bytes></container>`,
		`<subdir name="y-" />`,
		`</account>`,
	}, "\n"), rec.Body.String())
	assert.Equal(t, "application/xml; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestGetEmptyListing(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	s.putAccount(t, "/sda1/0/acct", "1")

	rec := s.do(http.MethodGet, "/sda1/0/acct", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/sda1/0/acct?format=json", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", rec.Body.String())
}

// Scenario: a multi-character delimiter and an oversized limit answer 412
// before any lookup happens.
func TestGetPreconditions(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, true)

	// the device is not mounted, so reaching the lookup would answer 507
	rec := s.do(http.MethodGet, "/sda1/0/acct?delimiter=ab", nil, "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "Bad delimiter", rec.Body.String())

	rec = s.do(http.MethodGet, "/sda1/0/acct?limit=10001", nil, "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, "Maximum limit is 10000", rec.Body.String())

	rec = s.do(http.MethodGet, "/sda1/0/acct?prefix=%FF", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "parameters not utf8", rec.Body.String())

	for _, target := range []string{"/sda1/0/acct?limit=%zz", "/sda1/0/acct?prefix=%zz", "/sda1/0/acct?format=json&x=%"} {
		rec = s.do(http.MethodGet, target, nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, "parameters not utf8", rec.Body.String(), target)
	}
	rec = s.do(http.MethodHead, "/sda1/0/acct?format=%zz", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/sda1/0/acct?limit=10000", nil, "")
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
}

func TestPostMetadataLastWriterWins(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	s.putAccount(t, "/sda1/0/acct", "1")

	rec := s.do(http.MethodPost, "/sda1/0/acct", map[string]string{
		"X-Timestamp":          "20",
		"X-Account-Meta-Owner": "bob",
	}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodPost, "/sda1/0/acct", map[string]string{
		"X-Timestamp":          "10",
		"X-Account-Meta-Owner": "alice",
	}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodHead, "/sda1/0/acct", nil, "")
	assert.Equal(t, "bob", rec.Header().Get("X-Account-Meta-Owner"))

	rec = s.do(http.MethodPost, "/sda1/0/acct", map[string]string{"X-Timestamp": "bad"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing or bad timestamp", rec.Body.String())

	rec = s.do(http.MethodPost, "/sda1/0/other", map[string]string{"X-Timestamp": "1"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnmountedDevice(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, true)

	rec := s.do(http.MethodPut, "/sda1/0/acct", map[string]string{"X-Timestamp": "1"}, "")
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)
	assert.Equal(t, "sda1 is not mounted", rec.Body.String())

	rec = s.do("REPLICATE", "/sda1/0/"+strings.Repeat("ab", 16), nil, `["sync"]`)
	assert.Equal(t, http.StatusInsufficientStorage, rec.Code)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.UnmountedTotal.WithLabelValues("sda1")))
}

func TestReplicate(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	s.putAccount(t, "/sda1/0/acct", "1")
	hash := s.brokers.Resolver.AccountHash("acct")

	rec := s.do("REPLICATE", "/sda1/0/"+hash, nil, `{"not": "a list"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid object type", rec.Body.String())

	rec = s.do("REPLICATE", "/sda1/0/"+hash, nil, `["merge_syncs", [{"remote_id": "peer", "sync_point": 4}]]`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do("REPLICATE", "/sda1/0/"+hash, nil, `["merge_syncs", []]`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do("REPLICATE", "/sda1/0/"+strings.Repeat("deadbeef", 4), nil, `["merge_syncs", []]`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, bad := range []string{"..", "deadbeef", strings.ToUpper(hash), hash[:31] + "g"} {
		rec = s.do("REPLICATE", "/sda1/0/"+bad, nil, `["merge_syncs", []]`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.ReplicateOpsTotal.WithLabelValues("merge_syncs", "202")))
}

func TestNewerDeleteTimestampDeletesAccountWithContainers(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	s.putAccount(t, "/sda1/0/acct", "100")
	require.Equal(t, http.StatusCreated, s.putContainer(t, "/sda1/0/acct/c1", "110", "0", 1, 2))
	hash := s.brokers.Resolver.AccountHash("acct")

	rec := s.do("REPLICATE", "/sda1/0/"+hash, nil,
		`["sync", 1, "`+strings.Repeat("0", 32)+`", "peer", "100", "100", "200", ""]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodHead, "/sda1/0/acct", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(http.MethodGet, "/sda1/0/acct", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPut, "/sda1/0/acct", map[string]string{"X-Timestamp": "150"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPut, "/sda1/0/acct", map[string]string{"X-Timestamp": "300"}, "")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodHead, "/sda1/0/acct", nil, "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Account-Container-Count"))
}

// Scenario: REPLICATE on a normal-only server is not allowed.
func TestReplicationModeGating(t *testing.T) {
	tests := []struct {
		mode   ReplicationMode
		method string
		want   int
	}{
		{NormalOnly, "REPLICATE", http.StatusMethodNotAllowed},
		{NormalOnly, http.MethodHead, http.StatusNotFound},
		{ReplicationOnly, http.MethodHead, http.StatusMethodNotAllowed},
		{ReplicationOnly, "REPLICATE", http.StatusBadRequest},
		{ReplicationUnspecified, "REPLICATE", http.StatusBadRequest},
		{ReplicationUnspecified, http.MethodHead, http.StatusNotFound},
		{ReplicationUnspecified, "PATCH", http.StatusMethodNotAllowed},
		{ReplicationUnspecified, http.MethodOptions, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String()+"/"+tt.method, func(t *testing.T) {
			s := newTestServer(t, tt.mode, false)
			rec := s.do(tt.method, "/sda1/0/acct", nil, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestInvalidUTF8Path(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)

	for _, target := range []string{"/sda1/0/%FF", "/sda1/0/a%00b"} {
		rec := s.do(http.MethodHead, target, nil, "")
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code, target)
		assert.Equal(t, "Invalid UTF8 or contains NULL", rec.Body.String(), target)
	}
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	s := newTestServer(t, ReplicationUnspecified, false)
	s.dispatcher.verbs["BOOM"] = verb{public: true, handle: func(r *http.Request) (*Response, error) {
		panic("secret detail")
	}}
	s.dispatcher.verbs["FAIL"] = verb{public: true, handle: func(r *http.Request) (*Response, error) {
		return nil, fmt.Errorf("disk at /srv/node/sda1 exploded")
	}}

	for _, method := range []string{"BOOM", "FAIL"} {
		rec := s.do(method, "/sda1/0/acct", nil, "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Internal Server Error", rec.Body.String())
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.ErrorsTotal.WithLabelValues("FAIL")))
}

func TestParseReplicationMode(t *testing.T) {
	tests := map[string]ReplicationMode{
		"":      ReplicationUnspecified,
		"true":  ReplicationOnly,
		"Yes":   ReplicationOnly,
		"false": NormalOnly,
		"off":   NormalOnly,
	}
	for in, want := range tests {
		got, err := ParseReplicationMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseReplicationMode("sometimes")
	assert.Error(t, err)
}
