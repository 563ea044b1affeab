package replicator

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/account-server/internal/model"
	"github.com/devrev/pairdb/account-server/internal/placement"
	"github.com/devrev/pairdb/account-server/internal/storage/broker"
)

const (
	device    = "sda1"
	partition = "7"
	account   = "AUTH_repl"
)

type observed struct {
	op     string
	status int
}

func newTestRPC(t *testing.T) (*RPC, *broker.Factory, *[]observed) {
	t.Helper()
	brokers := &broker.Factory{
		Resolver: placement.NewResolver(t.TempDir(), "", "endcap"),
		Logger:   zap.NewNop(),
	}
	var calls []observed
	rpc := NewRPC(brokers, zap.NewNop(), func(op string, status int) {
		calls = append(calls, observed{op, status})
	})
	return rpc, brokers, &calls
}

func call(t *testing.T, args ...interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(args)
	require.NoError(t, err)
	return body
}

func ts(s string) model.Timestamp {
	return model.MustParseTimestamp(s)
}

func createAccount(t *testing.T, brokers *broker.Factory) (*broker.AccountBroker, string) {
	t.Helper()
	b := brokers.Open(device, partition, account)
	_, err := b.Initialize(context.Background(), ts("100"))
	require.NoError(t, err)
	return b, brokers.Resolver.AccountHash(account)
}

func TestDispatchRejectsMalformedBodies(t *testing.T) {
	rpc, _, _ := newTestRPC(t)
	ctx := context.Background()

	for _, body := range []string{`{"op":"sync"}`, `[]`, `[1, 2]`, `not json`, ``} {
		res := rpc.Dispatch(ctx, device, partition, "abc", []byte(body))
		assert.Equal(t, http.StatusBadRequest, res.Status, body)
		assert.Equal(t, "Invalid object type", string(res.Body), body)
	}
}

func TestDispatchUnknownOpAndMissingDatabase(t *testing.T) {
	rpc, _, calls := newTestRPC(t)
	ctx := context.Background()

	res := rpc.Dispatch(ctx, device, partition, "abc", call(t, "reboot"))
	assert.Equal(t, http.StatusBadRequest, res.Status)

	res = rpc.Dispatch(ctx, device, partition, "abc", call(t, OpMergeSyncs, []model.SyncPoint{}))
	assert.Equal(t, http.StatusNotFound, res.Status)

	assert.Equal(t, []observed{
		{"reboot", http.StatusBadRequest},
		{OpMergeSyncs, http.StatusNotFound},
	}, *calls)
}

func TestSync(t *testing.T) {
	rpc, brokers, _ := newTestRPC(t)
	ctx := context.Background()
	b, hash := createAccount(t, brokers)

	before, err := b.GetReplicationInfo(ctx, broker.ReadOptions{})
	require.NoError(t, err)

	md := model.NewMetadata()
	md.Set("X-Account-Meta-Zone", "east", ts("50"))
	rawMetadata, err := json.Marshal(md)
	require.NoError(t, err)

	res := rpc.Dispatch(ctx, device, partition, hash, call(t, OpSync,
		5, before.Hash, "peer-1", before.CreatedAt, ts("300"), ts("0"), string(rawMetadata)))
	require.Equal(t, http.StatusOK, res.Status, string(res.Body))
	assert.Equal(t, "application/json", res.ContentType)

	var info model.ReplicationInfo
	require.NoError(t, json.Unmarshal(res.Body, &info))
	assert.Equal(t, int64(5), info.Point)
	assert.Equal(t, int64(-1), info.MaxRow)
	assert.Equal(t, ts("100"), info.PutTimestamp)

	after, err := b.GetInfo(ctx, broker.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, ts("300"), after.PutTimestamp)

	point, err := b.GetSync(ctx, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), point)

	stored, err := b.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, "east", stored.Visible()["X-Account-Meta-Zone"])

	// a different hash leaves the sync point alone
	res = rpc.Dispatch(ctx, device, partition, hash, call(t, OpSync,
		9, "ffffffffffffffffffffffffffffffff", "peer-1", before.CreatedAt, ts("300"), ts("0"), ""))
	require.Equal(t, http.StatusOK, res.Status)
	require.NoError(t, json.Unmarshal(res.Body, &info))
	assert.Equal(t, int64(5), info.Point)
}

func TestSyncBadArguments(t *testing.T) {
	rpc, brokers, _ := newTestRPC(t)
	_, hash := createAccount(t, brokers)

	res := rpc.Dispatch(context.Background(), device, partition, hash, call(t, OpSync, 1, "abc"))
	assert.Equal(t, http.StatusBadRequest, res.Status)

	res = rpc.Dispatch(context.Background(), device, partition, hash, call(t, OpSync,
		1, "abc", "peer", "not-a-timestamp", "1", "0", ""))
	assert.Equal(t, http.StatusBadRequest, res.Status)
}

func TestMergeItemsAndSyncs(t *testing.T) {
	rpc, brokers, _ := newTestRPC(t)
	ctx := context.Background()
	b, hash := createAccount(t, brokers)

	items := []model.ContainerRecord{
		{Name: "c1", PutTimestamp: ts("10"), ObjectCount: 2, BytesUsed: 20, RowID: 3},
		{Name: "c2", PutTimestamp: ts("10"), DeleteTimestamp: ts("20")},
	}
	res := rpc.Dispatch(ctx, device, partition, hash, call(t, OpMergeItems, items, "peer-2"))
	require.Equal(t, http.StatusAccepted, res.Status)

	entries, err := b.ListContainers(ctx, broker.ListParams{Limit: 10}, broker.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c1", entries[0].Name)

	res = rpc.Dispatch(ctx, device, partition, hash, call(t, OpMergeSyncs, []model.SyncPoint{
		{RemoteID: "peer-3", SyncPoint: 11},
	}))
	require.Equal(t, http.StatusAccepted, res.Status)

	point, err := b.GetSync(ctx, "peer-3")
	require.NoError(t, err)
	assert.Equal(t, int64(11), point)
}

func stageDatabase(t *testing.T, brokers *broker.Factory, name string, containers ...string) string {
	t.Helper()
	ctx := context.Background()
	tmpDir := brokers.Resolver.TmpDir(device)
	require.NoError(t, os.MkdirAll(tmpDir, 0o755))

	path := filepath.Join(tmpDir, name)
	staged := brokers.OpenPath(path, account)
	_, err := staged.Initialize(ctx, ts("100"))
	require.NoError(t, err)

	var records []model.ContainerRecord
	for _, c := range containers {
		records = append(records, model.ContainerRecord{Name: c, PutTimestamp: ts("10")})
	}
	if len(records) > 0 {
		require.NoError(t, staged.MergeItems(ctx, records, ""))
	}
	return path
}

func TestCompleteRsync(t *testing.T) {
	rpc, brokers, _ := newTestRPC(t)
	ctx := context.Background()
	hash := brokers.Resolver.AccountHash(account)

	res := rpc.Dispatch(ctx, device, partition, hash, call(t, OpCompleteRsync, "missing"))
	assert.Equal(t, http.StatusNotFound, res.Status)

	staged := stageDatabase(t, brokers, "incoming.db", "a", "b")
	res = rpc.Dispatch(ctx, device, partition, hash, call(t, OpCompleteRsync, "incoming.db"))
	require.Equal(t, http.StatusNoContent, res.Status)

	_, err := os.Stat(staged)
	assert.True(t, os.IsNotExist(err))

	b := brokers.Open(device, partition, account)
	require.True(t, b.Exists())
	point, err := b.GetSync(ctx, "incoming.db")
	require.NoError(t, err)
	assert.Equal(t, int64(2), point)

	// a database already in place is never overwritten
	stageDatabase(t, brokers, "again.db")
	res = rpc.Dispatch(ctx, device, partition, hash, call(t, OpCompleteRsync, "again.db"))
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestRsyncThenMerge(t *testing.T) {
	rpc, brokers, _ := newTestRPC(t)
	ctx := context.Background()
	b, hash := createAccount(t, brokers)
	require.NoError(t, b.MergeItems(ctx, []model.ContainerRecord{
		{Name: "local", PutTimestamp: ts("10")},
	}, ""))

	res := rpc.Dispatch(ctx, device, partition, hash, call(t, OpRsyncThenMerge, "missing.db"))
	assert.Equal(t, http.StatusNotFound, res.Status)

	stageDatabase(t, brokers, "remote.db", "remote")
	res = rpc.Dispatch(ctx, device, partition, hash, call(t, OpRsyncThenMerge, "remote.db"))
	require.Equal(t, http.StatusNoContent, res.Status)

	entries, err := b.ListContainers(ctx, broker.ListParams{Limit: 10}, broker.ReadOptions{})
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"local", "remote"}, names)
}

func TestStagedNameMustBeAFileName(t *testing.T) {
	rpc, brokers, _ := newTestRPC(t)
	hash := brokers.Resolver.AccountHash(account)

	for _, name := range []string{"../escape", "", "..", "a/b"} {
		res := rpc.Dispatch(context.Background(), device, partition, hash, call(t, OpCompleteRsync, name))
		assert.Equal(t, http.StatusBadRequest, res.Status, name)
	}
}
