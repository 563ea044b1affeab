package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/account-server/internal/model"
	"github.com/devrev/pairdb/account-server/internal/placement"
	"github.com/devrev/pairdb/account-server/internal/storage/broker"
)

// Replication ops accepted in a REPLICATE body
const (
	OpSync           = "sync"
	OpMergeItems     = "merge_items"
	OpMergeSyncs     = "merge_syncs"
	OpCompleteRsync  = "complete_rsync"
	OpRsyncThenMerge = "rsync_then_merge"
)

// rsyncBatchSize is how many rows are copied per round when folding an
// existing database into a freshly rsynced one
const rsyncBatchSize = 1000

// Result is the answer to one replication call, written back verbatim
type Result struct {
	Status      int
	Body        []byte
	ContentType string
}

func status(code int) Result {
	return Result{Status: code}
}

func textResult(code int, body string) Result {
	return Result{Status: code, Body: []byte(body), ContentType: "text/plain"}
}

// OpObserver is told the outcome of every dispatched op
type OpObserver func(op string, status int)

type opFunc func(ctx context.Context, b *broker.AccountBroker, args []json.RawMessage) (Result, error)

// RPC serves the replication calls a peer makes against one database
type RPC struct {
	resolver *placement.Resolver
	brokers  *broker.Factory
	logger   *zap.Logger
	observer OpObserver
	ops      map[string]opFunc
}

// NewRPC creates the replication RPC endpoint
func NewRPC(brokers *broker.Factory, logger *zap.Logger, observer OpObserver) *RPC {
	r := &RPC{
		resolver: brokers.Resolver,
		brokers:  brokers,
		logger:   logger,
		observer: observer,
	}
	r.ops = map[string]opFunc{
		OpSync:       r.sync,
		OpMergeItems: r.mergeItems,
		OpMergeSyncs: r.mergeSyncs,
	}
	return r
}

// Dispatch decodes body as [op, args...] and runs op against the database
// identified by device, partition and hash
func (r *RPC) Dispatch(ctx context.Context, device, partition, hash string, body []byte) Result {
	var call []json.RawMessage
	if err := json.Unmarshal(body, &call); err != nil || len(call) == 0 {
		return textResult(http.StatusBadRequest, "Invalid object type")
	}
	var op string
	if err := json.Unmarshal(call[0], &op); err != nil {
		return textResult(http.StatusBadRequest, "Invalid object type")
	}
	args := call[1:]

	res := r.dispatch(ctx, op, device, partition, hash, args)
	if r.observer != nil {
		r.observer(op, res.Status)
	}
	return res
}

func (r *RPC) dispatch(ctx context.Context, op, device, partition, hash string, args []json.RawMessage) Result {
	logger := r.logger.With(
		zap.String("op", op),
		zap.String("device", device),
		zap.String("partition", partition),
		zap.String("hash", hash))

	tmpDir := r.resolver.TmpDir(device)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		logger.Error("Failed to create tmp dir", zap.Error(err))
		return status(http.StatusInternalServerError)
	}
	dbPath := r.resolver.DBPath(device, partition, hash)

	var (
		res Result
		err error
	)
	switch op {
	case OpCompleteRsync:
		res, err = r.completeRsync(ctx, dbPath, tmpDir, args)
	case OpRsyncThenMerge:
		res, err = r.rsyncThenMerge(ctx, dbPath, tmpDir, args)
	default:
		fn, ok := r.ops[op]
		if !ok {
			return textResult(http.StatusBadRequest, fmt.Sprintf("Unknown op %q", op))
		}
		b := r.brokers.OpenPath(dbPath, "")
		if !b.Exists() {
			return status(http.StatusNotFound)
		}
		res, err = fn(ctx, b, args)
	}

	if err != nil {
		var argErr *argumentError
		if errors.As(err, &argErr) {
			return textResult(http.StatusBadRequest, argErr.Error())
		}
		if errors.Is(err, broker.ErrNotFound) {
			return status(http.StatusNotFound)
		}
		logger.Error("Replication op failed", zap.Error(err))
		return status(http.StatusInternalServerError)
	}
	return res
}

// sync merges a peer's summary and answers with ours. Args are
// [remote_sync, hash, id, created_at, put_timestamp, delete_timestamp, metadata].
func (r *RPC) sync(ctx context.Context, b *broker.AccountBroker, args []json.RawMessage) (Result, error) {
	var (
		remoteSync                               int64
		remoteHash, remoteID, rawMetadata        string
		createdAt, putTimestamp, deleteTimestamp model.Timestamp
	)
	if err := decodeArgs(args, &remoteSync, &remoteHash, &remoteID,
		&createdAt, &putTimestamp, &deleteTimestamp, &rawMetadata); err != nil {
		return Result{}, err
	}

	if rawMetadata != "" {
		var md model.Metadata
		if err := json.Unmarshal([]byte(rawMetadata), &md); err != nil {
			return Result{}, argError("metadata: %v", err)
		}
		if err := b.UpdateMetadata(ctx, md); err != nil {
			return Result{}, err
		}
	}

	info, err := b.GetReplicationInfo(ctx, broker.ReadOptions{})
	if err != nil {
		return Result{}, err
	}
	if info.CreatedAt != createdAt || info.PutTimestamp != putTimestamp || info.DeleteTimestamp != deleteTimestamp {
		if err := b.MergeTimestamps(ctx, createdAt, putTimestamp, deleteTimestamp); err != nil {
			return Result{}, err
		}
	}

	info.Point, err = b.GetSync(ctx, remoteID)
	if err != nil {
		return Result{}, err
	}
	if remoteHash == info.Hash && info.Point < remoteSync {
		if err := b.MergeSyncs(ctx, []model.SyncPoint{{RemoteID: remoteID, SyncPoint: remoteSync}}); err != nil {
			return Result{}, err
		}
		info.Point = remoteSync
	}

	body, err := json.Marshal(info)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode replication info: %w", err)
	}
	return Result{Status: http.StatusOK, Body: body, ContentType: "application/json"}, nil
}

// mergeItems applies rows pushed by a peer. Args are [items, source].
func (r *RPC) mergeItems(ctx context.Context, b *broker.AccountBroker, args []json.RawMessage) (Result, error) {
	var (
		items  []model.ContainerRecord
		source string
	)
	if err := decodeArgs(args, &items, &source); err != nil {
		return Result{}, err
	}
	if err := b.MergeItems(ctx, items, source); err != nil {
		return Result{}, err
	}
	return status(http.StatusAccepted), nil
}

// mergeSyncs records a peer's sync table. Args are [points].
func (r *RPC) mergeSyncs(ctx context.Context, b *broker.AccountBroker, args []json.RawMessage) (Result, error) {
	var points []model.SyncPoint
	if err := decodeArgs(args, &points); err != nil {
		return Result{}, err
	}
	if err := b.MergeSyncs(ctx, points); err != nil {
		return Result{}, err
	}
	return status(http.StatusAccepted), nil
}

// completeRsync moves a database a peer rsynced into tmp into place when we
// have none. Args are [tmp file name].
func (r *RPC) completeRsync(ctx context.Context, dbPath, tmpDir string, args []json.RawMessage) (Result, error) {
	tmpPath, name, err := stagedPath(tmpDir, args)
	if err != nil {
		return Result{}, err
	}
	if fileExists(dbPath) || !fileExists(tmpPath) {
		return status(http.StatusNotFound), nil
	}

	staged := r.brokers.OpenPath(tmpPath, "")
	if err := staged.NewID(ctx, name); err != nil {
		return Result{}, err
	}
	if err := renameInto(tmpPath, dbPath); err != nil {
		return Result{}, err
	}

	r.logger.Info("Completed rsync", zap.String("db", dbPath), zap.String("remote_id", name))
	return status(http.StatusNoContent), nil
}

// rsyncThenMerge folds our rows into a database a peer rsynced into tmp and
// swaps it in. Args are [tmp file name].
func (r *RPC) rsyncThenMerge(ctx context.Context, dbPath, tmpDir string, args []json.RawMessage) (Result, error) {
	tmpPath, name, err := stagedPath(tmpDir, args)
	if err != nil {
		return Result{}, err
	}
	if !fileExists(dbPath) || !fileExists(tmpPath) {
		return status(http.StatusNotFound), nil
	}

	existing := r.brokers.OpenPath(dbPath, "")
	staged := r.brokers.OpenPath(tmpPath, "")

	point := int64(-1)
	copied := 0
	for {
		items, err := existing.GetItemsSince(ctx, point, rsyncBatchSize)
		if err != nil {
			return Result{}, err
		}
		if len(items) == 0 {
			break
		}
		if err := staged.MergeItems(ctx, items, ""); err != nil {
			return Result{}, err
		}
		point = items[len(items)-1].RowID
		copied += len(items)
	}

	if err := staged.NewID(ctx, name); err != nil {
		return Result{}, err
	}
	if err := renameInto(tmpPath, dbPath); err != nil {
		return Result{}, err
	}

	r.logger.Info("Merged rsynced database",
		zap.String("db", dbPath),
		zap.String("remote_id", name),
		zap.Int("rows", copied))
	return status(http.StatusNoContent), nil
}

// argumentError marks a malformed RPC argument list
type argumentError struct {
	msg string
}

func (e *argumentError) Error() string {
	return e.msg
}

func argError(format string, a ...interface{}) error {
	return &argumentError{msg: fmt.Sprintf(format, a...)}
}

// decodeArgs unmarshals args positionally into targets
func decodeArgs(args []json.RawMessage, targets ...interface{}) error {
	if len(args) < len(targets) {
		return argError("expected %d arguments, got %d", len(targets), len(args))
	}
	for i, target := range targets {
		if err := json.Unmarshal(args[i], target); err != nil {
			return argError("argument %d: %v", i, err)
		}
	}
	return nil
}

// stagedPath resolves the tmp file named by the first argument. The name
// must be a single path component.
func stagedPath(tmpDir string, args []json.RawMessage) (string, string, error) {
	var name string
	if err := decodeArgs(args, &name); err != nil {
		return "", "", err
	}
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", "", argError("invalid file name %q", name)
	}
	return filepath.Join(tmpDir, name), name, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func renameInto(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", src, err)
	}
	return nil
}
