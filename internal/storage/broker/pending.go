package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/account-server/internal/model"
	"github.com/devrev/pairdb/account-server/internal/util"
	"github.com/devrev/pairdb/account-server/internal/util/workerpool"
)

// PutContainer records a container update. The update is appended to the
// pending log under the directory lock, waiting at most lockTimeout (zero
// uses the broker default), and folded into the database later. Once the
// log grows past the pending cap a commit is scheduled.
func (b *AccountBroker) PutContainer(ctx context.Context, rec model.ContainerRecord, lockTimeout time.Duration) error {
	if !b.Exists() {
		return ErrNotFound
	}
	if lockTimeout <= 0 {
		lockTimeout = b.pendingTimeout
	}

	rec.ComputeDeleted()
	rec.RowID = 0

	unlock, err := lockFile(ctx, b.lockPath, lockTimeout)
	if err != nil {
		return err
	}
	size, err := appendPending(b.pendingPath, rec)
	unlock()
	if err != nil {
		return err
	}

	if size > b.pendingCap {
		b.scheduleCommit(ctx)
	}
	return nil
}

// scheduleCommit hands the pending log to the worker pool, committing inline
// when the pool is absent or saturated. A commit already queued for this db
// absorbs the request.
func (b *AccountBroker) scheduleCommit(ctx context.Context) {
	if b.pool != nil {
		outcome := b.pool.Schedule(workerpool.Task{
			Key: "commit-pending:" + b.dbPath,
			Fn: func(taskCtx context.Context) error {
				return b.CommitPending(taskCtx, b.pendingTimeout)
			},
		})
		switch outcome {
		case workerpool.Queued:
			b.observe("async")
			return
		case workerpool.Coalesced:
			b.observe("coalesced")
			return
		}
	}

	if err := b.CommitPending(ctx, b.pendingTimeout); err != nil {
		b.logger.Warn("Inline pending commit failed", zap.Error(err))
		return
	}
	b.observe("inline")
}

func (b *AccountBroker) observe(mode string) {
	if b.onCommit != nil {
		b.onCommit(mode)
	}
}

// commitPendingForRead folds the pending log in before a read. A lock
// timeout is tolerated when the caller accepts stale reads.
func (b *AccountBroker) commitPendingForRead(ctx context.Context, opts ReadOptions) error {
	timeout := opts.PendingTimeout
	if timeout <= 0 {
		timeout = b.pendingTimeout
	}
	err := b.CommitPending(ctx, timeout)
	if errors.Is(err, ErrLockTimeout) && opts.StaleReadsOK {
		b.logger.Debug("Serving stale read", zap.Duration("pending_timeout", timeout))
		return nil
	}
	return err
}

// CommitPending merges every queued update into the database and truncates
// the pending log
func (b *AccountBroker) CommitPending(ctx context.Context, lockTimeout time.Duration) error {
	if _, err := os.Stat(b.pendingPath); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if !b.Exists() {
		return ErrNotFound
	}

	unlock, err := lockFile(ctx, b.lockPath, lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	b.preallocateDB()

	f, err := os.OpenFile(b.pendingPath, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open pending log: %w", err)
	}
	defer f.Close()

	records, err := b.readPending(f)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	if err := b.MergeItems(ctx, records, ""); err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate pending log: %w", err)
	}

	b.logger.Debug("Committed pending updates", zap.Int("records", len(records)))
	return nil
}

// appendPending writes one checksummed record and returns the new log size.
// Callers hold the directory lock.
func appendPending(path string, rec model.ContainerRecord) (int64, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}
	line, err := json.Marshal(pendingLine{
		Record:   payload,
		Checksum: util.ComputeChecksum(payload),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal pending entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open pending log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return 0, fmt.Errorf("failed to write to pending log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat pending log: %w", err)
	}
	return st.Size(), nil
}

// pendingLine keeps the record bytes verbatim so the checksum covers exactly
// what was written
type pendingLine struct {
	Record   json.RawMessage `json:"record"`
	Checksum uint32          `json:"checksum"`
}

// readPending decodes the log, skipping lines that are torn or fail their
// checksum
func (b *AccountBroker) readPending(r io.Reader) ([]model.ContainerRecord, error) {
	var records []model.ContainerRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line pendingLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			b.logger.Warn("Skipping malformed pending entry", zap.Error(err))
			continue
		}
		if !util.ValidateChecksum(line.Record, line.Checksum) {
			b.logger.Warn("Skipping pending entry with bad checksum",
				zap.Uint32("expected", line.Checksum),
				zap.Uint32("actual", util.ComputeChecksum(line.Record)))
			continue
		}
		var rec model.ContainerRecord
		if err := json.Unmarshal(line.Record, &rec); err != nil {
			b.logger.Warn("Skipping undecodable pending record", zap.Error(err))
			continue
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending log: %w", err)
	}
	return records, nil
}
