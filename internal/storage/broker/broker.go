package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/devrev/pairdb/account-server/internal/model"
	"github.com/devrev/pairdb/account-server/internal/placement"
	"github.com/devrev/pairdb/account-server/internal/util/workerpool"
)

const (
	// DefaultPendingCap is the pending log size past which updates are committed
	DefaultPendingCap = 131072

	// DefaultPendingTimeout bounds how long writers wait for the pending lock
	DefaultPendingTimeout = 10 * time.Second

	// busyTimeout is how long SQLite waits on a locked database
	busyTimeout = 25 * time.Second
)

var (
	// ErrNotFound is returned when the account database does not exist
	ErrNotFound = errors.New("account database not found")

	// ErrLockTimeout is returned when the pending lock could not be taken in time
	ErrLockTimeout = errors.New("lock timeout")
)

// InitOutcome is the result of Initialize
type InitOutcome int

const (
	// Created means this call created the database
	Created InitOutcome = iota
	// AlreadyExists means another writer created it first
	AlreadyExists
)

func (o InitOutcome) String() string {
	if o == Created {
		return "created"
	}
	return "already_exists"
}

// ReadOptions control how a read treats container updates that are still in
// the pending log
type ReadOptions struct {
	// PendingTimeout bounds the wait for the pending lock. Zero uses the
	// broker default.
	PendingTimeout time.Duration
	// StaleReadsOK lets the read proceed on committed state when the lock
	// could not be taken in time
	StaleReadsOK bool
}

// CommitObserver is told how a full pending log was committed: "async",
// "coalesced" into an already queued commit, or "inline"
type CommitObserver func(mode string)

// Factory builds brokers for accounts under a devices root
type Factory struct {
	Resolver       *placement.Resolver
	Logger         *zap.Logger
	Preallocate    bool
	PendingCap     int64
	PendingTimeout time.Duration
	Pool           *workerpool.WorkerPool
	OnCommit       CommitObserver
}

// Open returns the broker for account on device/partition. It does not
// touch the disk.
func (f *Factory) Open(device, partition, account string) *AccountBroker {
	return f.OpenPath(f.Resolver.AccountDBPath(device, partition, account), account)
}

// OpenPath returns a broker for an explicit database path, as used by
// replication where only the hash is known
func (f *Factory) OpenPath(dbPath, account string) *AccountBroker {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pendingCap := f.PendingCap
	if pendingCap <= 0 {
		pendingCap = DefaultPendingCap
	}
	pendingTimeout := f.PendingTimeout
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}
	dir := filepath.Dir(dbPath)
	return &AccountBroker{
		dbPath:         dbPath,
		pendingPath:    dbPath + ".pending",
		lockPath:       filepath.Join(dir, ".lock"),
		account:        account,
		logger:         logger.With(zap.String("db", dbPath)),
		preallocate:    f.Preallocate,
		pendingCap:     pendingCap,
		pendingTimeout: pendingTimeout,
		pool:           f.Pool,
		onCommit:       f.OnCommit,
	}
}

// AccountBroker owns one account database file and its pending log
type AccountBroker struct {
	dbPath         string
	pendingPath    string
	lockPath       string
	account        string
	logger         *zap.Logger
	preallocate    bool
	pendingCap     int64
	pendingTimeout time.Duration
	pool           *workerpool.WorkerPool
	onCommit       CommitObserver
}

// Path returns the database file path
func (b *AccountBroker) Path() string {
	return b.dbPath
}

// Account returns the account name the broker was opened for
func (b *AccountBroker) Account() string {
	return b.account
}

// Exists reports whether the database file is present
func (b *AccountBroker) Exists() bool {
	_, err := os.Stat(b.dbPath)
	return err == nil
}

func dsn(path string, readWriteOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "temp_store(MEMORY)")
	q.Add("_pragma", "journal_mode(DELETE)")
	q.Set("_txlock", "immediate")
	if readWriteOnly {
		q.Set("mode", "rw")
	}
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?" + q.Encode()
}

func openDB(path string, readWriteOnly bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn(path, readWriteOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// withDB runs fn against the existing database, failing with ErrNotFound
// when the file is missing
func (b *AccountBroker) withDB(ctx context.Context, fn func(db *sql.DB) error) error {
	if !b.Exists() {
		return ErrNotFound
	}
	db, err := openDB(b.dbPath, true)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

// withTx runs fn inside a transaction that is committed on success and
// rolled back on error or panic
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}

func (b *AccountBroker) update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return b.withDB(ctx, func(db *sql.DB) error {
		return withTx(ctx, db, fn)
	})
}

// Initialize creates the database with putTimestamp. The file is built under
// a temporary name and linked into place, so concurrent creators see exactly
// one winner.
func (b *AccountBroker) Initialize(ctx context.Context, putTimestamp model.Timestamp) (InitOutcome, error) {
	dir := filepath.Dir(b.dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return AlreadyExists, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if b.Exists() {
		return AlreadyExists, nil
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.dbPath)+".*.tmp")
	if err != nil {
		return AlreadyExists, fmt.Errorf("failed to create temp database: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := b.buildDatabase(ctx, tmpPath, putTimestamp); err != nil {
		return AlreadyExists, err
	}

	if err := os.Link(tmpPath, b.dbPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return AlreadyExists, nil
		}
		return AlreadyExists, fmt.Errorf("failed to link database into place: %w", err)
	}

	b.logger.Debug("Account database created",
		zap.String("account", b.account),
		zap.String("put_timestamp", putTimestamp.String()))
	return Created, nil
}

func (b *AccountBroker) buildDatabase(ctx context.Context, path string, putTimestamp model.Timestamp) error {
	db, err := openDB(path, false)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrate(ctx, db); err != nil {
		return err
	}

	now := model.Now()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO account_stat (account, created_at, put_timestamp, id, status_changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.account, int64(now), int64(putTimestamp), uuid.NewString(), int64(now)); err != nil {
		return fmt.Errorf("failed to initialize account_stat: %w", err)
	}

	// Flush before the file becomes visible under its real name.
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// IsDeleted reports whether the account is deleted. A missing database
// counts as deleted.
func (b *AccountBroker) IsDeleted(ctx context.Context, opts ReadOptions) (bool, error) {
	if !b.Exists() {
		return true, nil
	}
	info, err := b.GetInfo(ctx, opts)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDeleted(), nil
}

// IsStatusDeleted reports whether the account carries the explicit DELETED
// status. It returns ErrNotFound when the database does not exist.
func (b *AccountBroker) IsStatusDeleted(ctx context.Context) (bool, error) {
	var status string
	err := b.withDB(ctx, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `SELECT status FROM account_stat`).Scan(&status)
	})
	if err != nil {
		return false, err
	}
	return model.AccountStatus(status) == model.AccountStatusDeleted, nil
}

// GetInfo returns the account summary after committing pending updates
func (b *AccountBroker) GetInfo(ctx context.Context, opts ReadOptions) (model.AccountInfo, error) {
	if err := b.commitPendingForRead(ctx, opts); err != nil {
		return model.AccountInfo{}, err
	}

	var info model.AccountInfo
	err := b.withDB(ctx, func(db *sql.DB) error {
		return scanInfo(db.QueryRowContext(ctx, infoQuery), &info)
	})
	return info, err
}

const infoQuery = `
	SELECT account, created_at, put_timestamp, delete_timestamp, container_count,
	       object_count, bytes_used, hash, id, status, status_changed_at
	FROM account_stat`

func scanInfo(row *sql.Row, info *model.AccountInfo) error {
	var status string
	if err := row.Scan(&info.Account, &info.CreatedAt, &info.PutTimestamp, &info.DeleteTimestamp,
		&info.ContainerCount, &info.ObjectCount, &info.BytesUsed, &info.Hash, &info.ID,
		&status, &info.StatusChangedAt); err != nil {
		return fmt.Errorf("failed to read account_stat: %w", err)
	}
	info.Status = model.AccountStatus(status)
	return nil
}

// Metadata returns the stored metadata, removed keys included
func (b *AccountBroker) Metadata(ctx context.Context) (model.Metadata, error) {
	var md model.Metadata
	err := b.withDB(ctx, func(db *sql.DB) error {
		var err error
		md, err = readMetadata(ctx, db)
		return err
	})
	return md, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readMetadata(ctx context.Context, q queryRower) (model.Metadata, error) {
	var raw string
	if err := q.QueryRowContext(ctx, `SELECT metadata FROM account_stat`).Scan(&raw); err != nil {
		return model.Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	md := model.NewMetadata()
	if raw == "" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return model.Metadata{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return md, nil
}

func mergeMetadata(ctx context.Context, tx *sql.Tx, updates model.Metadata) error {
	md, err := readMetadata(ctx, tx)
	if err != nil {
		return err
	}
	if !md.Merge(updates) {
		return nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE account_stat SET metadata = ?`, string(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// UpdateMetadata merges updates key by key; a key only changes when the
// incoming timestamp is newer than the stored one
func (b *AccountBroker) UpdateMetadata(ctx context.Context, updates model.Metadata) error {
	if updates.Len() == 0 {
		return nil
	}
	return b.update(ctx, func(tx *sql.Tx) error {
		return mergeMetadata(ctx, tx, updates)
	})
}

// DeleteDB marks the account deleted at ts: every metadata value is cleared
// and the status becomes DELETED unless a newer delete already happened
func (b *AccountBroker) DeleteDB(ctx context.Context, ts model.Timestamp) error {
	return b.update(ctx, func(tx *sql.Tx) error {
		md, err := readMetadata(ctx, tx)
		if err != nil {
			return err
		}
		if err := mergeMetadata(ctx, tx, md.Clear(ts)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE account_stat
			SET delete_timestamp = ?, status = ?, status_changed_at = ?
			WHERE delete_timestamp < ?`,
			int64(ts), string(model.AccountStatusDeleted), int64(ts), int64(ts))
		if err != nil {
			return fmt.Errorf("failed to mark account deleted: %w", err)
		}
		return nil
	})
}

// UpdatePutTimestamp moves put_timestamp forward to ts; it never moves back
func (b *AccountBroker) UpdatePutTimestamp(ctx context.Context, ts model.Timestamp) error {
	return b.update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE account_stat SET put_timestamp = ? WHERE put_timestamp < ?`,
			int64(ts), int64(ts))
		if err != nil {
			return fmt.Errorf("failed to update put_timestamp: %w", err)
		}
		return nil
	})
}
