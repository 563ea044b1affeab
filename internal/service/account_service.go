package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	accterrors "github.com/devrev/pairdb/account-server/internal/errors"
	"github.com/devrev/pairdb/account-server/internal/model"
	"github.com/devrev/pairdb/account-server/internal/storage/broker"
	"github.com/devrev/pairdb/account-server/internal/storage/diskmanager"
)

const (
	// DefaultAutoCreateAccountPrefix marks system accounts created on first
	// container update
	DefaultAutoCreateAccountPrefix = "."

	// DefaultReadPendingTimeout is the pending-lock wait for HEAD and GET
	DefaultReadPendingTimeout = 100 * time.Millisecond

	// DefaultContainerPutPendingTimeout is the pending-lock wait for container
	// updates forwarded by a container server
	DefaultContainerPutPendingTimeout = 3 * time.Second

	// newAccountEstimate is the space reserved for a fresh account database
	newAccountEstimate = 1 << 20

	// pendingRecordOverhead approximates one encoded pending log line minus
	// the container name
	pendingRecordOverhead = 192
)

// Target addresses one account replica
type Target struct {
	Device    string
	Partition string
	Account   string
}

// PutOutcome is the result of an account PUT
type PutOutcome int

const (
	// PutCreated means the account did not exist or was resurrected
	PutCreated PutOutcome = iota
	// PutAccepted means an existing account was updated
	PutAccepted
	// PutRecentlyDeleted means the account carries an explicit DELETED status
	PutRecentlyDeleted
	// PutConflict means the timestamp did not resurrect a deleted account
	PutConflict
)

// ContainerOutcome is the result of a container update
type ContainerOutcome int

const (
	// ContainerCreated means the container is live
	ContainerCreated ContainerOutcome = iota
	// ContainerNoContent means the update recorded a deleted container
	ContainerNoContent
	// ContainerAccountNotFound means the account is missing or deleted
	ContainerAccountNotFound
)

// DeleteOutcome is the result of an account DELETE
type DeleteOutcome int

const (
	// Deleted means this call tombstoned the account
	Deleted DeleteOutcome = iota
	// AlreadyDeleted means the account was missing or already deleted
	AlreadyDeleted
)

// ContainerUpdate is a container server's report about one container
type ContainerUpdate struct {
	Name            string
	PutTimestamp    model.Timestamp
	DeleteTimestamp model.Timestamp
	ObjectCount     int64
	BytesUsed       int64

	// Timestamp creates auto-created accounts; zero means now
	Timestamp model.Timestamp
	// OverrideDeleted records the update even when the account is deleted
	OverrideDeleted bool
	// Forwarded is set for updates carrying a transaction id. They use the
	// shorter container put pending timeout.
	Forwarded bool
}

// AccountSnapshot is what HEAD and GET report about an account
type AccountSnapshot struct {
	Info     model.AccountInfo
	Metadata map[string]string
}

// Listing is an account snapshot plus one page of containers
type Listing struct {
	AccountSnapshot
	Entries []model.ListEntry
}

// AccountServiceConfig holds the account policy knobs
type AccountServiceConfig struct {
	AutoCreateAccountPrefix    string
	ReadPendingTimeout         time.Duration
	ContainerPutPendingTimeout time.Duration
}

// AccountService applies the account conflict rules on top of the brokers
type AccountService struct {
	brokers     *broker.Factory
	diskManager *diskmanager.DiskManager
	logger      *zap.Logger

	autoCreatePrefix    string
	readOptions         broker.ReadOptions
	containerPutTimeout time.Duration
}

// NewAccountService creates a new account service
func NewAccountService(
	cfg AccountServiceConfig,
	brokers *broker.Factory,
	diskMgr *diskmanager.DiskManager,
	logger *zap.Logger,
) *AccountService {
	if cfg.AutoCreateAccountPrefix == "" {
		cfg.AutoCreateAccountPrefix = DefaultAutoCreateAccountPrefix
	}
	if cfg.ReadPendingTimeout <= 0 {
		cfg.ReadPendingTimeout = DefaultReadPendingTimeout
	}
	if cfg.ContainerPutPendingTimeout <= 0 {
		cfg.ContainerPutPendingTimeout = DefaultContainerPutPendingTimeout
	}

	return &AccountService{
		brokers:          brokers,
		diskManager:      diskMgr,
		logger:           logger,
		autoCreatePrefix: cfg.AutoCreateAccountPrefix,
		readOptions: broker.ReadOptions{
			PendingTimeout: cfg.ReadPendingTimeout,
			StaleReadsOK:   true,
		},
		containerPutTimeout: cfg.ContainerPutPendingTimeout,
	}
}

// CreateOrUpdate creates the account at ts or moves its put timestamp
// forward, then merges meta
func (s *AccountService) CreateOrUpdate(ctx context.Context, t Target, ts model.Timestamp, meta model.Metadata) (PutOutcome, error) {
	b := s.brokers.Open(t.Device, t.Partition, t.Account)

	outcome, err := s.createOrResurrect(ctx, t, b, ts)
	if err != nil || (outcome != PutCreated && outcome != PutAccepted) {
		return outcome, err
	}

	if meta.Len() > 0 {
		if err := b.UpdateMetadata(ctx, meta); err != nil {
			return outcome, s.storageError(t, "update metadata", err)
		}
	}
	return outcome, nil
}

func (s *AccountService) createOrResurrect(ctx context.Context, t Target, b *broker.AccountBroker, ts model.Timestamp) (PutOutcome, error) {
	if !b.Exists() {
		if err := s.checkSpace(t.Device, newAccountEstimate); err != nil {
			return PutAccepted, err
		}
		res, err := b.Initialize(ctx, ts)
		if err != nil {
			return PutAccepted, s.storageError(t, "initialize", err)
		}
		if res == broker.Created {
			s.logger.Info("Account created",
				zap.String("account", t.Account),
				zap.String("device", t.Device),
				zap.String("put_timestamp", ts.String()))
			return PutCreated, nil
		}
		// Lost the creation race. The winner's database is treated like any
		// existing one.
	}

	statusDeleted, err := b.IsStatusDeleted(ctx)
	if err != nil {
		return PutAccepted, s.storageError(t, "read status", err)
	}
	if statusDeleted {
		return PutRecentlyDeleted, nil
	}

	wasDeleted, err := b.IsDeleted(ctx, broker.ReadOptions{})
	if err != nil {
		return PutAccepted, s.storageError(t, "read info", err)
	}
	if err := b.UpdatePutTimestamp(ctx, ts); err != nil {
		return PutAccepted, s.storageError(t, "update put timestamp", err)
	}
	stillDeleted, err := b.IsDeleted(ctx, broker.ReadOptions{})
	if err != nil {
		return PutAccepted, s.storageError(t, "read info", err)
	}
	if stillDeleted {
		return PutConflict, nil
	}
	if wasDeleted {
		return PutCreated, nil
	}
	return PutAccepted, nil
}

// PutContainer records a container update for the account
func (s *AccountService) PutContainer(ctx context.Context, t Target, u ContainerUpdate) (ContainerOutcome, error) {
	b := s.brokers.Open(t.Device, t.Partition, t.Account)

	if err := s.checkSpace(t.Device, uint64(len(u.Name)+pendingRecordOverhead)); err != nil {
		return ContainerAccountNotFound, err
	}

	if strings.HasPrefix(t.Account, s.autoCreatePrefix) && !b.Exists() {
		ts := u.Timestamp
		if ts == 0 {
			ts = model.Now()
		}
		res, err := b.Initialize(ctx, ts)
		if err != nil {
			return ContainerAccountNotFound, s.storageError(t, "auto-create", err)
		}
		if res == broker.Created {
			s.logger.Info("Account auto-created",
				zap.String("account", t.Account),
				zap.String("device", t.Device))
		}
	}

	if !b.Exists() {
		return ContainerAccountNotFound, nil
	}
	if !u.OverrideDeleted {
		deleted, err := b.IsDeleted(ctx, broker.ReadOptions{})
		if err != nil {
			return ContainerAccountNotFound, s.storageError(t, "read info", err)
		}
		if deleted {
			return ContainerAccountNotFound, nil
		}
	}

	var lockTimeout time.Duration
	if u.Forwarded {
		lockTimeout = s.containerPutTimeout
	}
	rec := model.ContainerRecord{
		Name:            u.Name,
		PutTimestamp:    u.PutTimestamp,
		DeleteTimestamp: u.DeleteTimestamp,
		ObjectCount:     u.ObjectCount,
		BytesUsed:       u.BytesUsed,
	}
	if err := b.PutContainer(ctx, rec, lockTimeout); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return ContainerAccountNotFound, nil
		}
		return ContainerAccountNotFound, s.storageError(t, "put container", err)
	}

	if u.DeleteTimestamp.After(u.PutTimestamp) {
		return ContainerNoContent, nil
	}
	return ContainerCreated, nil
}

// UpdateMetadata merges meta into a live account. It reports false when the
// account is missing or deleted.
func (s *AccountService) UpdateMetadata(ctx context.Context, t Target, meta model.Metadata) (bool, error) {
	b := s.brokers.Open(t.Device, t.Partition, t.Account)

	deleted, err := b.IsDeleted(ctx, broker.ReadOptions{})
	if err != nil {
		return false, s.storageError(t, "read info", err)
	}
	if deleted {
		return false, nil
	}
	if meta.Len() == 0 {
		return true, nil
	}
	if err := b.UpdateMetadata(ctx, meta); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return false, nil
		}
		return false, s.storageError(t, "update metadata", err)
	}
	return true, nil
}

// Delete tombstones the account at ts
func (s *AccountService) Delete(ctx context.Context, t Target, ts model.Timestamp) (DeleteOutcome, error) {
	b := s.brokers.Open(t.Device, t.Partition, t.Account)

	deleted, err := b.IsDeleted(ctx, broker.ReadOptions{})
	if err != nil {
		return AlreadyDeleted, s.storageError(t, "read info", err)
	}
	if deleted {
		return AlreadyDeleted, nil
	}
	if err := b.DeleteDB(ctx, ts); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return AlreadyDeleted, nil
		}
		return AlreadyDeleted, s.storageError(t, "delete", err)
	}

	s.logger.Info("Account deleted",
		zap.String("account", t.Account),
		zap.String("device", t.Device),
		zap.String("delete_timestamp", ts.String()))
	return Deleted, nil
}

// Info returns the account summary and visible metadata. It reports false
// when the account is missing or deleted.
func (s *AccountService) Info(ctx context.Context, t Target) (AccountSnapshot, bool, error) {
	b := s.brokers.Open(t.Device, t.Partition, t.Account)
	return s.snapshot(ctx, t, b)
}

func (s *AccountService) snapshot(ctx context.Context, t Target, b *broker.AccountBroker) (AccountSnapshot, bool, error) {
	deleted, err := b.IsDeleted(ctx, s.readOptions)
	if err != nil {
		return AccountSnapshot{}, false, s.storageError(t, "read info", err)
	}
	if deleted {
		return AccountSnapshot{}, false, nil
	}

	info, err := b.GetInfo(ctx, s.readOptions)
	if errors.Is(err, broker.ErrNotFound) {
		return AccountSnapshot{}, false, nil
	}
	if err != nil {
		return AccountSnapshot{}, false, s.storageError(t, "read info", err)
	}
	md, err := b.Metadata(ctx)
	if err != nil {
		return AccountSnapshot{}, false, s.storageError(t, "read metadata", err)
	}
	return AccountSnapshot{Info: info, Metadata: md.Visible()}, true, nil
}

// List returns the account snapshot and one page of its containers
func (s *AccountService) List(ctx context.Context, t Target, p broker.ListParams) (Listing, bool, error) {
	b := s.brokers.Open(t.Device, t.Partition, t.Account)

	snap, ok, err := s.snapshot(ctx, t, b)
	if err != nil || !ok {
		return Listing{}, ok, err
	}
	entries, err := b.ListContainers(ctx, p, s.readOptions)
	if err != nil {
		return Listing{}, false, s.storageError(t, "list containers", err)
	}
	return Listing{AccountSnapshot: snap, Entries: entries}, true, nil
}

// DeletedStatus reports whether the account is known and explicitly deleted,
// as opposed to never having existed
func (s *AccountService) DeletedStatus(ctx context.Context, t Target) bool {
	b := s.brokers.Open(t.Device, t.Partition, t.Account)
	deleted, err := b.IsStatusDeleted(ctx)
	if err != nil {
		if !errors.Is(err, broker.ErrNotFound) {
			s.logger.Warn("Failed to read account status",
				zap.String("account", t.Account),
				zap.String("device", t.Device),
				zap.Error(err))
		}
		return false
	}
	return deleted
}

// checkSpace refuses writes to a device whose disk is full
func (s *AccountService) checkSpace(device string, estimatedBytes uint64) error {
	if s.diskManager == nil {
		return nil
	}
	if err := s.diskManager.CheckBeforeWrite(device, estimatedBytes); err != nil {
		s.logger.Warn("Disk space check failed",
			zap.String("device", device),
			zap.Uint64("estimated_size", estimatedBytes),
			zap.Error(err))
		return accterrors.InsufficientSpace(device, err)
	}
	return nil
}

func (s *AccountService) storageError(t Target, op string, err error) error {
	if errors.Is(err, broker.ErrLockTimeout) {
		return accterrors.LockTimeout(t.Account, fmt.Errorf("%s: %w", op, err))
	}
	return accterrors.InternalError(fmt.Sprintf("failed to %s", op), err).
		WithDetail("account", t.Account).
		WithDetail("device", t.Device)
}
