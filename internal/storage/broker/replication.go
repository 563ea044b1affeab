package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/devrev/pairdb/account-server/internal/model"
)

// GetReplicationInfo returns the account summary plus the largest container
// ROWID and the raw metadata, which is what a peer compares before syncing
func (b *AccountBroker) GetReplicationInfo(ctx context.Context, opts ReadOptions) (model.ReplicationInfo, error) {
	if err := b.commitPendingForRead(ctx, opts); err != nil {
		return model.ReplicationInfo{}, err
	}

	var info model.ReplicationInfo
	err := b.withDB(ctx, func(db *sql.DB) error {
		if err := scanInfo(db.QueryRowContext(ctx, infoQuery), &info.AccountInfo); err != nil {
			return err
		}
		if err := db.QueryRowContext(ctx, `SELECT metadata FROM account_stat`).Scan(&info.Metadata); err != nil {
			return fmt.Errorf("failed to read metadata: %w", err)
		}
		var err error
		info.MaxRow, err = maxRowID(ctx, db)
		return err
	})
	info.Point = -1
	return info, err
}

func maxRowID(ctx context.Context, q queryRower) (int64, error) {
	var rowID int64
	err := q.QueryRowContext(ctx, `SELECT ROWID FROM container ORDER BY ROWID DESC LIMIT 1`).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("failed to read max row: %w", err)
	}
	return rowID, nil
}

// MergeTimestamps takes the oldest created_at and the newest put and delete
// timestamps of this replica and a peer
func (b *AccountBroker) MergeTimestamps(ctx context.Context, createdAt, putTimestamp, deleteTimestamp model.Timestamp) error {
	return b.update(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE account_stat
			SET created_at = MIN(?, created_at),
			    put_timestamp = MAX(?, put_timestamp),
			    delete_timestamp = MAX(?, delete_timestamp)`,
			int64(createdAt), int64(putTimestamp), int64(deleteTimestamp))
		if err != nil {
			return fmt.Errorf("failed to merge timestamps: %w", err)
		}
		return nil
	})
}

// GetSync returns how far remoteID has been merged into this replica, or -1
func (b *AccountBroker) GetSync(ctx context.Context, remoteID string) (int64, error) {
	point := int64(-1)
	err := b.withDB(ctx, func(db *sql.DB) error {
		err := db.QueryRowContext(ctx,
			`SELECT sync_point FROM incoming_sync WHERE remote_id = ?`, remoteID).Scan(&point)
		if errors.Is(err, sql.ErrNoRows) {
			point = -1
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read sync point: %w", err)
		}
		return nil
	})
	return point, err
}

// MergeSyncs records sync points; an existing point only moves forward
func (b *AccountBroker) MergeSyncs(ctx context.Context, points []model.SyncPoint) error {
	if len(points) == 0 {
		return nil
	}
	return b.update(ctx, func(tx *sql.Tx) error {
		for _, p := range points {
			if err := upsertSync(ctx, tx, p.RemoteID, p.SyncPoint); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertSync(ctx context.Context, tx *sql.Tx, remoteID string, point int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO incoming_sync (remote_id, sync_point, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			sync_point = MAX(excluded.sync_point, sync_point),
			updated_at = excluded.updated_at`,
		remoteID, point, int64(model.Now()))
	if err != nil {
		return fmt.Errorf("failed to update sync point for %s: %w", remoteID, err)
	}
	return nil
}

// GetItemsSince returns up to count container rows with ROWID above start,
// deleted ones included, in ROWID order
func (b *AccountBroker) GetItemsSince(ctx context.Context, start int64, count int) ([]model.ContainerRecord, error) {
	if err := b.commitPendingForRead(ctx, ReadOptions{StaleReadsOK: true}); err != nil {
		return nil, err
	}

	var items []model.ContainerRecord
	err := b.withDB(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT ROWID, name, put_timestamp, delete_timestamp, object_count, bytes_used, deleted
			FROM container WHERE ROWID > ? ORDER BY ROWID ASC LIMIT ?`, start, count)
		if err != nil {
			return fmt.Errorf("failed to read items: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var rec model.ContainerRecord
			var deleted int
			if err := rows.Scan(&rec.RowID, &rec.Name, &rec.PutTimestamp, &rec.DeleteTimestamp,
				&rec.ObjectCount, &rec.BytesUsed, &deleted); err != nil {
				return fmt.Errorf("failed to scan item: %w", err)
			}
			rec.Deleted = deleted != 0
			items = append(items, rec)
		}
		return rows.Err()
	})
	return items, err
}

// NewID gives this replica a fresh identity after its file was copied from
// remoteID, remembering that everything up to the current max row came from
// that peer
func (b *AccountBroker) NewID(ctx context.Context, remoteID string) error {
	return b.update(ctx, func(tx *sql.Tx) error {
		point, err := maxRowID(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO incoming_sync (remote_id, sync_point, updated_at)
			VALUES (?, ?, ?)`, remoteID, point, int64(model.Now())); err != nil {
			return fmt.Errorf("failed to record sync point: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE account_stat SET id = ?`, uuid.NewString()); err != nil {
			return fmt.Errorf("failed to assign new id: %w", err)
		}
		return nil
	})
}
