package broker

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/devrev/pairdb/account-server/internal/model"
)

// MergeItems folds container records into the database in one transaction.
// For a name already present the newest put and newest delete timestamps
// win independently. The deleted flag is always recomputed from the stored
// timestamps, never taken from the record. When
// source is set, the incoming sync point for that replica advances to the
// largest ROWID seen.
func (b *AccountBroker) MergeItems(ctx context.Context, records []model.ContainerRecord, source string) error {
	if len(records) == 0 && source == "" {
		return nil
	}
	return b.update(ctx, func(tx *sql.Tx) error {
		return mergeItems(ctx, tx, records, source)
	})
}

func mergeItems(ctx context.Context, tx *sql.Tx, records []model.ContainerRecord, source string) error {
	var hash string
	if err := tx.QueryRowContext(ctx, `SELECT hash FROM account_stat`).Scan(&hash); err != nil {
		return fmt.Errorf("failed to read account hash: %w", err)
	}

	maxRowID := int64(-1)
	for _, rec := range records {
		existing, found, err := lookupContainer(ctx, tx, rec.Name)
		if err != nil {
			return err
		}

		merged := rec
		if found {
			if existing.PutTimestamp.After(merged.PutTimestamp) {
				merged.PutTimestamp = existing.PutTimestamp
				merged.ObjectCount = existing.ObjectCount
				merged.BytesUsed = existing.BytesUsed
			}
			merged.DeleteTimestamp = model.MaxTimestamp(existing.DeleteTimestamp, merged.DeleteTimestamp)

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM container WHERE name = ? AND deleted IN (0, 1)`, rec.Name); err != nil {
				return fmt.Errorf("failed to replace container %q: %w", rec.Name, err)
			}
			if hash, err = chexor(hash, existing); err != nil {
				return err
			}
		}

		merged.ComputeDeleted()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO container (name, put_timestamp, delete_timestamp, object_count, bytes_used, deleted)
			VALUES (?, ?, ?, ?, ?, ?)`,
			merged.Name, int64(merged.PutTimestamp), int64(merged.DeleteTimestamp),
			merged.ObjectCount, merged.BytesUsed, boolToInt(merged.Deleted)); err != nil {
			return fmt.Errorf("failed to insert container %q: %w", rec.Name, err)
		}
		if hash, err = chexor(hash, merged); err != nil {
			return err
		}

		if rec.RowID > maxRowID {
			maxRowID = rec.RowID
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE account_stat SET hash = ?`, hash); err != nil {
		return fmt.Errorf("failed to update account hash: %w", err)
	}

	if source != "" {
		return upsertSync(ctx, tx, source, maxRowID)
	}
	return nil
}

func lookupContainer(ctx context.Context, tx *sql.Tx, name string) (model.ContainerRecord, bool, error) {
	rec := model.ContainerRecord{Name: name}
	var deleted int
	err := tx.QueryRowContext(ctx, `
		SELECT put_timestamp, delete_timestamp, object_count, bytes_used, deleted
		FROM container WHERE name = ? AND deleted IN (0, 1)`, name).
		Scan(&rec.PutTimestamp, &rec.DeleteTimestamp, &rec.ObjectCount, &rec.BytesUsed, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("failed to look up container %q: %w", name, err)
	}
	rec.Deleted = deleted != 0
	return rec, true, nil
}

// chexor folds a container row into the account hash. XOR makes the hash
// independent of the order rows were applied in, and applying the same row
// twice removes it again.
func chexor(old string, rec model.ContainerRecord) (string, error) {
	prev, err := hex.DecodeString(old)
	if err != nil || len(prev) != md5.Size {
		return "", fmt.Errorf("invalid account hash %q", old)
	}
	stamp := fmt.Sprintf("%s-%s-%d-%d",
		rec.PutTimestamp, rec.DeleteTimestamp, rec.ObjectCount, rec.BytesUsed)
	sum := md5.Sum([]byte(rec.Name + "-" + stamp))
	for i := range prev {
		prev[i] ^= sum[i]
	}
	return hex.EncodeToString(prev), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
