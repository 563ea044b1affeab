package broker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/devrev/pairdb/account-server/internal/model"
)

// ListParams select a page of containers
type ListParams struct {
	Limit     int
	Marker    string
	EndMarker string
	Prefix    string
	Delimiter string
}

// ListContainers returns live containers in name order. With a delimiter,
// names sharing the part up to and including the delimiter after the prefix
// collapse into a single subdir entry.
func (b *AccountBroker) ListContainers(ctx context.Context, p ListParams, opts ReadOptions) ([]model.ListEntry, error) {
	if err := b.commitPendingForRead(ctx, opts); err != nil {
		return nil, err
	}

	var results []model.ListEntry
	err := b.withDB(ctx, func(db *sql.DB) error {
		var err error
		results, err = listContainers(ctx, db, p)
		return err
	})
	return results, err
}

func listContainers(ctx context.Context, db *sql.DB, p ListParams) ([]model.ListEntry, error) {
	results := []model.ListEntry{}
	marker := p.Marker

	for len(results) < p.Limit {
		batch, err := queryContainers(ctx, db, p.Prefix, marker, p.EndMarker, p.Limit-len(results))
		if err != nil {
			return nil, err
		}

		if p.Delimiter == "" {
			if p.Prefix == "" {
				return batch, nil
			}
			for _, entry := range batch {
				if strings.HasPrefix(entry.Name, p.Prefix) {
					results = append(results, entry)
				}
			}
			return results, nil
		}

		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			marker = entry.Name
			if len(results) >= p.Limit || !strings.HasPrefix(entry.Name, p.Prefix) {
				return results, nil
			}

			end := strings.Index(entry.Name[len(p.Prefix):], p.Delimiter)
			if end >= 0 {
				end += len(p.Prefix)
			}
			if end > 0 {
				// skip past every name sharing this subdir
				delim, size := utf8.DecodeRuneInString(p.Delimiter)
				marker = entry.Name[:end] + string(delim+1)
				dirName := entry.Name[:end+size]
				if dirName != p.Marker {
					results = append(results, model.ListEntry{Name: dirName, IsSubdir: true})
				}
				break
			}
			results = append(results, entry)
		}
	}
	return results, nil
}

func queryContainers(ctx context.Context, db *sql.DB, prefix, marker, endMarker string, limit int) ([]model.ListEntry, error) {
	query := `SELECT name, object_count, bytes_used FROM container WHERE deleted = 0`
	var args []any
	if endMarker != "" {
		query += ` AND name < ?`
		args = append(args, endMarker)
	}
	if marker != "" && marker >= prefix {
		query += ` AND name > ?`
		args = append(args, marker)
	} else if prefix != "" {
		query += ` AND name >= ?`
		args = append(args, prefix)
	}
	query += ` ORDER BY name LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	defer rows.Close()

	batch := []model.ListEntry{}
	for rows.Next() {
		var e model.ListEntry
		if err := rows.Scan(&e.Name, &e.ObjectCount, &e.BytesUsed); err != nil {
			return nil, fmt.Errorf("failed to scan container row: %w", err)
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate container rows: %w", err)
	}
	return batch, nil
}
