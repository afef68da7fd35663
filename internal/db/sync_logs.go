package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSyncLog appends a sync log entry.
func (db *DB) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	log.CreatedAt = log.CreatedAt.UTC()

	query := `INSERT INTO sync_logs (id, business_id, connection_id, mapping_id, booking_id, action, outcome, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		log.ID, log.BusinessID, log.ConnectionID, nullString(log.MappingID), nullString(log.BookingID),
		log.Action, log.Outcome, log.Message, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns the most recent sync logs for a connection.
func (db *DB) GetSyncLogs(ctx context.Context, connectionID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, business_id, connection_id, mapping_id, booking_id, action, outcome, message, created_at
		FROM sync_logs WHERE connection_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var mappingID, bookingID sql.NullString
		err := rows.Scan(&log.ID, &log.BusinessID, &log.ConnectionID, &mappingID, &bookingID,
			&log.Action, &log.Outcome, &log.Message, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.MappingID = mappingID.String
		log.BookingID = bookingID.String
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// SyncStatistics aggregates the sync logs of a business created at or after since.
func (db *DB) SyncStatistics(ctx context.Context, businessID string, since time.Time) (*SyncStats, error) {
	query := `SELECT action, outcome, COUNT(*) FROM sync_logs
		WHERE business_id = ? AND created_at >= ?
		GROUP BY action, outcome`

	rows, err := db.conn.QueryContext(ctx, query, businessID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query sync statistics: %w", err)
	}
	defer rows.Close()

	stats := &SyncStats{
		BusinessID: businessID,
		Since:      since.UTC(),
		ByAction:   make(map[SyncAction]ActionStats),
	}

	for rows.Next() {
		var action SyncAction
		var outcome SyncOutcome
		var count int
		if err := rows.Scan(&action, &outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan sync statistics: %w", err)
		}

		entry := stats.ByAction[action]
		switch outcome {
		case OutcomeSuccess:
			entry.Success += count
			stats.Succeeded += count
		case OutcomeFailure:
			entry.Failure += count
			stats.Failed += count
		}
		stats.ByAction[action] = entry
		stats.Total += count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync statistics: %w", err)
	}

	return stats, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM sync_logs WHERE created_at < ?`

	result, err := db.conn.ExecContext(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
