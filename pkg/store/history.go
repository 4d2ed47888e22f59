package store

import (
	"database/sql"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

// AppendPublish records a scheduler decision and trims the history table to
// the newest MaxPublishHistory rows in the same transaction.
func (s *Store) AppendPublish(rec *PublishRecord) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		var overrideID interface{}
		if rec.OverrideID != nil {
			overrideID = *rec.OverrideID
		}
		res, err := tx.Exec(`
			INSERT INTO publish_history (
			  device_id, issued_epoch, source, image_url, override_id,
			  poll_after_seconds, valid_until_epoch, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.DeviceID, rec.IssuedEpoch, rec.Source, rec.ImageURL, overrideID,
			rec.PollAfterSeconds, rec.ValidUntilEpoch, rec.IssuedEpoch)
		if err != nil {
			return err
		}
		if rec.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		_, err = tx.Exec(`
			DELETE FROM publish_history
			WHERE id IN (
			  SELECT id FROM publish_history
			  ORDER BY id DESC
			  LIMIT -1 OFFSET ?
			)`, MaxPublishHistory)
		return err
	})
	return util.Internalf("appending publish history", err)
}

// ListPublishHistory returns recent decisions, newest first. deviceID blank
// or "*" means all devices.
func (s *Store) ListPublishHistory(deviceID string, limit int) ([]PublishRecord, error) {
	query := `
		SELECT id, device_id, issued_epoch, source, image_url, override_id,
		       poll_after_seconds, valid_until_epoch
		FROM publish_history`
	args := []interface{}{}
	if id := NormalizeDeviceID(deviceID); id != "*" {
		query += ` WHERE device_id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY issued_epoch DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, util.Internalf("listing publish history", err)
	}
	defer rows.Close()

	var records []PublishRecord
	for rows.Next() {
		var (
			rec        PublishRecord
			overrideID sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.IssuedEpoch, &rec.Source,
			&rec.ImageURL, &overrideID, &rec.PollAfterSeconds, &rec.ValidUntilEpoch); err != nil {
			return nil, util.Internalf("scanning publish history row", err)
		}
		if overrideID.Valid {
			v := overrideID.Int64
			rec.OverrideID = &v
		}
		records = append(records, rec)
	}
	return records, util.Internalf("listing publish history", rows.Err())
}

// CountPublishHistory returns the number of history rows.
func (s *Store) CountPublishHistory() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM publish_history`).Scan(&n)
	return n, util.Internalf("counting publish history", err)
}
