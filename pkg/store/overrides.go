package store

import (
	"database/sql"
	"fmt"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

// rowQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowQuerier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// InsertOverride stores a new override window and returns its id.
func (s *Store) InsertOverride(o *Override) (int64, error) {
	var id int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO overrides (device_id, start_epoch, end_epoch, asset_name, asset_sha256, note, created_epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			o.DeviceID, o.StartEpoch, o.EndEpoch, o.AssetName, o.AssetSHA256, o.Note, o.CreatedEpoch)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, util.Internalf("inserting override", err)
	}
	return id, nil
}

// DisableOverride soft-deletes an override. History rows referencing it are
// preserved.
func (s *Store) DisableOverride(id int64) error {
	var affected int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE overrides SET enabled = 0 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return util.Internalf("disabling override", err)
	}
	if affected == 0 {
		return util.NewNotFoundError("override", fmt.Sprintf("%d", id))
	}
	return nil
}

// ListEnabledOverrides returns enabled windows, newest window first.
func (s *Store) ListEnabledOverrides(limit int) ([]Override, error) {
	rows, err := s.db.Query(`
		SELECT id, device_id, start_epoch, end_epoch, asset_name, asset_sha256, note, created_epoch
		FROM overrides
		WHERE enabled = 1
		ORDER BY start_epoch DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, util.Internalf("listing overrides", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		o := Override{Enabled: true}
		if err := rows.Scan(&o.ID, &o.DeviceID, &o.StartEpoch, &o.EndEpoch,
			&o.AssetName, &o.AssetSHA256, &o.Note, &o.CreatedEpoch); err != nil {
			return nil, util.Internalf("scanning override row", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, util.Internalf("listing overrides", rows.Err())
}

// ActiveOverride returns the override in effect for the device at now, or nil.
// A device-specific window beats a wildcard one; ties go to the most recently
// created.
func (s *Store) ActiveOverride(deviceID string, now int64) (*Override, error) {
	o, err := activeOverride(s.db, deviceID, now)
	return o, util.Internalf("querying active override", err)
}

func activeOverride(q rowQuerier, deviceID string, now int64) (*Override, error) {
	normalized := NormalizeDeviceID(deviceID)

	var row *sql.Row
	if normalized == "*" {
		row = q.QueryRow(`
			SELECT id, device_id, start_epoch, end_epoch, asset_name, asset_sha256, note, created_epoch
			FROM overrides
			WHERE enabled = 1 AND start_epoch <= ? AND end_epoch > ? AND device_id = '*'
			ORDER BY created_epoch DESC, id DESC
			LIMIT 1`, now, now)
	} else {
		row = q.QueryRow(`
			SELECT id, device_id, start_epoch, end_epoch, asset_name, asset_sha256, note, created_epoch
			FROM overrides
			WHERE enabled = 1 AND start_epoch <= ? AND end_epoch > ?
			  AND (device_id = ? OR device_id = '*')
			ORDER BY CASE WHEN device_id = ? THEN 0 ELSE 1 END, created_epoch DESC, id DESC
			LIMIT 1`, now, now, normalized, normalized)
	}

	o := Override{Enabled: true}
	err := row.Scan(&o.ID, &o.DeviceID, &o.StartEpoch, &o.EndEpoch,
		&o.AssetName, &o.AssetSHA256, &o.Note, &o.CreatedEpoch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func upcomingOverrideStart(q rowQuerier, deviceID string, now int64) (int64, error) {
	normalized := NormalizeDeviceID(deviceID)

	var start int64
	err := q.QueryRow(`
		SELECT start_epoch FROM overrides
		WHERE enabled = 1 AND start_epoch > ?
		  AND (device_id = ? OR device_id = '*')
		ORDER BY start_epoch ASC
		LIMIT 1`, now, normalized).Scan(&start)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return start, nil
}

// NextInputs runs the atomic read-modify prefix of a device/next call: the
// device row is upserted with the new contact time and failure count, then
// the active and nearest upcoming override are read in the same transaction.
// upcomingStart is 0 when no window is scheduled.
func (s *Store) NextInputs(deviceID string, now, failureCount int64) (active *Override, upcomingStart int64, err error) {
	err = s.withWriteTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO devices (device_id, updated_at, failure_count)
			VALUES (?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
			  updated_at = excluded.updated_at,
			  failure_count = excluded.failure_count`,
			deviceID, now, failureCount); err != nil {
			return err
		}

		var err error
		if active, err = activeOverride(tx, deviceID, now); err != nil {
			return err
		}
		upcomingStart, err = upcomingOverrideStart(tx, deviceID, now)
		return err
	})
	if err != nil {
		return nil, 0, util.Internalf("preparing scheduler inputs", err)
	}
	return active, upcomingStart, nil
}
