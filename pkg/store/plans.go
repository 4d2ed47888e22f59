package store

import (
	"database/sql"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

// InsertPlan publishes a new config plan and trims the per-device history to
// the newest MaxPlansPerDevice rows. The returned id is the plan's version.
func (s *Store) InsertPlan(deviceID, configJSON, note string, now int64) (int64, error) {
	var id int64
	err := s.withWriteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO device_config_plans (device_id, config_json, note, created_epoch, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			deviceID, configJSON, note, now, now)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}

		_, err = tx.Exec(`
			DELETE FROM device_config_plans
			WHERE id IN (
			  SELECT id FROM device_config_plans
			  WHERE device_id = ?
			  ORDER BY id DESC
			  LIMIT -1 OFFSET ?
			)`, deviceID, MaxPlansPerDevice)
		return err
	})
	if err != nil {
		return 0, util.Internalf("inserting config plan", err)
	}
	return id, nil
}

// LatestPlan resolves the newest plan applicable to the device: an exact
// device match beats a wildcard one at equal recency. Returns nil when no
// plan applies.
func (s *Store) LatestPlan(deviceID string) (*ConfigPlan, error) {
	normalized := NormalizeDeviceID(deviceID)

	var row *sql.Row
	if normalized == "*" {
		row = s.db.QueryRow(`
			SELECT id, device_id, config_json, note, created_epoch
			FROM device_config_plans
			WHERE device_id = '*'
			ORDER BY id DESC
			LIMIT 1`)
	} else {
		row = s.db.QueryRow(`
			SELECT id, device_id, config_json, note, created_epoch
			FROM device_config_plans
			WHERE device_id = ? OR device_id = '*'
			ORDER BY CASE WHEN device_id = ? THEN 0 ELSE 1 END, id DESC
			LIMIT 1`, normalized, normalized)
	}

	var p ConfigPlan
	err := row.Scan(&p.ID, &p.DeviceID, &p.ConfigJSON, &p.Note, &p.CreatedEpoch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, util.Internalf("resolving latest plan", err)
	}
	return &p, nil
}

// ListPlans returns recent plans, newest first. deviceID blank or "*" means
// all devices.
func (s *Store) ListPlans(deviceID string, limit int) ([]ConfigPlan, error) {
	query := `
		SELECT id, device_id, config_json, note, created_epoch
		FROM device_config_plans`
	args := []interface{}{}
	if id := NormalizeDeviceID(deviceID); id != "*" {
		query += ` WHERE device_id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, util.Internalf("listing config plans", err)
	}
	defer rows.Close()

	var plans []ConfigPlan
	for rows.Next() {
		var p ConfigPlan
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.ConfigJSON, &p.Note, &p.CreatedEpoch); err != nil {
			return nil, util.Internalf("scanning config plan row", err)
		}
		plans = append(plans, p)
	}
	return plans, util.Internalf("listing config plans", rows.Err())
}

// CountPlans returns the number of plan rows for a device.
func (s *Store) CountPlans(deviceID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM device_config_plans WHERE device_id = ?`, deviceID).Scan(&n)
	return n, util.Internalf("counting config plans", err)
}

// RecordConfigQuery upserts the status row after a device config poll.
func (s *Store) RecordConfigQuery(deviceID string, now, seenVersion, targetVersion int64) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO device_config_status (device_id, last_query_epoch, last_seen_version, target_version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
			  last_query_epoch = excluded.last_query_epoch,
			  last_seen_version = excluded.last_seen_version,
			  target_version = excluded.target_version,
			  updated_at = excluded.updated_at`,
			deviceID, now, seenVersion, targetVersion, now)
		return err
	})
	return util.Internalf("recording config query", err)
}

// RecordConfigApplied upserts the status row after a device reports an apply
// attempt. applyError is truncated to 512 bytes.
func (s *Store) RecordConfigApplied(deviceID string, applyEpoch, appliedVersion int64, ok bool, applyError string, now int64) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO device_config_status (
			  device_id, last_apply_epoch, applied_version, apply_ok, apply_error, updated_at
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
			  last_apply_epoch = excluded.last_apply_epoch,
			  applied_version = excluded.applied_version,
			  apply_ok = excluded.apply_ok,
			  apply_error = excluded.apply_error,
			  updated_at = excluded.updated_at`,
			deviceID, applyEpoch, appliedVersion, boolInt(ok), util.Truncate(applyError, 512), now)
		return err
	})
	return util.Internalf("recording config apply", err)
}

// ConfigStatuses returns the status projection keyed by device id.
func (s *Store) ConfigStatuses() (map[string]ConfigStatus, error) {
	rows, err := s.db.Query(`
		SELECT device_id, last_query_epoch, last_seen_version, target_version,
		       last_apply_epoch, applied_version, apply_ok, apply_error
		FROM device_config_status`)
	if err != nil {
		return nil, util.Internalf("listing config status", err)
	}
	defer rows.Close()

	statuses := map[string]ConfigStatus{}
	for rows.Next() {
		var (
			st      ConfigStatus
			applyOK int
		)
		if err := rows.Scan(&st.DeviceID, &st.LastQueryEpoch, &st.LastSeenVersion, &st.TargetVersion,
			&st.LastApplyEpoch, &st.AppliedVersion, &applyOK, &st.ApplyError); err != nil {
			return nil, util.Internalf("scanning config status row", err)
		}
		st.ApplyOK = applyOK != 0
		statuses[st.DeviceID] = st
	}
	return statuses, util.Internalf("listing config status", rows.Err())
}
