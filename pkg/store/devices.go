package store

import (
	"database/sql"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

// UpsertCheckin records a full device telemetry report.
func (s *Store) UpsertCheckin(d *Device, now int64) error {
	err := s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO devices (
			  device_id, last_checkin_epoch, next_wakeup_epoch, sleep_seconds,
			  poll_interval_seconds, failure_count, last_http_status, fetch_ok,
			  image_changed, image_source, last_error, battery_mv, battery_percent,
			  charging, vbus_good, reported_config_json, reported_config_epoch, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
			  last_checkin_epoch = excluded.last_checkin_epoch,
			  next_wakeup_epoch = excluded.next_wakeup_epoch,
			  sleep_seconds = excluded.sleep_seconds,
			  poll_interval_seconds = excluded.poll_interval_seconds,
			  failure_count = excluded.failure_count,
			  last_http_status = excluded.last_http_status,
			  fetch_ok = excluded.fetch_ok,
			  image_changed = excluded.image_changed,
			  image_source = excluded.image_source,
			  last_error = excluded.last_error,
			  battery_mv = excluded.battery_mv,
			  battery_percent = excluded.battery_percent,
			  charging = excluded.charging,
			  vbus_good = excluded.vbus_good,
			  reported_config_json = excluded.reported_config_json,
			  reported_config_epoch = excluded.reported_config_epoch,
			  updated_at = excluded.updated_at`,
			d.DeviceID, d.LastCheckinEpoch, d.NextWakeupEpoch, d.SleepSeconds,
			d.PollIntervalSeconds, d.FailureCount, d.LastHTTPStatus, boolInt(d.FetchOK),
			boolInt(d.ImageChanged), d.ImageSource, d.LastError, d.BatteryMV, d.BatteryPercent,
			int(d.Charging), int(d.VbusGood), d.ReportedConfigJSON, d.ReportedConfigEpoch, now)
		return err
	})
	return util.Internalf("upserting device checkin", err)
}

// NextWakeup returns the reported next wakeup for a device. ok is false when
// the device has never made contact.
func (s *Store) NextWakeup(deviceID string) (epoch int64, ok bool, err error) {
	row := s.db.QueryRow(`SELECT next_wakeup_epoch FROM devices WHERE device_id = ?`, deviceID)
	switch err := row.Scan(&epoch); err {
	case nil:
		return epoch, true, nil
	case sql.ErrNoRows:
		return 0, false, nil
	default:
		return 0, false, util.Internalf("querying next wakeup", err)
	}
}

// ListDevices returns all devices, nearest known wakeup first; devices that
// never reported a wakeup sort last.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(`
		SELECT device_id, last_checkin_epoch, next_wakeup_epoch, sleep_seconds,
		       poll_interval_seconds, failure_count, last_http_status, fetch_ok,
		       image_changed, image_source, last_error, battery_mv, battery_percent,
		       charging, vbus_good, reported_config_json, reported_config_epoch, updated_at
		FROM devices
		ORDER BY CASE WHEN next_wakeup_epoch > 0 THEN next_wakeup_epoch ELSE 9223372036854775807 END,
		         device_id ASC`)
	if err != nil {
		return nil, util.Internalf("listing devices", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			d                     Device
			fetchOK, imageChanged int
			charging, vbusGood    int
		)
		if err := rows.Scan(&d.DeviceID, &d.LastCheckinEpoch, &d.NextWakeupEpoch, &d.SleepSeconds,
			&d.PollIntervalSeconds, &d.FailureCount, &d.LastHTTPStatus, &fetchOK,
			&imageChanged, &d.ImageSource, &d.LastError, &d.BatteryMV, &d.BatteryPercent,
			&charging, &vbusGood, &d.ReportedConfigJSON, &d.ReportedConfigEpoch, &d.UpdatedAt); err != nil {
			return nil, util.Internalf("scanning device row", err)
		}
		d.FetchOK = fetchOK != 0
		d.ImageChanged = imageChanged != 0
		d.Charging = NormalizeTriState(charging)
		d.VbusGood = NormalizeTriState(vbusGood)
		devices = append(devices, d)
	}
	return devices, util.Internalf("listing devices", rows.Err())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
