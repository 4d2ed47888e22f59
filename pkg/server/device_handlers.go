package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/photoframe-works/orchestrator/pkg/audit"
	"github.com/photoframe-works/orchestrator/pkg/configplan"
	"github.com/photoframe-works/orchestrator/pkg/store"
	"github.com/photoframe-works/orchestrator/pkg/util"
)

// queryInt64 reads an integer query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func queryNow(r *http.Request) int64 {
	return queryInt64(r, "now_epoch", util.NowEpoch())
}

func requireDeviceID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if id == "" {
		return "", util.NewInputError("device_id", "required")
	}
	if len(id) > 64 {
		return "", util.NewInputError("device_id", "too long")
	}
	return id, nil
}

func (s *Server) handleDeviceNext(w http.ResponseWriter, r *http.Request) {
	deviceID, err := requireDeviceID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.gate.RequireDevice(deviceID, r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	now := queryNow(r)
	defaultPoll := queryInt64(r, "default_poll_seconds", s.core.DefaultPoll())
	failureCount := queryInt64(r, "failure_count", 0)

	decision, err := s.core.Next(deviceID, now, defaultPoll, failureCount, s.publicBase(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// checkinPayload mirrors the firmware's checkin report.
type checkinPayload struct {
	DeviceID            string                 `json:"device_id"`
	CheckinEpoch        int64                  `json:"checkin_epoch"`
	NextWakeupEpoch     int64                  `json:"next_wakeup_epoch"`
	SleepSeconds        int64                  `json:"sleep_seconds"`
	PollIntervalSeconds int64                  `json:"poll_interval_seconds"`
	FailureCount        int64                  `json:"failure_count"`
	LastHTTPStatus      int                    `json:"last_http_status"`
	FetchOK             bool                   `json:"fetch_ok"`
	ImageChanged        bool                   `json:"image_changed"`
	ImageSource         string                 `json:"image_source"`
	LastError           string                 `json:"last_error"`
	BatteryMV           int                    `json:"battery_mv"`
	BatteryPercent      int                    `json:"battery_percent"`
	Charging            int                    `json:"charging"`
	VbusGood            int                    `json:"vbus_good"`
	ReportedConfig      map[string]interface{} `json:"reported_config"`
}

func (s *Server) handleDeviceCheckin(w http.ResponseWriter, r *http.Request) {
	payload := checkinPayload{
		PollIntervalSeconds: 3600,
		ImageSource:         "daily",
		BatteryMV:           -1,
		BatteryPercent:      -1,
		Charging:            -1,
		VbusGood:            -1,
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, util.NewInputError("body", "invalid JSON"))
		return
	}
	deviceID := strings.TrimSpace(payload.DeviceID)
	if deviceID == "" || len(deviceID) > 64 {
		writeError(w, util.NewInputError("device_id", "required"))
		return
	}
	if err := s.gate.RequireDevice(deviceID, r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	now := util.NowEpoch()
	reported := configplan.SanitizeReported(payload.ReportedConfig)

	dev := store.Device{
		DeviceID:            deviceID,
		LastCheckinEpoch:    payload.CheckinEpoch,
		NextWakeupEpoch:     payload.NextWakeupEpoch,
		SleepSeconds:        util.MaxInt64(0, payload.SleepSeconds),
		PollIntervalSeconds: util.MaxInt64(60, payload.PollIntervalSeconds),
		FailureCount:        util.MaxInt64(0, payload.FailureCount),
		LastHTTPStatus:      payload.LastHTTPStatus,
		FetchOK:             payload.FetchOK,
		ImageChanged:        payload.ImageChanged,
		ImageSource:         payload.ImageSource,
		LastError:           payload.LastError,
		BatteryMV:           payload.BatteryMV,
		BatteryPercent:      payload.BatteryPercent,
		Charging:            store.NormalizeTriState(payload.Charging),
		VbusGood:            store.NormalizeTriState(payload.VbusGood),
		ReportedConfigJSON:  configplan.EncodeJSON(reported),
		ReportedConfigEpoch: payload.CheckinEpoch,
	}
	if err := s.store.UpsertCheckin(&dev, now); err != nil {
		audit.Log(audit.NewEvent(audit.ActorDevice, "checkin").WithDevice(deviceID).WithClientIP(clientIP(r)).WithError(err))
		writeError(w, err)
		return
	}
	audit.Log(audit.NewEvent(audit.ActorDevice, "checkin").WithDevice(deviceID).WithClientIP(clientIP(r)).WithSuccess())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeviceConfigGet(w http.ResponseWriter, r *http.Request) {
	deviceID, err := requireDeviceID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.gate.RequireDevice(deviceID, r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	now := queryNow(r)
	currentVersion := queryInt64(r, "current_version", 0)
	target := store.NormalizeDeviceID(deviceID)

	plan, err := s.store.LatestPlan(target)
	if err != nil {
		writeError(w, err)
		return
	}
	var targetVersion int64
	if plan != nil {
		targetVersion = plan.ID
	}
	if err := s.store.RecordConfigQuery(target, now, currentVersion, targetVersion); err != nil {
		writeError(w, err)
		return
	}

	config := map[string]interface{}{}
	note := ""
	if plan != nil {
		// The device gets the raw plan, secrets included.
		config = configplan.DecodeJSON(plan.ConfigJSON)
		note = plan.Note
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":      target,
		"server_epoch":   now,
		"config_version": targetVersion,
		"config":         config,
		"note":           note,
	})
}

type configAppliedPayload struct {
	DeviceID      string `json:"device_id"`
	ConfigVersion int64  `json:"config_version"`
	Applied       bool   `json:"applied"`
	AppliedEpoch  *int64 `json:"applied_epoch"`
	Error         string `json:"error"`
}

func (s *Server) handleDeviceConfigApplied(w http.ResponseWriter, r *http.Request) {
	var payload configAppliedPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, util.NewInputError("body", "invalid JSON"))
		return
	}
	deviceID := strings.TrimSpace(payload.DeviceID)
	if deviceID == "" || len(deviceID) > 64 {
		writeError(w, util.NewInputError("device_id", "required"))
		return
	}
	if err := s.gate.RequireDevice(deviceID, r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	now := util.NowEpoch()
	appliedEpoch := now
	if payload.AppliedEpoch != nil {
		appliedEpoch = *payload.AppliedEpoch
	}
	target := store.NormalizeDeviceID(deviceID)

	err := s.store.RecordConfigApplied(target, appliedEpoch, payload.ConfigVersion, payload.Applied, payload.Error, now)
	if err != nil {
		writeError(w, err)
		return
	}
	audit.Log(audit.NewEvent(audit.ActorDevice, "config-applied").WithDevice(target).WithPlan(payload.ConfigVersion).WithClientIP(clientIP(r)).WithSuccess())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
