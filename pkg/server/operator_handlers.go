package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/photoframe-works/orchestrator/pkg/audit"
	"github.com/photoframe-works/orchestrator/pkg/configplan"
	"github.com/photoframe-works/orchestrator/pkg/scheduler"
	"github.com/photoframe-works/orchestrator/pkg/store"
	"github.com/photoframe-works/orchestrator/pkg/util"
)

// 32 MiB upload ceiling, far above any photo a frame can display.
const maxUploadBytes = 32 << 20

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	data, err := s.sink.Read(name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/bmp")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	w.Write(data)
}

func (s *Server) writeCurrentBMP(w http.ResponseWriter, r *http.Request, cacheControl string) {
	now := queryNow(r)
	target := store.NormalizeDeviceID(r.URL.Query().Get("device_id"))

	payload, source, err := s.core.ResolveCurrent(r.Context(), target, now)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/bmp")
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("X-PhotoFrame-Source", source)
	w.Header().Set("X-PhotoFrame-Device", target)
	w.Write(payload)
}

func (s *Server) handlePublicPhoto(w http.ResponseWriter, r *http.Request) {
	err := s.gate.RequirePublicPhoto(r.Header.Get(photoTokenHeader), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeCurrentBMP(w, r, "private, max-age=60")
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.RequireOperator(r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}
	s.writeCurrentBMP(w, r, "no-store")
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	now := util.NowEpoch()

	devices, err := s.store.ListDevices()
	if err != nil {
		writeError(w, err)
		return
	}
	statuses, err := s.store.ConfigStatuses()
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(devices))
	for i := range devices {
		d := &devices[i]

		var eta interface{}
		if d.NextWakeupEpoch > 0 {
			eta = util.MaxInt64(0, d.NextWakeupEpoch-now)
		}

		plan, err := s.store.LatestPlan(d.DeviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		var targetVersion int64
		if plan != nil {
			targetVersion = plan.ID
		}

		status := statuses[d.DeviceID]
		reported := configplan.Redact(configplan.DecodeJSON(d.ReportedConfigJSON))

		items = append(items, map[string]interface{}{
			"device_id":               d.DeviceID,
			"last_checkin_epoch":      d.LastCheckinEpoch,
			"next_wakeup_epoch":       d.NextWakeupEpoch,
			"eta_seconds":             eta,
			"sleep_seconds":           d.SleepSeconds,
			"poll_interval_seconds":   d.PollIntervalSeconds,
			"failure_count":           d.FailureCount,
			"last_http_status":        d.LastHTTPStatus,
			"fetch_ok":                d.FetchOK,
			"image_source":            d.ImageSource,
			"last_error":              d.LastError,
			"battery_mv":              d.BatteryMV,
			"battery_percent":         d.BatteryPercent,
			"charging":                int(d.Charging),
			"vbus_good":               int(d.VbusGood),
			"reported_config_epoch":   d.ReportedConfigEpoch,
			"reported_config":         reported,
			"config_target_version":   targetVersion,
			"config_seen_version":     status.LastSeenVersion,
			"config_last_query_epoch": status.LastQueryEpoch,
			"config_applied_version":  status.AppliedVersion,
			"config_last_apply_epoch": status.LastApplyEpoch,
			"config_apply_ok":         status.ApplyOK,
			"config_apply_error":      status.ApplyError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"now_epoch": now, "devices": items})
}

func (s *Server) handleConfigPlans(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.RequireOperator(r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	now := util.NowEpoch()
	limit := int(util.Clamp(queryInt64(r, "limit", 50), 1, 200))

	plans, err := s.store.ListPlans(r.URL.Query().Get("device_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(plans))
	for _, p := range plans {
		items = append(items, map[string]interface{}{
			"id":            p.ID,
			"device_id":     p.DeviceID,
			"created_epoch": p.CreatedEpoch,
			"note":          p.Note,
			"config":        configplan.DecodeJSON(p.ConfigJSON),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"now_epoch": now, "count": len(items), "items": items})
}

type configPublishPayload struct {
	DeviceID string                 `json:"device_id"`
	Config   map[string]interface{} `json:"config"`
	Note     string                 `json:"note"`
}

func (s *Server) handleConfigPublish(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.RequireOperator(r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	var payload configPublishPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, util.NewInputError("body", "invalid JSON"))
		return
	}

	target := store.NormalizeDeviceID(payload.DeviceID)
	clean, err := configplan.Sanitize(payload.Config)
	if err != nil {
		writeError(w, err)
		return
	}

	now := util.NowEpoch()
	id, err := s.store.InsertPlan(target, configplan.EncodeJSON(clean), payload.Note, now)
	if err != nil {
		audit.Log(audit.NewEvent(audit.ActorOperator, "config-publish").WithDevice(target).WithClientIP(clientIP(r)).WithError(err))
		writeError(w, err)
		return
	}
	audit.Log(audit.NewEvent(audit.ActorOperator, "config-publish").WithDevice(target).WithPlan(id).WithClientIP(clientIP(r)).WithSuccess())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":            true,
		"id":            id,
		"device_id":     target,
		"created_epoch": now,
		"config":        clean,
	})
}

func (s *Server) handlePublishHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.RequireOperator(r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	now := util.NowEpoch()
	limit := int(util.Clamp(queryInt64(r, "limit", 200), 1, 1000))

	records, err := s.store.ListPublishHistory(r.URL.Query().Get("device_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []store.PublishRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"now_epoch": now,
		"count":     len(records),
		"items":     records,
	})
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	now := queryNow(r)

	overrides, err := s.store.ListEnabledOverrides(store.MaxOverrideListing)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(overrides))
	for i := range overrides {
		o := &overrides[i]
		effective, err := s.core.ExpectedEffectiveEpoch(o.DeviceID, o.StartEpoch)
		if err != nil {
			writeError(w, err)
			return
		}
		items = append(items, map[string]interface{}{
			"id":                       o.ID,
			"device_id":                o.DeviceID,
			"start_epoch":              o.StartEpoch,
			"end_epoch":                o.EndEpoch,
			"state":                    scheduler.OverrideState(o, now),
			"asset_name":               o.AssetName,
			"asset_sha256":             o.AssetSHA256,
			"note":                     o.Note,
			"created_epoch":            o.CreatedEpoch,
			"expected_effective_epoch": effective,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"now_epoch": now, "overrides": items})
}

func (s *Server) handleOverrideUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.RequireOperator(r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, util.NewInputError("body", "invalid multipart form"))
		return
	}

	durationMinutes, err := strconv.ParseInt(strings.TrimSpace(r.FormValue("duration_minutes")), 10, 64)
	if err != nil {
		writeError(w, util.NewInputError("duration_minutes", "must be an integer"))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, util.NewInputError("file", "required"))
		return
	}
	defer file.Close()
	image, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, util.Internalf("reading upload", err))
		return
	}

	now := util.NowEpoch()
	result, err := s.core.CreateOverride(scheduler.OverrideRequest{
		DeviceID:        r.FormValue("device_id"),
		DurationMinutes: durationMinutes,
		StartsAt:        r.FormValue("starts_at"),
		Note:            r.FormValue("note"),
		Image:           image,
	}, now, s.publicBase(r))
	if err != nil {
		audit.Log(audit.NewEvent(audit.ActorOperator, "override-create").WithDevice(r.FormValue("device_id")).WithClientIP(clientIP(r)).WithError(err))
		writeError(w, err)
		return
	}
	audit.Log(audit.NewEvent(audit.ActorOperator, "override-create").WithDevice(result.DeviceID).WithOverride(result.ID).WithClientIP(clientIP(r)).WithSuccess())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                           true,
		"id":                           result.ID,
		"device_id":                    result.DeviceID,
		"start_epoch":                  result.StartEpoch,
		"end_epoch":                    result.EndEpoch,
		"duration_minutes":             result.DurationMinutes,
		"start_policy":                 result.StartPolicy,
		"will_expire_before_effective": result.WillExpireBeforeEffective,
		"image_url":                    result.ImageURL,
		"asset_sha256":                 result.AssetSHA256,
		"expected_effective_epoch":     result.ExpectedEffectiveEpoch,
	})
}

func (s *Server) handleOverrideDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.RequireOperator(r.Header.Get(operatorTokenHeader)); err != nil {
		writeError(w, err)
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, util.NewInputError("id", "must be an integer"))
		return
	}
	if err := s.store.DisableOverride(id); err != nil {
		audit.Log(audit.NewEvent(audit.ActorOperator, "override-delete").WithOverride(id).WithClientIP(clientIP(r)).WithError(err))
		writeError(w, err)
		return
	}
	audit.Log(audit.NewEvent(audit.ActorOperator, "override-delete").WithOverride(id).WithClientIP(clientIP(r)).WithSuccess())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
