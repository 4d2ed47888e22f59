// Package scheduler decides what image a frame shows next and when it
// should wake again.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/photoframe-works/orchestrator/pkg/assets"
	"github.com/photoframe-works/orchestrator/pkg/daily"
	"github.com/photoframe-works/orchestrator/pkg/store"
	"github.com/photoframe-works/orchestrator/pkg/util"
)

// Poll bounds. The lower bound avoids wakeup thrash, the upper bound keeps a
// frame from sleeping past a full day.
const (
	MinPollSeconds = 60
	MaxPollSeconds = 86400
)

// Core implements the publish decision and override lifecycle.
type Core struct {
	store       *store.Store
	daily       *daily.Client
	sink        *assets.Sink
	location    *time.Location
	defaultPoll int64
}

// NewCore wires the scheduler to its storage, asset sink and upstream.
func NewCore(st *store.Store, dc *daily.Client, sink *assets.Sink, location *time.Location, defaultPoll int64) *Core {
	if location == nil {
		location = time.Local
	}
	return &Core{
		store:       st,
		daily:       dc,
		sink:        sink,
		location:    location,
		defaultPoll: defaultPoll,
	}
}

// DefaultPoll returns the configured default poll interval.
func (c *Core) DefaultPoll() int64 {
	return c.defaultPoll
}

// Decision is one publish decision, returned to the device and recorded in
// history.
type Decision struct {
	DeviceID           string `json:"device_id"`
	ServerEpoch        int64  `json:"server_epoch"`
	Source             string `json:"source"`
	ImageURL           string `json:"image_url"`
	ValidUntilEpoch    int64  `json:"valid_until_epoch"`
	PollAfterSeconds   int64  `json:"poll_after_seconds"`
	DefaultPollSeconds int64  `json:"default_poll_seconds"`
	ActiveOverrideID   *int64 `json:"active_override_id"`
}

// Next computes the publish decision for a device at now. The device row is
// touched, the active and upcoming override windows are consulted and the
// decision is appended to publish history. The daily upstream is never
// contacted here; the device receives a URL, not bytes.
func (c *Core) Next(deviceID string, now, defaultPoll, failureCount int64, publicBase string) (*Decision, error) {
	if defaultPoll <= 0 {
		defaultPoll = c.defaultPoll
	}
	if failureCount < 0 {
		failureCount = 0
	}
	poll := util.Clamp(defaultPoll, MinPollSeconds, MaxPollSeconds)

	active, upcomingStart, err := c.store.NextInputs(deviceID, now, failureCount)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		DeviceID:           deviceID,
		ServerEpoch:        now,
		Source:             "daily",
		ImageURL:           c.daily.ImageURL(time.Unix(now, 0)),
		ValidUntilEpoch:    now + poll,
		PollAfterSeconds:   poll,
		DefaultPollSeconds: poll,
	}

	if active != nil {
		id := active.ID
		d.Source = "override"
		d.ActiveOverrideID = &id
		d.ValidUntilEpoch = active.EndEpoch
		d.ImageURL = assetURL(publicBase, active.AssetName)
		remain := active.EndEpoch - now
		if remain < 1 {
			remain = 1
		}
		d.PollAfterSeconds = min64(d.PollAfterSeconds, util.Clamp(remain, MinPollSeconds, MaxPollSeconds))
	}

	if upcomingStart > 0 {
		untilNext := upcomingStart - now
		if untilNext < 1 {
			untilNext = 1
		}
		d.PollAfterSeconds = min64(d.PollAfterSeconds, util.Clamp(untilNext, MinPollSeconds, MaxPollSeconds))
	}

	rec := store.PublishRecord{
		DeviceID:         deviceID,
		IssuedEpoch:      now,
		Source:           d.Source,
		ImageURL:         d.ImageURL,
		OverrideID:       d.ActiveOverrideID,
		PollAfterSeconds: d.PollAfterSeconds,
		ValidUntilEpoch:  d.ValidUntilEpoch,
	}
	if err := c.store.AppendPublish(&rec); err != nil {
		return nil, err
	}
	return d, nil
}

// OverrideRequest carries an operator's override upload.
type OverrideRequest struct {
	DeviceID        string
	DurationMinutes int64
	StartsAt        string
	Note            string
	Image           []byte
}

// OverrideResult describes the created window.
type OverrideResult struct {
	ID                        int64  `json:"id"`
	DeviceID                  string `json:"device_id"`
	StartEpoch                int64  `json:"start_epoch"`
	EndEpoch                  int64  `json:"end_epoch"`
	DurationMinutes           int64  `json:"duration_minutes"`
	StartPolicy               string `json:"start_policy"`
	WillExpireBeforeEffective bool   `json:"will_expire_before_effective"`
	AssetName                 string `json:"-"`
	AssetSHA256               string `json:"asset_sha256"`
	ImageURL                  string `json:"image_url"`
	ExpectedEffectiveEpoch    *int64 `json:"expected_effective_epoch"`
}

// CreateOverride normalizes the uploaded image and schedules the window.
// Without an explicit start the window begins now, except that a window
// aimed at a sleeping device is pushed to the device's next wakeup so the
// display time is not consumed while the frame sleeps.
func (c *Core) CreateOverride(req OverrideRequest, now int64, publicBase string) (*OverrideResult, error) {
	if req.DurationMinutes <= 0 {
		return nil, util.NewInputError("duration_minutes", "must be > 0")
	}

	target := store.NormalizeDeviceID(req.DeviceID)
	explicitStart := strings.TrimSpace(req.StartsAt) != ""
	startEpoch := now
	startPolicy := "immediate"

	if explicitStart {
		parsed, err := parseStartEpoch(req.StartsAt, c.location)
		if err != nil {
			return nil, err
		}
		startEpoch = parsed
		startPolicy = "explicit"
	} else if target != "*" {
		if wakeup, ok, err := c.store.NextWakeup(target); err != nil {
			return nil, err
		} else if ok && wakeup > startEpoch {
			startEpoch = wakeup
			startPolicy = "next_wakeup"
		}
	}

	endEpoch := startEpoch + req.DurationMinutes*60

	name, digest, err := c.sink.Normalize(req.Image)
	if err != nil {
		return nil, err
	}

	id, err := c.store.InsertOverride(&store.Override{
		DeviceID:     target,
		StartEpoch:   startEpoch,
		EndEpoch:     endEpoch,
		AssetName:    name,
		AssetSHA256:  digest,
		Note:         req.Note,
		CreatedEpoch: now,
	})
	if err != nil {
		return nil, err
	}

	effective, err := c.ExpectedEffectiveEpoch(target, startEpoch)
	if err != nil {
		return nil, err
	}

	res := &OverrideResult{
		ID:                     id,
		DeviceID:               target,
		StartEpoch:             startEpoch,
		EndEpoch:               endEpoch,
		DurationMinutes:        req.DurationMinutes,
		StartPolicy:            startPolicy,
		AssetName:              name,
		AssetSHA256:            digest,
		ImageURL:               assetURL(publicBase, name),
		ExpectedEffectiveEpoch: effective,
	}
	res.WillExpireBeforeEffective = effective != nil && *effective >= endEpoch
	return res, nil
}

// ExpectedEffectiveEpoch estimates when a window actually reaches the
// device. Wildcard windows have no single answer and yield nil; a device
// that never reported a wakeup is assumed reachable at the window start.
func (c *Core) ExpectedEffectiveEpoch(deviceID string, startEpoch int64) (*int64, error) {
	if store.NormalizeDeviceID(deviceID) == "*" {
		return nil, nil
	}
	wakeup, ok, err := c.store.NextWakeup(deviceID)
	if err != nil {
		return nil, err
	}
	effective := startEpoch
	if ok && wakeup > effective {
		effective = wakeup
	}
	return &effective, nil
}

// ResolveCurrent returns the image bytes a device would show at now. An
// active override is served from the sink; a missing asset file is an
// upstream failure so callers do not mistake it for a client error. With no
// override the daily image is fetched live.
func (c *Core) ResolveCurrent(ctx context.Context, deviceID string, now int64) (payload []byte, source string, err error) {
	active, err := c.store.ActiveOverride(deviceID, now)
	if err != nil {
		return nil, "", err
	}
	if active != nil {
		data, err := c.sink.Read(active.AssetName)
		if err != nil {
			return nil, "", &util.UpstreamError{Reason: "override asset missing"}
		}
		return data, "override", nil
	}

	url := c.daily.ImageURL(time.Unix(now, 0))
	data, err := c.daily.FetchBMP(ctx, url)
	if err != nil {
		return nil, "", err
	}
	return data, "daily", nil
}

// OverrideState classifies a window relative to now.
func OverrideState(o *store.Override, now int64) string {
	switch {
	case now < o.StartEpoch:
		return "upcoming"
	case now >= o.EndEpoch:
		return "expired"
	default:
		return "active"
	}
}

func assetURL(publicBase, assetName string) string {
	return strings.TrimRight(publicBase, "/") + "/api/v1/assets/" + assetName
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// parseStartEpoch accepts RFC 3339 or a local wall-clock timestamp without
// zone information.
func parseStartEpoch(startsAt string, location *time.Location) (int64, error) {
	s := strings.TrimSpace(startsAt)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, s, location); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, util.NewInputError("starts_at", "format invalid")
}
