package scheduler_test

import (
	"context"
	"errors"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/photoframe-works/orchestrator/internal/testutil"
	"github.com/photoframe-works/orchestrator/pkg/daily"
	"github.com/photoframe-works/orchestrator/pkg/scheduler"
	"github.com/photoframe-works/orchestrator/pkg/store"
	"github.com/photoframe-works/orchestrator/pkg/util"
)

const publicBase = "http://frames.local"

func newCore(t *testing.T) (*scheduler.Core, *store.Store) {
	t.Helper()
	st := testutil.TempStore(t)
	sink := testutil.TempSink(t)
	dc := daily.NewClient("http://render/image/480x800?date=%DATE%", time.Second, time.UTC)
	return scheduler.NewCore(st, dc, sink, time.UTC, 3600), st
}

func insertOverride(t *testing.T, st *store.Store, deviceID, asset string, start, end, created int64) int64 {
	t.Helper()
	id, err := st.InsertOverride(&store.Override{
		DeviceID:     deviceID,
		StartEpoch:   start,
		EndEpoch:     end,
		AssetName:    asset,
		AssetSHA256:  strings.TrimSuffix(asset, ".bmp"),
		CreatedEpoch: created,
	})
	if err != nil {
		t.Fatalf("inserting override: %v", err)
	}
	return id
}

func TestNextDailyPath(t *testing.T) {
	core, st := newCore(t)

	d, err := core.Next("frame-01", 1700000000, 3600, 0, publicBase)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Source != "daily" {
		t.Errorf("source = %q, want daily", d.Source)
	}
	if d.ActiveOverrideID != nil {
		t.Errorf("active override id = %v, want nil", *d.ActiveOverrideID)
	}
	if d.PollAfterSeconds != 3600 {
		t.Errorf("poll = %d, want 3600", d.PollAfterSeconds)
	}
	if d.ValidUntilEpoch != 1700000000+3600 {
		t.Errorf("valid until = %d", d.ValidUntilEpoch)
	}
	if !strings.Contains(d.ImageURL, "date=") {
		t.Errorf("daily URL %q carries no date", d.ImageURL)
	}

	records, err := st.ListPublishHistory("frame-01", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(records) != 1 || records[0].Source != "daily" {
		t.Fatalf("decision not recorded: %+v", records)
	}
}

func TestNextOverridePrecedence(t *testing.T) {
	core, st := newCore(t)

	insertOverride(t, st, "*", "assetA.bmp", 1000, 2000, 10)
	specific := insertOverride(t, st, "frame-01", "assetB.bmp", 1500, 1800, 20)

	d, err := core.Next("frame-01", 1600, 3600, 0, publicBase)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Source != "override" {
		t.Fatalf("source = %q, want override", d.Source)
	}
	if d.ActiveOverrideID == nil || *d.ActiveOverrideID != specific {
		t.Fatalf("active id = %v, want %d", d.ActiveOverrideID, specific)
	}
	if d.ImageURL != publicBase+"/api/v1/assets/assetB.bmp" {
		t.Errorf("image url = %q", d.ImageURL)
	}
	if d.ValidUntilEpoch != 1800 {
		t.Errorf("valid until = %d, want 1800", d.ValidUntilEpoch)
	}
	// 200 seconds remain in the window.
	if d.PollAfterSeconds != 200 {
		t.Errorf("poll = %d, want 200", d.PollAfterSeconds)
	}
}

func TestNextPollFloorNearWindowEnd(t *testing.T) {
	core, st := newCore(t)
	insertOverride(t, st, "frame-01", "a.bmp", 1000, 2000, 10)

	// 5 seconds remain; the floor keeps the device from thrashing.
	d, err := core.Next("frame-01", 1995, 3600, 0, publicBase)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.PollAfterSeconds != scheduler.MinPollSeconds {
		t.Errorf("poll = %d, want floor %d", d.PollAfterSeconds, scheduler.MinPollSeconds)
	}
}

func TestNextShrinksPollForUpcomingWindow(t *testing.T) {
	core, st := newCore(t)
	insertOverride(t, st, "frame-01", "a.bmp", 2000, 3000, 10)

	d, err := core.Next("frame-01", 1700, 3600, 0, publicBase)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.Source != "daily" {
		t.Errorf("source = %q, want daily before the window opens", d.Source)
	}
	// The device must wake no later than the window start, 300s away.
	if d.PollAfterSeconds != 300 {
		t.Errorf("poll = %d, want 300", d.PollAfterSeconds)
	}
}

func TestNextClampsRequestedPoll(t *testing.T) {
	core, _ := newCore(t)

	d, err := core.Next("frame-01", 1000, 5, 0, publicBase)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.PollAfterSeconds != scheduler.MinPollSeconds {
		t.Errorf("poll = %d, want floor", d.PollAfterSeconds)
	}

	d, err = core.Next("frame-01", 1000, 1000000, 0, publicBase)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if d.PollAfterSeconds != scheduler.MaxPollSeconds {
		t.Errorf("poll = %d, want ceiling", d.PollAfterSeconds)
	}
}

func TestCreateOverride(t *testing.T) {
	image := func(t *testing.T) []byte {
		return testutil.TestImagePNG(t, 600, 900, color.NRGBA{G: 180, A: 255})
	}

	t.Run("immediate start for unknown device", func(t *testing.T) {
		core, _ := newCore(t)
		res, err := core.CreateOverride(scheduler.OverrideRequest{
			DeviceID:        "frame-01",
			DurationMinutes: 30,
			Image:           image(t),
		}, 5000, publicBase)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if res.StartPolicy != "immediate" || res.StartEpoch != 5000 {
			t.Errorf("policy=%q start=%d, want immediate at 5000", res.StartPolicy, res.StartEpoch)
		}
		if res.EndEpoch != 5000+30*60 {
			t.Errorf("end = %d", res.EndEpoch)
		}
		if res.WillExpireBeforeEffective {
			t.Error("no wakeup known, window cannot be pre-expired")
		}
	})

	t.Run("start pushed to device wakeup", func(t *testing.T) {
		core, st := newCore(t)
		dev := store.Device{DeviceID: "frame-01", NextWakeupEpoch: 9000}
		if err := st.UpsertCheckin(&dev, 5000); err != nil {
			t.Fatalf("checkin: %v", err)
		}

		res, err := core.CreateOverride(scheduler.OverrideRequest{
			DeviceID:        "frame-01",
			DurationMinutes: 60,
			Image:           image(t),
		}, 5000, publicBase)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if res.StartPolicy != "next_wakeup" || res.StartEpoch != 9000 {
			t.Errorf("policy=%q start=%d, want next_wakeup at 9000", res.StartPolicy, res.StartEpoch)
		}
		if res.ExpectedEffectiveEpoch == nil || *res.ExpectedEffectiveEpoch != 9000 {
			t.Errorf("effective = %v, want 9000", res.ExpectedEffectiveEpoch)
		}
	})

	t.Run("wildcard ignores wakeups", func(t *testing.T) {
		core, st := newCore(t)
		dev := store.Device{DeviceID: "frame-01", NextWakeupEpoch: 9000}
		if err := st.UpsertCheckin(&dev, 5000); err != nil {
			t.Fatalf("checkin: %v", err)
		}

		res, err := core.CreateOverride(scheduler.OverrideRequest{
			DeviceID:        "*",
			DurationMinutes: 60,
			Image:           image(t),
		}, 5000, publicBase)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if res.StartPolicy != "immediate" || res.StartEpoch != 5000 {
			t.Errorf("policy=%q start=%d", res.StartPolicy, res.StartEpoch)
		}
		if res.ExpectedEffectiveEpoch != nil {
			t.Errorf("wildcard effective = %v, want nil", *res.ExpectedEffectiveEpoch)
		}
	})

	t.Run("explicit start is honored", func(t *testing.T) {
		core, st := newCore(t)
		dev := store.Device{DeviceID: "frame-01", NextWakeupEpoch: 9999999999}
		if err := st.UpsertCheckin(&dev, 5000); err != nil {
			t.Fatalf("checkin: %v", err)
		}

		res, err := core.CreateOverride(scheduler.OverrideRequest{
			DeviceID:        "frame-01",
			DurationMinutes: 10,
			StartsAt:        "2023-11-14T08:00:00Z",
			Image:           image(t),
		}, 5000, publicBase)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		want := time.Date(2023, 11, 14, 8, 0, 0, 0, time.UTC).Unix()
		if res.StartPolicy != "explicit" || res.StartEpoch != want {
			t.Errorf("policy=%q start=%d, want explicit at %d", res.StartPolicy, res.StartEpoch, want)
		}
		// Device sleeps far past the window end.
		if !res.WillExpireBeforeEffective {
			t.Error("expected the pre-expiry warning")
		}
	})

	t.Run("rejects bad inputs", func(t *testing.T) {
		core, _ := newCore(t)
		_, err := core.CreateOverride(scheduler.OverrideRequest{
			DeviceID:        "frame-01",
			DurationMinutes: 0,
			Image:           image(t),
		}, 5000, publicBase)
		if !errors.Is(err, util.ErrClientInput) {
			t.Errorf("zero duration err = %v", err)
		}

		_, err = core.CreateOverride(scheduler.OverrideRequest{
			DeviceID:        "frame-01",
			DurationMinutes: 10,
			StartsAt:        "next tuesday",
			Image:           image(t),
		}, 5000, publicBase)
		if !errors.Is(err, util.ErrClientInput) {
			t.Errorf("bad starts_at err = %v", err)
		}

		_, err = core.CreateOverride(scheduler.OverrideRequest{
			DeviceID:        "frame-01",
			DurationMinutes: 10,
			Image:           nil,
		}, 5000, publicBase)
		if !errors.Is(err, util.ErrClientInput) {
			t.Errorf("empty image err = %v", err)
		}
	})
}

func TestResolveCurrent(t *testing.T) {
	t.Run("active override served from sink", func(t *testing.T) {
		core, _ := newCore(t)

		res, err := core.CreateOverride(scheduler.OverrideRequest{
			DeviceID:        "frame-01",
			DurationMinutes: 60,
			Image:           testutil.TestImagePNG(t, 480, 800, color.NRGBA{R: 255, A: 255}),
		}, 1000, publicBase)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		payload, source, err := core.ResolveCurrent(context.Background(), "frame-01", res.StartEpoch+10)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if source != "override" {
			t.Errorf("source = %q", source)
		}
		if len(payload) < 2 || payload[0] != 'B' || payload[1] != 'M' {
			t.Error("payload is not a BMP")
		}
	})

	t.Run("missing asset file is an upstream error", func(t *testing.T) {
		core, st := newCore(t)
		insertOverride(t, st, "frame-01", "vanished.bmp", 1000, 2000, 10)

		_, _, err := core.ResolveCurrent(context.Background(), "frame-01", 1500)
		if !errors.Is(err, util.ErrUpstream) {
			t.Fatalf("err = %v, want upstream error", err)
		}
	})

	t.Run("no override reaches for the daily upstream", func(t *testing.T) {
		core, _ := newCore(t)

		// The render host does not exist, so the fetch must surface an
		// upstream error rather than invent an image.
		_, _, err := core.ResolveCurrent(context.Background(), "frame-01", 1500)
		if !errors.Is(err, util.ErrUpstream) {
			t.Fatalf("err = %v, want upstream error", err)
		}
	})
}

func TestOverrideState(t *testing.T) {
	o := &store.Override{StartEpoch: 1000, EndEpoch: 2000}
	cases := []struct {
		now  int64
		want string
	}{
		{500, "upcoming"},
		{1000, "active"},
		{1999, "active"},
		{2000, "expired"},
		{3000, "expired"},
	}
	for _, c := range cases {
		if got := scheduler.OverrideState(o, c.now); got != c.want {
			t.Errorf("state at %d = %q, want %q", c.now, got, c.want)
		}
	}
}
