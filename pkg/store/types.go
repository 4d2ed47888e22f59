package store

// TriState models telemetry values the device may not know. The wire shape
// is the integer -1/0/1.
type TriState int

const (
	TriUnknown TriState = -1
	TriOff     TriState = 0
	TriOn      TriState = 1
)

// NormalizeTriState collapses arbitrary integers to the three valid states.
func NormalizeTriState(v int) TriState {
	switch {
	case v < 0:
		return TriUnknown
	case v == 0:
		return TriOff
	default:
		return TriOn
	}
}

// Device is a device row. Devices are upserted on first contact and never
// deleted by the core.
type Device struct {
	DeviceID            string   `json:"device_id"`
	LastCheckinEpoch    int64    `json:"last_checkin_epoch"`
	NextWakeupEpoch     int64    `json:"next_wakeup_epoch"`
	SleepSeconds        int64    `json:"sleep_seconds"`
	PollIntervalSeconds int64    `json:"poll_interval_seconds"`
	FailureCount        int64    `json:"failure_count"`
	LastHTTPStatus      int      `json:"last_http_status"`
	FetchOK             bool     `json:"fetch_ok"`
	ImageChanged        bool     `json:"image_changed"`
	ImageSource         string   `json:"image_source"`
	LastError           string   `json:"last_error"`
	BatteryMV           int      `json:"battery_mv"`
	BatteryPercent      int      `json:"battery_percent"`
	Charging            TriState `json:"charging"`
	VbusGood            TriState `json:"vbus_good"`
	ReportedConfigJSON  string   `json:"-"`
	ReportedConfigEpoch int64    `json:"reported_config_epoch"`
	UpdatedAt           int64    `json:"-"`
}

// Override is a scheduled image window. The window [StartEpoch, EndEpoch) is
// fixed at creation; deletion is a soft disable.
type Override struct {
	ID           int64  `json:"id"`
	DeviceID     string `json:"device_id"`
	StartEpoch   int64  `json:"start_epoch"`
	EndEpoch     int64  `json:"end_epoch"`
	AssetName    string `json:"asset_name"`
	AssetSHA256  string `json:"asset_sha256"`
	Note         string `json:"note"`
	CreatedEpoch int64  `json:"created_epoch"`
	Enabled      bool   `json:"-"`
}

// PublishRecord is one scheduler decision as recorded in publish history.
type PublishRecord struct {
	ID               int64  `json:"id"`
	DeviceID         string `json:"device_id"`
	IssuedEpoch      int64  `json:"issued_epoch"`
	Source           string `json:"source"`
	ImageURL         string `json:"image_url"`
	OverrideID       *int64 `json:"override_id"`
	PollAfterSeconds int64  `json:"poll_after_seconds"`
	ValidUntilEpoch  int64  `json:"valid_until_epoch"`
}

// ConfigPlan is an operator-published target configuration. The row id is the
// plan's version.
type ConfigPlan struct {
	ID           int64  `json:"id"`
	DeviceID     string `json:"device_id"`
	ConfigJSON   string `json:"-"`
	Note         string `json:"note"`
	CreatedEpoch int64  `json:"created_epoch"`
}

// ConfigStatus tracks what a device knows and has applied.
type ConfigStatus struct {
	DeviceID        string `json:"device_id"`
	LastQueryEpoch  int64  `json:"last_query_epoch"`
	LastSeenVersion int64  `json:"last_seen_version"`
	TargetVersion   int64  `json:"target_version"`
	LastApplyEpoch  int64  `json:"last_apply_epoch"`
	AppliedVersion  int64  `json:"applied_version"`
	ApplyOK         bool   `json:"apply_ok"`
	ApplyError      string `json:"apply_error"`
}
