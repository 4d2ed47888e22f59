// Package configplan validates, clamps and redacts device configuration
// documents.
package configplan

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

// keySpec describes one allowed config key.
type keySpec struct {
	kind   string // "int", "bool", "string"
	min    int64
	max    int64
	maxLen int
	secret bool
}

// allowedKeys is the full set of keys a plan or a device report may carry.
// Anything else is dropped.
var allowedKeys = map[string]keySpec{
	"orchestrator_enabled":          {kind: "bool"},
	"orchestrator_base_url":         {kind: "string", maxLen: 1024},
	"orchestrator_token":            {kind: "string", maxLen: 256, secret: true},
	"image_url_template":            {kind: "string", maxLen: 1024},
	"photo_token":                   {kind: "string", maxLen: 256, secret: true},
	"interval_minutes":              {kind: "int", min: 1, max: 1440},
	"retry_base_minutes":            {kind: "int", min: 1, max: 1440},
	"retry_max_minutes":             {kind: "int", min: 1, max: 10080},
	"max_failure_before_long_sleep": {kind: "int", min: 1, max: 1000},
	"display_rotation":              {kind: "int"},
	"color_process_mode":            {kind: "int", min: 0, max: 2},
	"dither_mode":                   {kind: "int", min: 0, max: 1},
	"six_color_tolerance":           {kind: "int", min: 0, max: 64},
	"timezone":                      {kind: "string", maxLen: 64},
}

// IsSecretKey reports whether a key holds a credential.
func IsSecretKey(key string) bool {
	spec, ok := allowedKeys[key]
	return ok && spec.secret
}

// Sanitize validates an operator-submitted config document. Unknown keys are
// dropped; a value of the wrong type is an input error.
func Sanitize(raw map[string]interface{}) (map[string]interface{}, error) {
	if raw == nil {
		return nil, util.NewInputError("config", "must be an object")
	}
	out := map[string]interface{}{}
	for key, value := range raw {
		spec, ok := allowedKeys[key]
		if !ok {
			continue
		}
		clean, err := sanitizeValue(key, spec, value)
		if err != nil {
			return nil, err
		}
		out[key] = clean
	}
	return out, nil
}

// SanitizeReported cleans a device-reported config snapshot. Devices run old
// firmware, so invalid values are dropped rather than rejected.
func SanitizeReported(raw map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for key, value := range raw {
		spec, ok := allowedKeys[key]
		if !ok {
			continue
		}
		clean, err := sanitizeValue(key, spec, value)
		if err != nil {
			continue
		}
		out[key] = clean
	}
	return out
}

func sanitizeValue(key string, spec keySpec, value interface{}) (interface{}, error) {
	switch spec.kind {
	case "bool":
		n, ok := asInt(value)
		if !ok {
			if b, isBool := value.(bool); isBool {
				if b {
					return int64(1), nil
				}
				return int64(0), nil
			}
			return nil, util.NewInputError(key, "must be a number")
		}
		if n != 0 {
			return int64(1), nil
		}
		return int64(0), nil

	case "int":
		n, ok := asInt(value)
		if !ok {
			return nil, util.NewInputError(key, "must be a number")
		}
		if key == "display_rotation" {
			if n != 0 {
				return int64(2), nil
			}
			return int64(0), nil
		}
		return util.Clamp(n, spec.min, spec.max), nil

	case "string":
		s, ok := value.(string)
		if !ok {
			return nil, util.NewInputError(key, "must be a string")
		}
		return util.Truncate(s, spec.maxLen), nil
	}
	return nil, util.NewInputError(key, "unsupported key type")
}

// asInt accepts the numeric shapes JSON decoding produces.
func asInt(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// MaskSecret renders a credential for operator views. Long values keep their
// first and last two characters.
func MaskSecret(value string) string {
	if len(value) > 4 {
		return value[:2] + "***" + value[len(value)-2:]
	}
	return strings.Repeat("*", len(value))
}

// Redact returns a copy of config with secret values masked.
func Redact(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for key, value := range config {
		if IsSecretKey(key) {
			out[key] = MaskSecret(fmt.Sprintf("%v", value))
			continue
		}
		out[key] = value
	}
	return out
}

// DecodeJSON parses a stored config document. Corrupt or empty documents
// decode to an empty map so listings never fail on one bad row.
func DecodeJSON(raw string) map[string]interface{} {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

// EncodeJSON serializes a sanitized config for storage.
func EncodeJSON(config map[string]interface{}) string {
	data, err := json.Marshal(config)
	if err != nil {
		return "{}"
	}
	return string(data)
}
