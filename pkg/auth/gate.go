// Package auth implements the bearer-token gate for operator, device and
// public photo access.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

// Gate validates access tokens. All comparisons are constant-time.
type Gate struct {
	operatorToken    string
	publicPhotoToken string
	deviceTokens     map[string]string
}

// NewGate creates a gate. An empty operatorToken disables operator auth
// entirely; an empty publicPhotoToken disables the public photo endpoint.
func NewGate(operatorToken, publicPhotoToken string, deviceTokens map[string]string) *Gate {
	if deviceTokens == nil {
		deviceTokens = map[string]string{}
	}
	return &Gate{
		operatorToken:    operatorToken,
		publicPhotoToken: publicPhotoToken,
		deviceTokens:     deviceTokens,
	}
}

// OperatorAuthEnabled reports whether operator endpoints require a token.
func (g *Gate) OperatorAuthEnabled() bool {
	return g.operatorToken != ""
}

// PublicPhotoEnabled reports whether the public photo endpoint is usable.
func (g *Gate) PublicPhotoEnabled() bool {
	return g.publicPhotoToken != ""
}

// RequireOperator checks an Authorization header against the operator token.
// With no operator token configured every caller passes.
func (g *Gate) RequireOperator(authorization string) error {
	if g.operatorToken == "" {
		return nil
	}
	if tokenEqual(bearerToken(authorization), g.operatorToken) {
		return nil
	}
	return &DenialError{Scope: "operator"}
}

// RequireDevice checks a device call. Lookup order is the device's own
// token, then the wildcard entry. A gate with no device map falls back to
// the operator rule so small fleets can run on a single token.
func (g *Gate) RequireDevice(deviceID, authorization string) error {
	if len(g.deviceTokens) == 0 {
		if err := g.RequireOperator(authorization); err != nil {
			return &DenialError{Scope: "device", DeviceID: deviceID}
		}
		return nil
	}

	expected, ok := g.deviceTokens[deviceID]
	if !ok {
		expected, ok = g.deviceTokens["*"]
	}
	if !ok {
		return &DenialError{Scope: "device", DeviceID: deviceID}
	}
	if tokenEqual(bearerToken(authorization), expected) {
		return nil
	}
	return &DenialError{Scope: "device", DeviceID: deviceID}
}

// RequirePublicPhoto checks the public photo token, accepted either as a
// bearer header or a token query parameter.
func (g *Gate) RequirePublicPhoto(authorization, queryToken string) error {
	if g.publicPhotoToken == "" {
		return util.ErrPublicPhotoDisabled
	}
	if tokenEqual(bearerToken(authorization), g.publicPhotoToken) {
		return nil
	}
	if queryToken != "" && tokenEqual(queryToken, g.publicPhotoToken) {
		return nil
	}
	return &DenialError{Scope: "photo"}
}

// bearerToken extracts the credential from an Authorization header. A bare
// token without the Bearer prefix is accepted too.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

func tokenEqual(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// DenialError reports a failed token check.
type DenialError struct {
	Scope    string
	DeviceID string
}

func (e *DenialError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("auth denied: %s scope for device '%s'", e.Scope, e.DeviceID)
	}
	return fmt.Sprintf("auth denied: %s scope", e.Scope)
}

func (e *DenialError) Unwrap() error {
	return util.ErrAuth
}
