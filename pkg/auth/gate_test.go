package auth

import (
	"errors"
	"testing"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

func TestRequireOperator(t *testing.T) {
	gate := NewGate("op-secret", "", nil)

	cases := []struct {
		name   string
		header string
		wantOK bool
	}{
		{"bare token", "op-secret", true},
		{"bearer prefix", "Bearer op-secret", true},
		{"bearer case insensitive", "bearer op-secret", true},
		{"wrong token", "other", false},
		{"empty header", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := gate.RequireOperator(c.header)
			if c.wantOK && err != nil {
				t.Errorf("unexpected denial: %v", err)
			}
			if !c.wantOK && !errors.Is(err, util.ErrAuth) {
				t.Errorf("err = %v, want auth error", err)
			}
		})
	}

	t.Run("no operator token disables the check", func(t *testing.T) {
		open := NewGate("", "", nil)
		if err := open.RequireOperator(""); err != nil {
			t.Errorf("unexpected denial: %v", err)
		}
	})
}

func TestRequireDevice(t *testing.T) {
	gate := NewGate("op-secret", "", map[string]string{
		"frame-01": "tok-01",
		"*":        "tok-any",
	})

	t.Run("exact match", func(t *testing.T) {
		if err := gate.RequireDevice("frame-01", "tok-01"); err != nil {
			t.Errorf("unexpected denial: %v", err)
		}
	})

	t.Run("exact entry shadows wildcard", func(t *testing.T) {
		if !errors.Is(gate.RequireDevice("frame-01", "tok-any"), util.ErrAuth) {
			t.Error("wildcard token must not open a device with its own entry")
		}
	})

	t.Run("wildcard fallback", func(t *testing.T) {
		if err := gate.RequireDevice("frame-99", "tok-any"); err != nil {
			t.Errorf("unexpected denial: %v", err)
		}
	})

	t.Run("operator token is not a device token", func(t *testing.T) {
		if !errors.Is(gate.RequireDevice("frame-01", "op-secret"), util.ErrAuth) {
			t.Error("operator token must not pass when a device map exists")
		}
	})

	t.Run("empty map falls back to operator token", func(t *testing.T) {
		fallback := NewGate("op-secret", "", nil)
		if err := fallback.RequireDevice("frame-01", "op-secret"); err != nil {
			t.Errorf("unexpected denial: %v", err)
		}
		if !errors.Is(fallback.RequireDevice("frame-01", "wrong"), util.ErrAuth) {
			t.Error("wrong token must be denied")
		}
	})

	t.Run("no map and no operator token admits everyone", func(t *testing.T) {
		open := NewGate("", "", nil)
		if err := open.RequireDevice("frame-01", ""); err != nil {
			t.Errorf("unexpected denial: %v", err)
		}
	})
}

func TestRequirePublicPhoto(t *testing.T) {
	t.Run("unset token disables the endpoint", func(t *testing.T) {
		gate := NewGate("op", "", nil)
		err := gate.RequirePublicPhoto("", "anything")
		if !errors.Is(err, util.ErrPublicPhotoDisabled) {
			t.Fatalf("err = %v, want disabled sentinel", err)
		}
	})

	gate := NewGate("op", "photo-secret", nil)

	t.Run("header token", func(t *testing.T) {
		if err := gate.RequirePublicPhoto("photo-secret", ""); err != nil {
			t.Errorf("unexpected denial: %v", err)
		}
	})

	t.Run("query token", func(t *testing.T) {
		if err := gate.RequirePublicPhoto("", "photo-secret"); err != nil {
			t.Errorf("unexpected denial: %v", err)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		if !errors.Is(gate.RequirePublicPhoto("nope", "nope"), util.ErrAuth) {
			t.Error("wrong token must be denied")
		}
	})
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"abc", "abc"},
		{"  Bearer abc  ", "abc"},
		{"", ""},
	}
	for _, c := range cases {
		if got := bearerToken(c.in); got != c.want {
			t.Errorf("bearerToken(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
