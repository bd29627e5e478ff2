package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("VENTAPOS_AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty VENTAPOS_AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VENTAPOS_PORT", "")
	t.Setenv("VENTAPOS_AVAILABILITY_TTL_SECONDS", "")
	t.Setenv("VENTAPOS_ACCESS_TOKEN_TTL_MINUTES", "bogus")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.AvailabilityTTLSecs != 30 {
		t.Fatalf("expected default availability ttl 30, got %d", cfg.AvailabilityTTLSecs)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected fallback token ttl 480 on bad input, got %d", cfg.AccessTokenTTLMinutes)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}
