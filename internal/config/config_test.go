package config

import (
	"reflect"
	"testing"
)

func TestSourcesFromEnviron(t *testing.T) {
	environ := []string{
		"PATH=/usr/bin",
		"FHIR_SOURCE_EPIC=fhir://epic.example.org/R4?client_id=c&client_secret=s&token_url=https://epic.example.org/token",
		"FHIR_SOURCE_PUBLIC=fhir://hapi.example.org/baseR4",
		"FHIR_SOURCE_=fhir://nameless.example.org", // empty name, skipped
		"FHIR_SOURCE_EMPTY=",                       // empty value, skipped
	}
	got := sourcesFromEnviron(environ)
	want := map[string]string{
		"epic":   "fhir://epic.example.org/R4?client_id=c&client_secret=s&token_url=https://epic.example.org/token",
		"public": "fhir://hapi.example.org/baseR4",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("sourcesFromEnviron = %v, want %v", got, want)
	}
}

func TestSourceNames_Sorted(t *testing.T) {
	cfg := &Config{Sources: map[string]string{
		"zeta": "fhir://z.example.org", "alpha": "fhir://a.example.org", "mid": "fhir://m.example.org",
	}}
	got := cfg.SourceNames()
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SourceNames = %v, want %v", got, want)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port: "8000", Env: "development", LogLevel: "info",
			FHIRPrefix: "/fhir", RequestTimeoutSecs: 30,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"prefix without slash", func(c *Config) { c.FHIRPrefix = "fhir" }, true},
		{"events enabled without url", func(c *Config) { c.EventsEnabled = true }, true},
		{"events enabled with url", func(c *Config) {
			c.EventsEnabled = true
			c.EventDispatchURL = "https://hooks.example.org/fhir"
		}, false},
		{"zero timeout", func(c *Config) { c.RequestTimeoutSecs = 0 }, true},
		{"non-fhir source", func(c *Config) {
			c.Sources = map[string]string{"bad": "https://plain.example.org"}
		}, true},
		{"fhir source", func(c *Config) {
			c.Sources = map[string]string{"good": "fhir://fhir.example.org/R4"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FHIR_SOURCE_MAIN", "fhir://fhir.example.org/R4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.FHIRPrefix != "/fhir" {
		t.Errorf("FHIRPrefix = %q, want /fhir", cfg.FHIRPrefix)
	}
	if cfg.PoolMaxConnections != 100 || cfg.PoolMaxKeepalive != 20 || cfg.PoolKeepaliveExpirySec != 5 {
		t.Errorf("unexpected pool defaults: %+v", cfg)
	}
	if cfg.Sources["main"] != "fhir://fhir.example.org/R4" {
		t.Errorf("Sources = %v, want main entry", cfg.Sources)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9999" || cfg.LogLevel != "debug" || cfg.RequestTimeoutSecs != 5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}
