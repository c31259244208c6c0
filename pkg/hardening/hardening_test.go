package hardening

import (
	"strings"
	"testing"
)

func strictOptions() Options {
	return Options{
		Service:            "gatekeeper",
		Environment:        "prod",
		StrictProdSecurity: "true",
		AuthMode:           "hs256",
		DatabaseRequireTLS: "true",
		CORSAllowedOrigins: "https://ladder-console.example.com",
		RequiredServiceSecrets: []EnvRequirement{
			{Name: "INTERNAL_AUTH_HEADER", Value: "X-Internal-Token"},
			{Name: "INTERNAL_AUTH_TOKEN", Value: "secret"},
		},
	}
}

func TestValidateProductionAcceptsHardenedConfig(t *testing.T) {
	t.Parallel()
	if err := ValidateProduction(strictOptions()); err != nil {
		t.Fatalf("hardened config must pass: %v", err)
	}
}

func TestValidateProductionSkipsNonProdEnvironments(t *testing.T) {
	t.Parallel()
	for _, env := range []string{"", "dev", "sandbox", "local"} {
		o := Options{Environment: env}
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("environment %q must not be validated: %v", env, err)
		}
	}
}

func TestValidateProductionHonorsOptOut(t *testing.T) {
	t.Parallel()
	o := Options{Environment: "prod", StrictProdSecurity: "false"}
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("explicit opt-out must skip validation: %v", err)
	}
}

func TestValidateProductionRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Options)
		wantMsg string
	}{
		{"auth off", func(o *Options) { o.AuthMode = "off" }, "AUTH_MODE"},
		{"auth unset", func(o *Options) { o.AuthMode = "" }, "AUTH_MODE"},
		{"plaintext database", func(o *Options) { o.DatabaseRequireTLS = "" }, "DATABASE_REQUIRE_TLS"},
		{"plaintext redis", func(o *Options) { o.RedisAddr = "redis:6379" }, "REDIS_REQUIRE_TLS"},
		{"insecure redis tls", func(o *Options) {
			o.RedisAddr = "redis:6379"
			o.RedisRequireTLS = "true"
			o.RedisTLSInsecure = "true"
		}, "REDIS_TLS_INSECURE"},
		{"wildcard cors", func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		{"localhost cors", func(o *Options) { o.CORSAllowedOrigins = "http://localhost:3000" }, "localhost"},
		{"plain http cors", func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" }, "HTTPS"},
		{"empty cors", func(o *Options) { o.CORSAllowedOrigins = " , " }, "CORS_ALLOWED_ORIGINS"},
		{"missing internal token", func(o *Options) {
			o.RequiredServiceSecrets = []EnvRequirement{{Name: "INTERNAL_AUTH_TOKEN", Value: ""}}
		}, "INTERNAL_AUTH_TOKEN"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o := strictOptions()
			tc.mutate(&o)
			err := ValidateProduction(o)
			if err == nil {
				t.Fatal("expected validation failure")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q must mention %q", err.Error(), tc.wantMsg)
			}
			if !strings.HasPrefix(err.Error(), "gatekeeper:") {
				t.Fatalf("error must name the service: %q", err.Error())
			}
		})
	}
}

func TestValidateProductionCoversPreprod(t *testing.T) {
	t.Parallel()
	o := strictOptions()
	o.Environment = "preprod"
	o.AuthMode = "off"
	if err := ValidateProduction(o); err == nil {
		t.Fatal("preprod counts as production-like")
	}
}

func TestValidateProductionBlankSecretNameSkipped(t *testing.T) {
	t.Parallel()
	o := strictOptions()
	o.RequiredServiceSecrets = append(o.RequiredServiceSecrets, EnvRequirement{Name: " ", Value: ""})
	if err := ValidateProduction(o); err != nil {
		t.Fatalf("blank requirement names are ignored: %v", err)
	}
}
