package doctor

import (
	"context"
	"testing"

	"github.com/hollis/autodev/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{HomeDir: t.TempDir()}
	cfg.LLM.Provider = "openai"
	cfg.Integration.Mode = "pr"
	return cfg
}

func findResult(d Diagnosis, name string) *CheckResult {
	for i := range d.Results {
		if d.Results[i].Name == name {
			return &d.Results[i]
		}
	}
	return nil
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	cfgRes := findResult(d, "Config")
	if cfgRes == nil || cfgRes.Status != "FAIL" {
		t.Fatalf("Config check = %+v", cfgRes)
	}
	dbRes := findResult(d, "Database")
	if dbRes == nil || dbRes.Status != "SKIP" {
		t.Fatalf("Database check = %+v", dbRes)
	}
}

func TestCheckAPIKey(t *testing.T) {
	cfg := testConfig(t)

	t.Run("missing key fails", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		res := checkAPIKey(context.Background(), cfg)
		if res.Status != "FAIL" {
			t.Fatalf("status = %s", res.Status)
		}
	})
	t.Run("config key passes", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		withKey := *cfg
		withKey.LLM.APIKey = "sk-test"
		res := checkAPIKey(context.Background(), &withKey)
		if res.Status != "PASS" {
			t.Fatalf("status = %s: %s", res.Status, res.Message)
		}
	})
	t.Run("dry run skips the requirement", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "")
		dry := *cfg
		dry.Integration.DryRun = true
		res := checkAPIKey(context.Background(), &dry)
		if res.Status != "PASS" {
			t.Fatalf("status = %s", res.Status)
		}
	})
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	res := checkDatabase(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := testConfig(t)
	res := checkPermissions(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
}
