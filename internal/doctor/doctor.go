// Package doctor runs environment diagnostics for the autodev daemon:
// config, credentials, database, and the external tools integration needs.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hollis/autodev/internal/config"
	"github.com/hollis/autodev/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkExternalTools,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Redacted(),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Integration.DryRun || cfg.LLM.Provider == "dryrun" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: "Dry-run mode, no key required"}
	}

	envVars := map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	envVar, ok := envVars[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: "WARN", Message: fmt.Sprintf("Unknown provider %q", provider)}
	}
	if cfg.LLM.APIKey != "" || os.Getenv(envVar) != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Key available for %s", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "FAIL",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  fmt.Sprintf("Set %s or llm.api_key in config.yaml", envVar),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "autodev.db"), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkExternalTools(_ context.Context, cfg *config.Config) CheckResult {
	var details []string
	status := "PASS"

	// git applies diffs and manages work branches.
	if _, err := exec.LookPath("git"); err != nil {
		details = append(details, "git: missing (required to apply and commit changes)")
		status = "FAIL"
	} else {
		details = append(details, "git: ok")
	}

	// gh opens pull requests in pr mode.
	needsGH := cfg != nil && cfg.Integration.Mode == "pr" && !cfg.Integration.DryRun
	if needsGH {
		if _, err := exec.LookPath("gh"); err != nil {
			details = append(details, "gh: missing (required for integration.mode=pr)")
			if status == "PASS" {
				status = "WARN"
			}
		} else {
			details = append(details, "gh: ok")
		}
	} else {
		details = append(details, "gh: skipped (not needed in this mode)")
	}

	return CheckResult{
		Name:    "External Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Integration.DryRun || cfg.LLM.Provider == "dryrun" {
		return CheckResult{Name: "Network", Status: "PASS", Message: "Dry-run mode, no provider endpoint"}
	}

	host := "api.openai.com"
	switch strings.ToLower(cfg.LLM.Provider) {
	case "anthropic":
		host = "api.anthropic.com"
	}
	if cfg.LLM.BaseURL != "" {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(cfg.LLM.BaseURL, "https://"), "http://")
		if h, _, err := net.SplitHostPort(trimmed); err == nil {
			host = h
		} else if idx := strings.IndexByte(trimmed, '/'); idx > 0 {
			host = trimmed[:idx]
		} else if trimmed != "" {
			host = trimmed
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
