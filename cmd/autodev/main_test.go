package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hollis/autodev/internal/archivist"
	"github.com/hollis/autodev/internal/config"
	"github.com/hollis/autodev/internal/gitops"
	"github.com/hollis/autodev/internal/llm"
	"github.com/hollis/autodev/internal/persistence"
)

func TestDaemonURL(t *testing.T) {
	cases := []struct {
		addr, path, want string
	}{
		{"127.0.0.1:18890", "/health", "http://127.0.0.1:18890/health"},
		{"http://example.com", "/health", "http://example.com/health"},
		{"http://example.com/", "/health", "http://example.com/health"},
		{"[::1]:18890", "/tasks", "http://[::1]:18890/tasks"},
	}
	for _, tc := range cases {
		if got := daemonURL(tc.addr, tc.path); got != tc.want {
			t.Errorf("daemonURL(%q, %q) = %q, want %q", tc.addr, tc.path, got, tc.want)
		}
	}
}

func TestBuildProvider(t *testing.T) {
	t.Run("dry run wins over provider", func(t *testing.T) {
		cfg := config.Config{}
		cfg.LLM.Provider = "openai"
		cfg.Integration.DryRun = true
		p, err := buildProvider(cfg)
		if err != nil {
			t.Fatalf("buildProvider: %v", err)
		}
		if _, ok := p.(*llm.DryRunProvider); !ok {
			t.Fatalf("provider = %T, want dry run", p)
		}
	})
	t.Run("openai needs an api key", func(t *testing.T) {
		cfg := config.Config{}
		cfg.LLM.Provider = "openai"
		if _, err := buildProvider(cfg); err == nil {
			t.Fatal("expected missing key error")
		}
	})
	t.Run("unknown provider rejected", func(t *testing.T) {
		cfg := config.Config{}
		cfg.LLM.Provider = "carrier-pigeon"
		if _, err := buildProvider(cfg); err == nil {
			t.Fatal("expected unsupported provider error")
		}
	})
}

func TestBuildGitOps(t *testing.T) {
	applier, vcs := buildGitOps(config.IntegrationConfig{DryRun: true})
	if _, ok := applier.(*gitops.DryRunApplier); !ok {
		t.Fatalf("applier = %T", applier)
	}
	if _, ok := vcs.(*gitops.DryRunVCS); !ok {
		t.Fatalf("vcs = %T", vcs)
	}

	applier, vcs = buildGitOps(config.IntegrationConfig{})
	if _, ok := applier.(*gitops.GitApplier); !ok {
		t.Fatalf("applier = %T", applier)
	}
	if _, ok := vcs.(*gitops.GitVCS); !ok {
		t.Fatalf("vcs = %T", vcs)
	}
}

func TestBuildContextEngine_WiresMemoryMaintenance(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "autodev.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "task", "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := store.AddNote(ctx, persistence.MemoryNote{
			JobID: job.ID,
			Type:  persistence.NoteTypeDecision,
			Body:  "observation",
		}); err != nil {
			t.Fatalf("add note: %v", err)
		}
	}

	arch := archivist.New(store, config.MemoryConfig{
		MaxItems:            20,
		MaxBytes:            1 << 20,
		ArchiveTriggerRatio: 0.8,
		ArchiveKeepRecent:   6,
	})
	cc := config.ContextConfig{
		TokenBudget:              2000,
		ReserveTokens:            200,
		HardCapTokens:            2400,
		CompactionThresholdRatio: 0.75,
		ProtectedHead:            2,
		TailKeep:                 6,
		CuratorTopK:              12,
		RetrieverTimeoutSeconds:  1,
	}
	engine := buildContextEngine(store, nil, llm.NewDryRunProvider(""), arch, cc)

	if _, err := engine.Build(ctx, job, nil); err != nil {
		t.Fatalf("build: %v", err)
	}

	// The archival sweep ran before retrieval.
	count, _, err := store.NoteUsage(ctx, job.ID)
	if err != nil {
		t.Fatalf("note usage: %v", err)
	}
	if count != 6 {
		t.Fatalf("live notes after build = %d, want 6", count)
	}
}

func TestDaemonRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("missing content type on POST")
		}
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	defer srv.Close()

	body, status, err := daemonRequest(context.Background(), http.MethodPost, srv.URL+"/x", []byte("{}"))
	if err != nil {
		t.Fatalf("daemonRequest: %v", err)
	}
	if status != http.StatusTeapot || !strings.Contains(string(body), "stout") {
		t.Fatalf("status = %d, body = %q", status, body)
	}
}
