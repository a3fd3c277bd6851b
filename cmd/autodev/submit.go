package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/hollis/autodev/internal/config"
)

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	task := fs.String("task", "", "change request in natural language (required)")
	repo := fs.String("repo", "", "path to the target repository (default: current directory)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*task) == "" {
		fmt.Fprintln(os.Stderr, "usage: autodev submit -task <text> [-repo <path>]")
		return 2
	}
	repoPath := *repo
	if repoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve working directory: %v\n", err)
			return 1
		}
		repoPath = wd
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	payload, err := json.Marshal(map[string]string{"task": *task, "repo_path": repoPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		return 1
	}
	body, status, err := daemonRequest(ctx, http.MethodPost, daemonURL(cfg.BindAddr, "/tasks"), payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	if status != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "submit rejected (%d): %s\n", status, strings.TrimSpace(string(body)))
		return 1
	}

	var job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &job); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	fmt.Printf("job %s accepted (%s)\n", job.ID, job.Status)
	return 0
}

func runCancelCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: autodev cancel <job-id>")
		return 2
	}
	jobID := strings.TrimSpace(args[0])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	body, status, err := daemonRequest(ctx, http.MethodPost,
		daemonURL(cfg.BindAddr, "/jobs/"+jobID+"/cancel"), []byte("{}"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		return 1
	}
	switch status {
	case http.StatusAccepted:
		fmt.Printf("cancellation requested for job %s\n", jobID)
		return 0
	case http.StatusConflict:
		fmt.Fprintf(os.Stderr, "job %s is already finished\n", jobID)
		return 1
	default:
		fmt.Fprintf(os.Stderr, "cancel rejected (%d): %s\n", status, strings.TrimSpace(string(body)))
		return 1
	}
}
