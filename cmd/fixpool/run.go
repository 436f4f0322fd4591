package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/mysleekdesigns/fixpool/internal/orchestrator"
	"github.com/mysleekdesigns/fixpool/internal/progress"
	"github.com/mysleekdesigns/fixpool/pkg/models"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// errFixesFailed marks a run where at least one fix did not complete.
var errFixesFailed = errors.New("one or more fixes failed")

func newRunCmd() *cobra.Command {
	var (
		taskID       string
		projectPath  string
		findingsFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start fix agents for a findings file and wait for them",
		RunE: func(cmd *cobra.Command, args []string) error {
			findings, err := loadFindings(findingsFile)
			if err != nil {
				return err
			}
			if projectPath == "" {
				projectPath, _ = os.Getwd()
			}
			if abs, err := filepath.Abs(projectPath); err == nil {
				projectPath = abs
			}
			if taskID == "" {
				taskID = "task-" + uuid.New().String()[:8]
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runFixes(ctx, cmd.OutOrStdout(), a, taskID, projectPath, findings)
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "Task id the fixes belong to (default: generated)")
	cmd.Flags().StringVarP(&projectPath, "project", "p", "", "Project directory (default: current directory)")
	cmd.Flags().StringVarP(&findingsFile, "findings", "f", "", "YAML or JSON file of findings keyed by category")
	cmd.MarkFlagRequired("findings")
	return cmd
}

// runFixes starts every fix, streams progress to out until the task is
// complete or ctx is cancelled, then prints the persisted records.
func runFixes(ctx context.Context, out io.Writer, a *app, taskID, projectPath string, findings map[models.FixCategory][]models.Finding) error {
	sub := a.hub.Subscribe(taskID, 256)
	defer sub.Close()

	fmt.Fprintf(out, "%s %s in %s\n", bold("fixpool"), cyan(taskID), projectPath)

	ids, err := a.orch.StartAllFixes(ctx, taskID, projectPath, findings)
	if err != nil {
		a.orch.CancelAllFixes(taskID)
		a.close()
		return fmt.Errorf("failed to start fixes: %w", err)
	}
	for _, cat := range (models.StartFixesRequest{Findings: findings}).Categories() {
		fmt.Fprintf(out, "  %s %s agent %s\n", gray("started"), bold(cat), ids[cat])
	}

	waitForTask(ctx, out, a, sub, taskID)
	if ctx.Err() != nil {
		n := a.orch.CancelAllFixes(taskID)
		fmt.Fprintf(out, "%s cancelled %d running agent(s)\n", yellow("interrupted:"), n)
	}

	// Shutdown waits for pending result writes before records are read.
	if err := a.orch.Shutdown(); err != nil {
		return err
	}
	records, err := a.orch.ListFixRecords(taskID)
	closeErr := a.store.Close()
	if err != nil {
		return fmt.Errorf("failed to list fix records: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to save fix records: %w", closeErr)
	}
	if !printRecords(out, records) {
		return errFixesFailed
	}
	return nil
}

func waitForTask(ctx context.Context, out io.Writer, a *app, sub *progress.Subscription, taskID string) {
	// The hub drops events for slow readers, so completion is also polled.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Type == progress.EventTypeComplete {
				return
			}
			fmt.Fprintln(out, formatProgress(ev))
		case <-ticker.C:
			if a.orch.AreAllFixesComplete(taskID) {
				drainProgress(out, sub)
				return
			}
		}
	}
}

// drainProgress prints the events already buffered for sub.
func drainProgress(out io.Writer, sub *progress.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok || ev.Type == progress.EventTypeComplete {
				return
			}
			fmt.Fprintln(out, formatProgress(ev))
		default:
			return
		}
	}
}

func formatProgress(ev progress.Event) string {
	return fmt.Sprintf("  %s %-8s %s", gray(ev.Timestamp.Format("15:04:05")), cyan(ev.FixCategory), ev.Message)
}

// printRecords prints one line per record and reports whether all of
// them completed.
func printRecords(out io.Writer, records []*models.FixRecord) bool {
	ok := true
	fmt.Fprintln(out, bold("results"))
	for _, rec := range records {
		mark := green("✓")
		if rec.Status != models.FixStatusCompleted {
			mark = red("✗")
			ok = false
		}
		fmt.Fprintf(out, "  %s %-8s %s\n", mark, rec.Category, rec.Summary)
		for _, file := range strings.Split(rec.Patch, "\n") {
			if file = strings.TrimSpace(file); file != "" {
				fmt.Fprintf(out, "      %s\n", gray(file))
			}
		}
	}
	return ok
}

// loadFindings reads findings keyed by category from a YAML or JSON file.
func loadFindings(path string) (map[models.FixCategory][]models.Finding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read findings: %w", err)
	}

	var findings map[models.FixCategory][]models.Finding
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &findings)
	default:
		err = yaml.Unmarshal(data, &findings)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse findings: %w", err)
	}

	for cat := range findings {
		if !models.ValidCategory(cat) {
			return nil, fmt.Errorf("%w: %q", orchestrator.ErrInvalidCategory, cat)
		}
	}
	if len((models.StartFixesRequest{Findings: findings}).Categories()) == 0 {
		return nil, orchestrator.ErrNoFindings
	}
	return findings, nil
}
