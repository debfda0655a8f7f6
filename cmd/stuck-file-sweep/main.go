// stuck-file-sweep flags files that have sat in processing beyond the
// configured bound (STUCK_PROCESSING_BOUND_MINUTES, default 120). Each stuck
// file gets a file.stuck_processing outbox event for the ops channel; the
// sweep never forces a terminal state, so a slow-but-alive execution is
// never corrupted. Run it on a schedule (Cloud Scheduler / cron).
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/stuck-file-sweep
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/volopa/masspay_backend/config"
	"bitbucket.org/volopa/masspay_backend/utils"
	"bitbucket.org/volopa/masspay_backend/workflow"
)

func main() {
	boundMinutes := flag.Int("bound-minutes", config.StuckProcessingBoundMinutes(), "flag files processing longer than this many minutes")
	dryRun := flag.Bool("dry-run", false, "list stuck files without emitting events")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := utils.SetUserNameInContext(context.Background(), "StuckFileSweep")
	bound := time.Duration(*boundMinutes) * time.Minute

	if *dryRun {
		files, err := workflow.FindStuckProcessingFiles(ctx, bound)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
			os.Exit(1)
		}
		for _, f := range files {
			fmt.Printf("stuck: file=%d client=%s processing_started_at=%v\n", f.ID, f.ClientId, f.ProcessingStartedAt)
		}
		fmt.Printf("Found %d stuck file(s) (dry run, no events emitted)\n", len(files))
		return
	}

	flagged, err := workflow.FlagStuckProcessingFiles(ctx, bound)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Flagged %d stuck file(s)\n", flagged)
}
