// Command corpusvet drives the collection pipeline:
// classify -> acquire_green -> acquire_yellow -> yellow_screen -> merge -> catalog.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/corpusvet/corpusvet/pkg/acquire"
	"github.com/corpusvet/corpusvet/pkg/classify"
	"github.com/corpusvet/corpusvet/pkg/faults"
	"github.com/corpusvet/corpusvet/pkg/merge"
	"github.com/corpusvet/corpusvet/pkg/policy"
	"github.com/corpusvet/corpusvet/pkg/run"
	"github.com/corpusvet/corpusvet/pkg/screen"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return faults.ExitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "classify":
		return runClassify(ctx, args[2:], stdout, stderr)
	case "acquire":
		return runAcquire(ctx, args[2:], stdout, stderr)
	case "yellow_screen", "screen_yellow":
		return runYellowScreen(ctx, args[1], args[2:], stdout, stderr)
	case "merge":
		return runMerge(ctx, args[2:], stdout, stderr)
	case "catalog":
		return runCatalog(ctx, args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintln(stdout, "corpusvet "+run.Version)
		return faults.ExitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return faults.ExitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return faults.ExitFailure
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: corpusvet <command> [flags]

Commands:
  classify       bucket targets into GREEN/YELLOW/RED queues
  acquire        download payloads for one bucket's queue
  yellow_screen  apply the record-level gate to YELLOW payloads
  merge          combine GREEN and screened YELLOW shards per pool
  catalog        emit the audit catalog
  version        print the tool version

Common flags:
  --config PATH  targets config file (default "targets.yaml")

Stage-changing commands default to a dry run; pass --execute to write.
`)
}

// setup builds the shared runtime or reports the error with the mapped exit
// code. A non-nil *run.Context must be closed by the caller.
func setup(ctx context.Context, configPath string, stderr io.Writer) (*run.Context, int) {
	rc, err := run.New(ctx, configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "corpusvet: %v\n", err)
		return nil, faults.ExitCode(err)
	}
	return rc, faults.ExitOK
}

func finish(stdout, stderr io.Writer, summary any, err error) int {
	if summary != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "corpusvet: %v\n", err)
		return faults.ExitCode(err)
	}
	return faults.ExitOK
}

func runClassify(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	config := fs.String("config", "targets.yaml", "targets config file")
	noFetch := fs.Bool("no-fetch", false, "reuse existing evidence snapshots, do not refetch")
	workers := fs.Int("workers", 4, "parallel classification workers")
	if err := fs.Parse(args); err != nil {
		return faults.ExitFailure
	}

	rc, code := setup(ctx, *config, stderr)
	if rc == nil {
		return code
	}
	defer rc.Close(ctx)

	summary, err := rc.Classify(ctx, classify.Options{NoFetch: *noFetch, Workers: *workers})
	return finish(stdout, stderr, summary, err)
}

func runAcquire(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("acquire", flag.ContinueOnError)
	fs.SetOutput(stderr)
	config := fs.String("config", "targets.yaml", "targets config file")
	bucket := fs.String("bucket", "", "queue to acquire: green or yellow")
	execute := fs.Bool("execute", false, "perform downloads instead of a dry run")
	workers := fs.Int("workers", 4, "parallel acquisition workers")
	limit := fs.Int("limit-targets", 0, "process at most N queue rows (0 = all)")
	failOnError := fs.Bool("fail-on-error", false, "exit non-zero when any target fails")
	allowHuge := fs.Bool("allow-huge-downloads", false, "permit targets over the byte budget")
	noResume := fs.Bool("no-resume", false, "wipe checkpoints and restart the stage")
	if err := fs.Parse(args); err != nil {
		return faults.ExitFailure
	}

	var b policy.Bucket
	switch *bucket {
	case "green":
		b = policy.BucketGreen
	case "yellow":
		b = policy.BucketYellow
	default:
		_, _ = fmt.Fprintln(stderr, "acquire: --bucket must be green or yellow")
		return faults.ExitFailure
	}

	rc, code := setup(ctx, *config, stderr)
	if rc == nil {
		return code
	}
	defer rc.Close(ctx)

	summary, err := rc.Acquire(ctx, acquire.Options{
		Bucket:       b,
		Workers:      *workers,
		LimitTargets: *limit,
		Execute:      *execute,
		FailOnError:  *failOnError,
		AllowHuge:    *allowHuge,
		Resume:       !*noResume,
	})
	return finish(stdout, stderr, summary, err)
}

func runYellowScreen(ctx context.Context, invokedAs string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("yellow_screen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	config := fs.String("config", "targets.yaml", "targets config file")
	execute := fs.Bool("execute", false, "write shards and ledgers instead of a dry run")
	if err := fs.Parse(args); err != nil {
		return faults.ExitFailure
	}

	rc, code := setup(ctx, *config, stderr)
	if rc == nil {
		return code
	}
	defer rc.Close(ctx)

	rc.CanonicalStage(invokedAs) // logs the deprecation for screen_yellow
	summary, err := rc.YellowScreen(ctx, screen.Options{Execute: *execute})
	return finish(stdout, stderr, summary, err)
}

func runMerge(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	config := fs.String("config", "targets.yaml", "targets config file")
	execute := fs.Bool("execute", false, "write combined shards instead of a dry run")
	if err := fs.Parse(args); err != nil {
		return faults.ExitFailure
	}

	rc, code := setup(ctx, *config, stderr)
	if rc == nil {
		return code
	}
	defer rc.Close(ctx)

	summary, err := rc.Merge(ctx, merge.Options{Execute: *execute})
	return finish(stdout, stderr, summary, err)
}

func runCatalog(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("catalog", flag.ContinueOnError)
	fs.SetOutput(stderr)
	config := fs.String("config", "targets.yaml", "targets config file")
	if err := fs.Parse(args); err != nil {
		return faults.ExitFailure
	}

	rc, code := setup(ctx, *config, stderr)
	if rc == nil {
		return code
	}
	defer rc.Close(ctx)

	cat, err := rc.Catalog(ctx)
	return finish(stdout, stderr, cat, err)
}
