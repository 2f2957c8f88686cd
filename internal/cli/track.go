package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	osExec "os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/mlflare/mlflare-go/run"
	"github.com/mlflare/mlflare-go/runtime/shutdown"
	"github.com/mlflare/mlflare-go/stdout"
	"github.com/mlflare/mlflare-go/tracker"
	"github.com/mlflare/mlflare-go/types"
)

const maxMarkerLine = 1 << 20

// newTracker builds the tracker for one command. Its Close finishes the
// active run first and flushes the observer last.
func newTracker(opts cliOptions, logger logr.Logger) *tracker.Tracker {
	observer, tp, closeObserver := newObserver(logger, opts.tracing)
	hooks := shutdown.New(shutdown.WithLogger(logger.WithName("tracker")))
	hooks.Register("observer", func(context.Context) error {
		closeObserver()
		return nil
	})
	trackerOpts := []tracker.Option{
		tracker.WithEndpoint(opts.url, opts.token),
		tracker.WithLogger(logger),
		tracker.WithHooks(hooks),
		tracker.WithObserver(observer),
	}
	if tp != nil {
		trackerOpts = append(trackerOpts, tracker.WithTracerProvider(tp))
	}
	return tracker.New(trackerOpts...)
}

// runLog starts a run, logs one set of metrics and finishes it.
func runLog(ctx context.Context, args []string) int {
	opts, rest, err := parseArgs(args)
	if err == nil && len(rest) > 0 {
		err = fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	if err != nil {
		log.Printf("log: %v", err)
		return 2
	}
	if opts.project == "" || len(opts.metrics) == 0 {
		log.Printf("log: --project and --metrics are required")
		return 2
	}
	logger := newLogger(opts.verbose)
	t := newTracker(opts, logger)
	defer t.Close(context.Background())

	runID, err := logOnce(ctx, t, opts)
	if err != nil {
		log.Printf("log failed: %v", err)
		return 1
	}
	fmt.Println(runID)
	return 0
}

func logOnce(ctx context.Context, t *tracker.Tracker, opts cliOptions) (string, error) {
	r, err := t.Init(ctx, opts.project, opts.config)
	if err != nil {
		return "", err
	}
	if opts.step != nil {
		err = t.LogStep(ctx, opts.metrics, *opts.step)
	} else {
		err = t.Log(ctx, opts.metrics)
	}
	if err != nil {
		_ = t.Finish(ctx, types.StatusFailed)
		return r.ID(), err
	}
	status := opts.status
	if status == "" {
		status = types.StatusCompleted
	}
	return r.ID(), t.Finish(ctx, status)
}

// runEmit prints one marker line. Metrics come from --metrics and from
// positional name=value arguments.
func runEmit(args []string, w io.Writer) int {
	opts, rest, err := parseArgs(args)
	if err != nil {
		log.Printf("emit: %v", err)
		return 2
	}
	extra, err := parseMetrics(strings.Join(rest, ","))
	if err != nil {
		log.Printf("emit: %v", err)
		return 2
	}
	for k, v := range extra {
		opts.metrics[k] = v
	}
	if len(opts.metrics) == 0 {
		log.Printf("emit: no metrics given")
		return 2
	}
	if err := stdout.NewEmitter(w).EmitMap(opts.metrics); err != nil {
		log.Printf("emit failed: %v", err)
		return 1
	}
	return 0
}

// runExec runs a command under a tracked run. Marker lines on the child's
// stdout are logged as metrics; the run finishes completed on exit code 0
// and failed otherwise.
func runExec(ctx context.Context, args []string) int {
	opts, argv, err := parseArgs(args)
	if err == nil && len(argv) == 0 {
		err = fmt.Errorf("a command is required after --")
	}
	if err == nil && opts.project == "" {
		err = fmt.Errorf("--project is required")
	}
	if err != nil {
		log.Printf("exec: %v", err)
		return 2
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(opts.verbose)
	t := newTracker(opts, logger)
	defer t.Close(context.Background())

	code, err := execTracked(ctx, t, opts, argv, os.Stdout, os.Stderr, logger)
	if err != nil {
		log.Printf("exec: %v", err)
	}
	return code
}

func execTracked(ctx context.Context, t *tracker.Tracker, opts cliOptions, argv []string, out, errOut io.Writer, logger logr.Logger) (int, error) {
	r, err := t.Init(ctx, opts.project, opts.config)
	if err != nil {
		return 1, fmt.Errorf("failed to start run: %w", err)
	}
	logger.Info("run started", "runId", r.ID(), "command", argv[0])

	cmd := osExec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = errOut
	cmd.Stdin = os.Stdin
	cmd.WaitDelay = 5 * time.Second
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		_ = t.Finish(context.Background(), types.StatusFailed)
		return 1, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = t.Finish(context.Background(), types.StatusFailed)
		return 1, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	logged, dropped := forwardMarkers(ctx, r, pipe, out, logger)
	waitErr := cmd.Wait()

	code := 0
	if waitErr != nil {
		var exitErr *osExec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	status := types.StatusCompleted
	if code != 0 {
		status = types.StatusFailed
	}
	// The command's ctx may already be cancelled by a signal.
	finishErr := t.Finish(context.Background(), status)
	logger.Info("run finished", "runId", r.ID(), "status", string(status), "exitCode", code, "logged", logged, "dropped", dropped)
	if finishErr != nil {
		return code, fmt.Errorf("failed to finish run: %w", finishErr)
	}
	return code, nil
}

// forwardMarkers copies every line to out and logs marker lines to r. A
// failed log is counted and skipped so the child keeps running.
func forwardMarkers(ctx context.Context, r *run.Run, src io.Reader, out io.Writer, logger logr.Logger) (logged, dropped int) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMarkerLine)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := fmt.Fprintln(out, line); err != nil {
			logger.V(1).Info("stdout forward failed", "error", err.Error())
		}
		metrics, ok := stdout.Parse(line)
		if !ok {
			continue
		}
		if err := r.Log(ctx, metrics); err != nil {
			dropped++
			logger.Error(err, "failed to log metrics", "step", r.NextStep()-1)
			continue
		}
		logged++
	}
	if err := scanner.Err(); err != nil {
		logger.Error(err, "stdout read failed")
		// Drain so the child does not block on a full pipe.
		_, _ = io.Copy(out, src)
	}
	return logged, dropped
}
