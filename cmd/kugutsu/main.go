package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kugutsu/pipeline/internal/audit"
	"github.com/kugutsu/pipeline/internal/config"
	"github.com/kugutsu/pipeline/internal/events"
	"github.com/kugutsu/pipeline/internal/metrics"
	"github.com/kugutsu/pipeline/internal/pipeline"
	"github.com/kugutsu/pipeline/internal/task"
	"github.com/kugutsu/pipeline/internal/tui"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("kugutsu", flag.ContinueOnError)

	maxEngineers := fs.Int("max-engineers", 0, "maximum concurrent development engineers (default from config)")
	maxTurns := fs.Int("max-turns", 0, "maximum agent turns per task, stored in the config (default from config; not passed to the agents)")
	baseBranch := fs.String("base-branch", "", "branch merges land on (default from config)")
	baseRepo := fs.String("base-repo", "", "path to the base git repository (default: current directory)")
	worktreeBase := fs.String("worktree-base", "", "directory (relative to base-repo) holding task worktrees")
	useRemote := fs.Bool("use-remote", false, "stored in the pipeline config; merges stay local and nothing is pushed")
	cleanup := fs.Bool("cleanup", true, "stored in the pipeline config; worktree removal after a merge does not depend on it")
	noTUI := fs.Bool("no-tui", false, "print plain log lines instead of the interactive TUI")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s [flags] <user-request>\n\n", fs.Name())
		fmt.Fprintln(fs.Output(), "Runs the develop/review/merge pipeline for a single free-text request.")
		fmt.Fprintln(fs.Output(), "\nflags:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}
	request := strings.Join(fs.Args(), " ")

	cfg, err := config.LoadDefault()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}
	applyFlagOverrides(cfg, fs, *maxEngineers, *maxTurns, *baseBranch, *baseRepo, *worktreeBase, *useRemote, *cleanup)

	repoPath := cfg.Pipeline.BaseRepo
	if repoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error resolving working directory: %v\n", err)
			return 1
		}
		repoPath = wd
	}

	runDir := filepath.Join(repoPath, ".kugutsu")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error preparing %s: %v\n", runDir, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tasks, titles := planTasks(request)
	if err := writeTaskManifest(runDir, request, tasks); err != nil {
		log.Printf("warning: could not write task manifest: %v", err)
	}

	journal, err := audit.Open(ctx, filepath.Join(runDir, "audit.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening audit journal: %v\n", err)
		return 1
	}
	defer journal.Close()

	collector := metrics.New()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, collector)
	}

	tracker := newFailureTracker(tasks)

	coord := pipeline.New(pipeline.Config{
		RepoPath:               repoPath,
		BaseBranch:             cfg.Pipeline.BaseBranch,
		WorktreeDir:            cfg.Pipeline.WorktreeBase,
		MaxConcurrentEngineers: cfg.Pipeline.MaxConcurrentEngineers,
		MaxReviewRetries:       cfg.Pipeline.MaxReviewRetries,
		DevFactory:             newFakeDeveloper,
		Reviewer:               fakeReviewer{},
		Observer:               pipeline.LogObserver{},
		Metrics:                collector,
	})

	journal.Subscribe(coord.Bus())
	collector.Subscribe(coord.Bus())
	tracker.Subscribe(coord.Bus())

	var eventSub <-chan events.Event
	var teaReg *events.Registration
	if *noTUI {
		eventSub, teaReg = nil, nil
	} else {
		eventSub, teaReg = tui.Subscribe(coord.Bus(), 256)
	}
	if teaReg != nil {
		defer teaReg.Unregister()
	}

	if err := coord.Initialize(tasks, titles); err != nil {
		fmt.Fprintf(os.Stderr, "error building task graph: %v\n", err)
		return 1
	}

	coord.Start(ctx)

	exitCode := 0
	if *noTUI {
		exitCode = runHeadless(ctx, coord)
	} else {
		exitCode = runTUI(ctx, coord, eventSub)
	}

	printSummary(coord, tracker)
	return exitCode
}

func applyFlagOverrides(cfg *config.OrchestratorConfig, fs *flag.FlagSet, maxEngineers, maxTurns int, baseBranch, baseRepo, worktreeBase string, useRemote, cleanup bool) {
	if maxEngineers > 0 {
		cfg.Pipeline.MaxConcurrentEngineers = maxEngineers
	}
	if maxTurns > 0 {
		cfg.Pipeline.MaxTurns = maxTurns
	}
	if baseBranch != "" {
		cfg.Pipeline.BaseBranch = baseBranch
	}
	if baseRepo != "" {
		cfg.Pipeline.BaseRepo = baseRepo
	}
	if worktreeBase != "" {
		cfg.Pipeline.WorktreeBase = worktreeBase
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-remote":
			cfg.Pipeline.UseRemote = useRemote
		case "cleanup":
			cfg.Pipeline.Cleanup = cleanup
		}
	})
}

func serveMetrics(addr string, c *metrics.Collector) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	log.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics server stopped: %v", err)
	}
}

// runHeadless blocks until the pipeline finishes or ctx is canceled. Beyond
// what the LogObserver already writes, it logs one line only when the wait
// ends with an error.
func runHeadless(ctx context.Context, coord *pipeline.Coordinator) int {
	if err := coord.WaitForCompletion(ctx); err != nil {
		log.Printf("pipeline run ended: %v", err)
	}
	if coord.StatusSummary().Failed > 0 {
		return 1
	}
	return 0
}

// runTUI drives the Bubble Tea program alongside the pipeline, mirroring
// the teacher's split between "TUI owns the terminal" and "signals own
// shutdown": whichever finishes first (pipeline completion vs. ctrl-c)
// tears the other down.
func runTUI(ctx context.Context, coord *pipeline.Coordinator, eventSub <-chan events.Event) int {
	model := tui.New(eventSub, coord.StatusSummary)
	p := tea.NewProgram(model, tea.WithAltScreen())

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- coord.WaitForCompletion(ctx)
	}()

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case <-doneChan:
		p.Quit()
		<-errChan
	case err := <-errChan:
		if err != nil {
			log.Printf("tui exited with error: %v", err)
		}
		coord.Stop()
	case <-ctx.Done():
		log.Println("shutdown signal received, cleaning up...")
		coord.Stop()
		p.Quit()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case <-errChan:
		case <-shutdownCtx.Done():
			log.Println("shutdown timeout exceeded, forcing exit")
		}
	}

	if coord.StatusSummary().Failed > 0 {
		return 1
	}
	return 0
}

func printSummary(coord *pipeline.Coordinator, tracker *failureTracker) {
	completed, total := coord.Counts()
	fmt.Printf("\n%d/%d tasks merged\n", completed, total)

	failures := tracker.Snapshot()
	if len(failures) == 0 {
		fmt.Println("no failed tasks")
		return
	}

	fmt.Printf("%d failed task(s):\n", len(failures))
	for _, f := range failures {
		fmt.Printf("  - %s (%s): %s\n", f.Title, f.Phase, f.Reason)
	}
}

// failureTracker fills the gap between the completion reporter, which only
// tracks successes by title, and the CLI's duty to report failed task
// titles and reasons: it keeps its own id-to-title map seeded from the
// plan and accumulates every TaskFailed event it sees.
type failureTracker struct {
	mu     sync.Mutex
	titles map[string]string
	order  []string
	byID   map[string]failureRecord
}

type failureRecord struct {
	Title  string
	Phase  string
	Reason string
}

func newFailureTracker(tasks []*task.Task) *failureTracker {
	titles := make(map[string]string, len(tasks))
	for _, t := range tasks {
		titles[t.ID] = t.Title
	}
	return &failureTracker{titles: titles, byID: make(map[string]failureRecord)}
}

func (f *failureTracker) Subscribe(bus *events.Bus) *events.Registration {
	return bus.Subscribe(events.KindTaskFailed, func(ev events.Event) {
		tf, ok := ev.(events.TaskFailed)
		if !ok {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()

		title := f.titles[tf.TaskID()]
		if title == "" {
			title = tf.TaskID()
		}
		if _, seen := f.byID[tf.TaskID()]; !seen {
			f.order = append(f.order, tf.TaskID())
		}
		f.byID[tf.TaskID()] = failureRecord{
			Title:  title,
			Phase:  string(tf.Phase),
			Reason: tf.Reason,
		}
	})
}

func (f *failureTracker) Snapshot() []failureRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]failureRecord, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.byID[id])
	}
	return out
}
