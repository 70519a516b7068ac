// Package executor runs the action DAG with a bounded worker pool. Each
// action goes through the same pipeline: compute its hash key, check the
// run-record store, consult the stash cache, and only then spawn processes.
// A failing action never stops its independent siblings; only its dependents
// are skipped, unless fail-fast is requested.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anvil-build/anvil/internal/buildgraph"
	"github.com/anvil-build/anvil/internal/ctxlog"
	"github.com/anvil-build/anvil/internal/stash"
	"github.com/anvil-build/anvil/internal/state"
)

// nodeState is the lifecycle of a scheduled action.
type nodeState int32

const (
	statePending nodeState = iota
	stateRunning
	stateSucceeded
	stateCached
	stateUpToDate
	stateFailed
	stateSkipped
)

// errSkipped marks nodes that never ran because something upstream failed.
// It is a symptom, not a root cause.
var errSkipped = errors.New("skipped")

// node wraps an action with the scheduler's bookkeeping.
type node struct {
	action     *buildgraph.Action
	deps       []*node
	dependents []*node

	// depCount is the number of unmet dependencies; the node becomes ready
	// when it reaches zero.
	depCount atomic.Int32
	// state is managed atomically so the summary pass can read it without
	// coordinating with workers.
	state atomic.Int32
	// skipOnce ensures a node is marked skipped and counted exactly once.
	skipOnce sync.Once

	err error
}

func (n *node) setState(s nodeState) { n.state.Store(int32(s)) }
func (n *node) getState() nodeState  { return nodeState(n.state.Load()) }

// Options configures an engine run.
type Options struct {
	// Workers bounds concurrent action execution. Must be at least 1.
	Workers int

	// FailFast cancels pending work on the first failure instead of letting
	// independent subgraphs finish.
	FailFast bool

	// Download and Upload gate the two directions of stash traffic.
	Download bool
	Upload   bool

	// Verbose emits buffered command output even when the command succeeds.
	Verbose bool
}

// Engine executes action graphs.
type Engine struct {
	graph *buildgraph.ActionGraph
	store *state.Store
	cache stash.Backend
	opts  Options

	// stdout and stderr receive unbuffered command output.
	stdout io.Writer
	stderr io.Writer

	// failOnce latches the chronologically first real failure; its exit code
	// becomes the build's exit code.
	failOnce     sync.Once
	firstFailure error
}

// New builds an engine. cache may be nil when no stash is configured.
func New(graph *buildgraph.ActionGraph, store *state.Store, cache stash.Backend, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Engine{
		graph:  graph,
		store:  store,
		cache:  cache,
		opts:   opts,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// SetOutput redirects unbuffered command output, primarily for tests.
func (e *Engine) SetOutput(stdout, stderr io.Writer) {
	e.stdout = stdout
	e.stderr = stderr
}

// Summary counts how each scheduled action ended.
type Summary struct {
	Executed int // ran its commands
	Cached   int // restored from a stash
	UpToDate int // clean per the run-record store, nothing done
	Failed   int
	Skipped  int // not run because an upstream action failed
}

// Run executes the requested actions and everything they depend on. A nil
// request runs the whole graph. The returned error, if any, wraps the root
// cause of the first real failure.
func (e *Engine) Run(ctx context.Context, requested []*buildgraph.Action) (Summary, error) {
	logger := ctxlog.FromContext(ctx)

	closure := e.graph.Closure(requested)
	nodes := buildNodes(closure)

	readyChan := make(chan *node, len(nodes))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rootCount := 0
	for _, n := range nodes {
		if n.depCount.Load() == 0 {
			readyChan <- n
			rootCount++
		}
	}
	logger.Debug("Scheduler initialized.", "actions", len(nodes), "roots", rootCount)

	var wg sync.WaitGroup
	wg.Add(len(nodes))

	logger.Debug("Starting worker pool.", "workers", e.opts.Workers)
	for i := 0; i < e.opts.Workers; i++ {
		go e.worker(runCtx, readyChan, cancel, &wg, i)
	}

	wg.Wait()
	close(readyChan)

	var summary Summary
	var failed []string
	for _, n := range nodes {
		switch n.getState() {
		case stateSucceeded:
			summary.Executed++
		case stateCached:
			summary.Cached++
		case stateUpToDate:
			summary.UpToDate++
		case stateSkipped:
			summary.Skipped++
		case stateFailed:
			summary.Failed++
			if n.err != nil && !errors.Is(n.err, errSkipped) && !errors.Is(n.err, context.Canceled) {
				failed = append(failed, n.action.LongName())
			}
		}
	}

	if e.firstFailure != nil {
		sort.Strings(failed)
		return summary, fmt.Errorf("execution failed for %s: %w", strings.Join(failed, ", "), e.firstFailure)
	}
	if summary.Failed > 0 {
		// Everything that failed was cancelled, not broken.
		return summary, ctx.Err()
	}
	return summary, nil
}

// worker is the processing loop of one pool slot.
func (e *Engine) worker(ctx context.Context, readyChan chan *node, cancel context.CancelFunc, wg *sync.WaitGroup, workerID int) {
	logger := ctxlog.FromContext(ctx)

	for n := range readyChan {
		workerLogger := logger.With("workerID", workerID, "action", n.action.LongName())

		if ctx.Err() != nil {
			n.skipOnce.Do(func() {
				workerLogger.Debug("Context canceled, not starting action.")
				n.setState(stateFailed)
				n.err = ctx.Err()
				// Dependents will never become ready; account for them too or
				// Run blocks on its wait group.
				e.skipDependents(ctx, n, wg)
				wg.Done()
			})
			continue
		}

		n.setState(stateRunning)
		outcome, err := e.execute(ctx, n.action)
		if err != nil {
			workerLogger.Error("Action failed.", "error", err)
			n.setState(stateFailed)
			n.err = err
			e.failOnce.Do(func() { e.firstFailure = err })
			if e.opts.FailFast {
				cancel()
			}
			e.skipDependents(ctx, n, wg)
			wg.Done()
			continue
		}

		n.setState(outcome)
		for _, dependent := range n.dependents {
			if dependent.depCount.Add(-1) == 0 {
				readyChan <- dependent
			}
		}
		wg.Done()
	}
}

// skipDependents marks everything downstream of a failed node as skipped.
func (e *Engine) skipDependents(ctx context.Context, n *node, wg *sync.WaitGroup) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range n.dependents {
		dependent.skipOnce.Do(func() {
			logger.Warn("Skipping action due to upstream failure.",
				"action", dependent.action.LongName(), "failed", n.action.LongName())
			dependent.setState(stateSkipped)
			dependent.err = fmt.Errorf("%w due to failure of %s", errSkipped, n.action.LongName())
			wg.Done()
			e.skipDependents(ctx, dependent, wg)
		})
	}
}

// buildNodes wraps the closure's actions and wires edges restricted to the
// closure. Dependency counters are seeded here.
func buildNodes(closure map[string]*buildgraph.Action) map[string]*node {
	nodes := make(map[string]*node, len(closure))
	for name, a := range closure {
		nodes[name] = &node{action: a}
	}
	for name, n := range nodes {
		for _, dep := range closure[name].Deps() {
			depNode, ok := nodes[dep.LongName()]
			if !ok {
				continue
			}
			n.deps = append(n.deps, depNode)
			depNode.dependents = append(depNode.dependents, n)
		}
		n.depCount.Store(int32(len(n.deps)))
	}
	return nodes
}
