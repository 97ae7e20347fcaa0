// Package depgraph holds the task dependency graph: lifecycle state per
// task, readiness, cycle detection, and cascade failure.
package depgraph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/kugutsu/pipeline/internal/task"
)

// StatusSummary is a point-in-time count of tasks per lifecycle state.
type StatusSummary struct {
	Waiting   int
	Ready     int
	Running   int
	Developed int
	Merging   int
	Merged    int
	Failed    int
}

// DependencyStatus answers "why isn't this task ready yet".
type DependencyStatus struct {
	BlockedBy  []string // deps that are FAILED
	WaitingFor []string // deps that are neither MERGED nor FAILED
	ReadyNow   bool
}

type node struct {
	t      *task.Task
	state  task.State
	reason string // set when state == Failed, for cascade provenance
}

// Graph holds the dependency DAG and per-task lifecycle state. It is the
// sole owner of task state transitions; the Task value itself carries no
// state.
type Graph struct {
	mu         sync.RWMutex
	order      []string // insertion order, for deterministic ready-set iteration
	nodes      map[string]*node
	dependents map[string][]string // taskID -> tasks that depend on it
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*node),
		dependents: make(map[string][]string),
	}
}

// Build sets every task to Waiting, resolves each dependency reference (a
// task id, or failing that a task title) to a task id, and rejects unknown
// references. It does not itself detect cycles; call DetectCycles
// (or Validate) afterward and abort on any nonempty result, per spec.md's
// "cycles are reported up at initialization and abort the run."
func (g *Graph) Build(tasks []*task.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idByTitle := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if _, exists := g.nodes[t.ID]; exists {
			return fmt.Errorf("depgraph: duplicate task id %q", t.ID)
		}
		g.nodes[t.ID] = &node{t: t.Clone(), state: task.Waiting}
		g.order = append(g.order, t.ID)
		if t.Title != "" {
			idByTitle[t.Title] = t.ID
		}
	}

	for _, t := range tasks {
		n := g.nodes[t.ID]
		for i, depID := range n.t.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				id, ok := idByTitle[depID]
				if !ok {
					return fmt.Errorf("depgraph: task %q depends on unknown task %q", t.ID, depID)
				}
				depID = id
				n.t.DependsOn[i] = id
			}
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	return nil
}

// Validate runs a topological sort over the graph, returning an error if a
// cycle is found or the sorted order does not account for every task. It is grounded in the same
// gammazero/toposort usage the teacher's dag.go Validate makes.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	for id, n := range g.nodes {
		if len(n.t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range n.t.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("depgraph: cycle detected: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("depgraph: topological sort lost %d of %d tasks", len(g.nodes)-len(order), len(g.nodes))
	}
	return order, nil
}

// DetectCycles returns cycles in the graph, each as a sequence of task ids
// starting and ending on the same id (e.g. [A, B, A]). It records one cycle
// per back edge met by a depth-first search, so where cycles share tasks not
// every simple cycle is listed. An empty result means the graph is acyclic. toposort.Toposort only reports *that* a cycle
// exists, not its members, so cycle enumeration is a direct DFS here: no
// library in the retrieval pack exposes cycle membership, so this one piece
// is standard-library-only by necessity (see DESIGN.md).
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		color[id] = white
	}

	var cycles [][]string
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		for _, depID := range g.nodes[id].t.DependsOn {
			switch color[depID] {
			case white:
				visit(depID)
			case gray:
				// Found a back edge depID -> ... -> id -> depID. Extract the
				// cycle portion of the stack starting at depID.
				start := indexOf(stack, depID)
				cycle := append([]string(nil), stack[start:]...)
				cycle = append(cycle, depID)
				cycles = append(cycles, cycle)
			case black:
				// already fully explored, no new cycle through here
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}

	return cycles
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// isResolved reports whether a dependency is satisfied: MERGED is the only
// resolving state (spec.md has no soft-fail mode for this pipeline's
// failure semantics — a FAILED dependency blocks forever and cascades).
func isResolved(n *node) bool {
	return n.state == task.Merged
}

// Ready returns WAITING tasks whose dependencies are all MERGED, in
// deterministic insertion order.
func (g *Graph) Ready() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*task.Task
	for _, id := range g.order {
		n := g.nodes[id]
		if n.state != task.Waiting {
			continue
		}
		if g.allDepsResolved(n) {
			ready = append(ready, n.t.Clone())
		}
	}
	return ready
}

func (g *Graph) allDepsResolved(n *node) bool {
	for _, depID := range n.t.DependsOn {
		dep, ok := g.nodes[depID]
		if !ok || !isResolved(dep) {
			return false
		}
	}
	return true
}

// DependencyStatusOf reports why a task is or isn't ready.
func (g *Graph) DependencyStatusOf(id string) (DependencyStatus, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return DependencyStatus{}, fmt.Errorf("depgraph: unknown task %q", id)
	}

	var status DependencyStatus
	status.ReadyNow = true
	for _, depID := range n.t.DependsOn {
		dep, ok := g.nodes[depID]
		if !ok {
			continue
		}
		switch dep.state {
		case task.Merged:
			// resolved
		case task.Failed:
			status.BlockedBy = append(status.BlockedBy, depID)
			status.ReadyNow = false
		default:
			status.WaitingFor = append(status.WaitingFor, depID)
			status.ReadyNow = false
		}
	}
	return status, nil
}

// Get returns a clone of the task and its current state.
func (g *Graph) Get(id string) (*task.Task, task.State, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, task.Waiting, false
	}
	return n.t.Clone(), n.state, true
}

// MarkRunning transitions READY -> RUNNING. Idempotent from RUNNING.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("depgraph: unknown task %q", id)
	}
	if n.state == task.Running {
		return nil
	}
	n.state = task.Running
	return nil
}

// MarkDeveloped transitions RUNNING -> DEVELOPED.
func (g *Graph) MarkDeveloped(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("depgraph: unknown task %q", id)
	}
	n.state = task.Developed
	return nil
}

// MarkMerging transitions DEVELOPED -> MERGING.
func (g *Graph) MarkMerging(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("depgraph: unknown task %q", id)
	}
	n.state = task.Merging
	return nil
}

// MarkMerged transitions MERGING -> MERGED and returns the dependents newly
// promoted to READY as a result (deterministic order).
func (g *Graph) MarkMerged(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("depgraph: unknown task %q", id)
	}
	n.state = task.Merged

	var newlyReady []string
	candidates := append([]string(nil), g.dependents[id]...)
	sort.Strings(candidates) // deterministic even though map iteration isn't
	for _, depID := range candidates {
		dn, ok := g.nodes[depID]
		if !ok || dn.state != task.Waiting {
			continue
		}
		if g.allDepsResolved(dn) {
			newlyReady = append(newlyReady, depID)
		}
	}
	return newlyReady, nil
}

// MarkFailed transitions any state to FAILED and cascades: every transitive
// dependent is also marked FAILED, breadth-first, and returned (not
// including id itself).
func (g *Graph) MarkFailed(id string, reason string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("depgraph: unknown task %q", id)
	}
	n.state = task.Failed
	n.reason = reason

	var cascaded []string
	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)

	for len(queue) > 0 {
		depID := queue[0]
		queue = queue[1:]
		if seen[depID] {
			continue
		}
		seen[depID] = true

		dn, ok := g.nodes[depID]
		if !ok || dn.state == task.Failed {
			continue
		}
		dn.state = task.Failed
		dn.reason = fmt.Sprintf("upstream task %q failed", id)
		cascaded = append(cascaded, depID)
		queue = append(queue, g.dependents[depID]...)
	}

	return cascaded, nil
}

// FailureReason returns the reason a task was marked failed, if any.
func (g *Graph) FailureReason(id string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.reason
	}
	return ""
}

// Tasks returns every task currently in the graph.
func (g *Graph) Tasks() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*task.Task, 0, len(g.nodes))
	for _, id := range g.order {
		out = append(out, g.nodes[id].t.Clone())
	}
	return out
}

// StatusSummary returns counts of tasks per lifecycle state.
func (g *Graph) StatusSummary() StatusSummary {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var s StatusSummary
	for _, n := range g.nodes {
		switch n.state {
		case task.Waiting:
			s.Waiting++
		case task.Ready:
			s.Ready++
		case task.Running:
			s.Running++
		case task.Developed:
			s.Developed++
		case task.Merging:
			s.Merging++
		case task.Merged:
			s.Merged++
		case task.Failed:
			s.Failed++
		}
	}
	return s
}

// Outstanding reports whether any task is still in a non-terminal state
// (WAITING, READY, RUNNING, DEVELOPED, or MERGING).
func (g *Graph) Outstanding() bool {
	s := g.StatusSummary()
	return s.Waiting+s.Ready+s.Running+s.Developed+s.Merging > 0
}
