package states

import (
	"slices"

	"github.com/rendis/cdflow/pkg/schema"
)

// Graph is a compiled workflow: states by name plus success and failure
// transitions. It is immutable after Compile.
type Graph struct {
	name    string
	initial string
	states  map[string]State
	order   []string
	success map[string]string
	failure map[string]string
	// Sorted is a topological order over transitions and fan-out references.
	Sorted []string
}

// Compile builds every state of def, binds fan-out references and checks the
// transition graph. Cycles are rejected.
func Compile(def *schema.WorkflowDefinition, f *Factory) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.States) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no states")
	}

	g := &Graph{
		name:    def.Name,
		states:  make(map[string]State, len(def.States)),
		order:   make([]string, 0, len(def.States)),
		success: make(map[string]string),
		failure: make(map[string]string),
	}

	// First pass: build states and reject duplicates.
	for _, sd := range def.States {
		if _, exists := g.states[sd.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate state name: %s", sd.Name)
		}
		st, err := f.Build(sd)
		if err != nil {
			return nil, err
		}
		g.states[sd.Name] = st
		g.order = append(g.order, sd.Name)
	}

	g.initial = def.InitialState
	if g.initial == "" {
		g.initial = g.order[0]
	}
	if _, ok := g.states[g.initial]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "initial state %q does not exist", g.initial)
	}

	// Second pass: transitions.
	edges := make(map[string][]string, len(g.states))
	for _, t := range def.Transitions {
		if _, ok := g.states[t.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "transition from unknown state %q", t.From)
		}
		if _, ok := g.states[t.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "transition from %s to unknown state %q", t.From, t.To)
		}
		if t.From == t.To {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "state %s transitions to itself", t.From)
		}
		var table map[string]string
		switch t.Type {
		case schema.TransitionSuccess, "":
			table = g.success
		case schema.TransitionFailure:
			table = g.failure
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "transition %s -> %s has unknown type %q", t.From, t.To, t.Type)
		}
		if prev, dup := table[t.From]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"state %s has two %s transitions (%s, %s)", t.From, transitionLabel(t.Type), prev, t.To)
		}
		table[t.From] = t.To
		edges[t.From] = append(edges[t.From], t.To)
	}

	// Third pass: fan-out references.
	for _, name := range g.order {
		b, ok := g.states[name].(binder)
		if !ok {
			continue
		}
		if err := b.bind(g); err != nil {
			return nil, err
		}
		edges[name] = append(edges[name], b.references()...)
	}

	sorted, err := topoSort(g.order, edges)
	if err != nil {
		return nil, err
	}
	g.Sorted = sorted
	return g, nil
}

// topoSort orders nodes with Kahn's algorithm and fails on a cycle.
func topoSort(nodes []string, edges map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n] += 0
		for _, to := range edges[n] {
			inDegree[to]++
		}
	}

	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		next := slices.Clone(edges[node])
		slices.Sort(next)
		for _, to := range next {
			inDegree[to]--
			if inDegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(sorted) != len(nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}
	return sorted, nil
}

func transitionLabel(t schema.TransitionType) string {
	if t == "" {
		return string(schema.TransitionSuccess)
	}
	return string(t)
}

// Name of the workflow.
func (g *Graph) Name() string { return g.name }

// InitialState is where a new execution starts.
func (g *Graph) InitialState() State { return g.states[g.initial] }

// State looks a state up by name.
func (g *Graph) State(name string) (State, bool) {
	st, ok := g.states[name]
	return st, ok
}

// States returns every state in definition order.
func (g *Graph) States() []State {
	out := make([]State, len(g.order))
	for i, n := range g.order {
		out[i] = g.states[n]
	}
	return out
}

// Next returns the state to run after name finished with status. Positive
// statuses follow the success transition, every other terminal status the
// failure transition. ok is false at the end of the workflow.
func (g *Graph) Next(name string, status schema.ExecutionStatus) (State, bool) {
	table := g.failure
	if status.IsPositive() {
		table = g.success
	}
	to, ok := table[name]
	if !ok {
		return nil, false
	}
	return g.states[to], true
}

// Reachable reports the states reachable from the initial state through
// transitions and fan-out references.
func (g *Graph) Reachable() map[string]bool {
	seen := map[string]bool{g.initial: true}
	stack := []string{g.initial}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		next := []string{}
		if to, ok := g.success[n]; ok {
			next = append(next, to)
		}
		if to, ok := g.failure[n]; ok {
			next = append(next, to)
		}
		if b, ok := g.states[n].(binder); ok {
			next = append(next, b.references()...)
		}
		for _, to := range next {
			if !seen[to] {
				seen[to] = true
				stack = append(stack, to)
			}
		}
	}
	return seen
}

// EdgeKind labels an Edge.
type EdgeKind string

const (
	EdgeSuccess EdgeKind = "SUCCESS"
	EdgeFailure EdgeKind = "FAILURE"
	EdgeFanOut  EdgeKind = "FANOUT"
)

// Edge is a directed link between two states of a Graph.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// InitialName is the name of the initial state.
func (g *Graph) InitialName() string { return g.initial }

// Edges lists transitions and fan-out references in definition order.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, n := range g.order {
		if b, ok := g.states[n].(binder); ok {
			for _, ref := range b.references() {
				out = append(out, Edge{From: n, To: ref, Kind: EdgeFanOut})
			}
		}
		if to, ok := g.success[n]; ok {
			out = append(out, Edge{From: n, To: to, Kind: EdgeSuccess})
		}
		if to, ok := g.failure[n]; ok {
			out = append(out, Edge{From: n, To: to, Kind: EdgeFailure})
		}
	}
	return out
}
