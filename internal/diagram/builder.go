package diagram

import (
	"fmt"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/states"
	"github.com/rendis/cdflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build compiles def through factory and maps it to a DiagramModel.
// Instances, when given, overlay the latest status of each state; fan-out
// children are grouped under their parent's node.
func Build(def *schema.WorkflowDefinition, factory *states.Factory, instances []*execution.Instance) (*DiagramModel, error) {
	g, err := states.Compile(def, factory)
	if err != nil {
		return nil, fmt.Errorf("diagram: compile: %w", err)
	}

	top, children := indexInstances(instances)
	edges := g.Edges()

	fanOutTargets := make(map[string]bool)
	hasExit := make(map[string]bool)
	for _, e := range edges {
		if e.Kind == states.EdgeFanOut {
			fanOutTargets[e.To] = true
			continue
		}
		hasExit[e.From] = true
	}

	model := &DiagramModel{Title: titleFromDef(def)}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, st := range g.States() {
		node := &Node{
			ID:    st.Name(),
			Label: fmt.Sprintf("%s\n(%s)", st.Name(), st.Type()),
			Kind:  stateTypeToKind(st.Type()),
		}
		if inst, ok := top[st.Name()]; ok {
			node.Status = overlay(inst)
			if kids := children[inst.ID]; len(kids) > 0 {
				node.Children = []*SubGraph{childGraph(node.ID, kids)}
			}
		}
		model.Nodes = append(model.Nodes, node)
	}
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	model.Edges = append(model.Edges, Edge{From: startID, To: g.InitialName(), Style: EdgeSolid})
	for _, e := range edges {
		model.Edges = append(model.Edges, toEdge(e))
	}
	for _, st := range g.States() {
		if !hasExit[st.Name()] && !fanOutTargets[st.Name()] {
			model.Edges = append(model.Edges, Edge{From: st.Name(), To: endID, Style: EdgeSolid})
		}
	}
	return model, nil
}

// indexInstances keeps the newest top-level instance per state name and
// groups fan-out children by parent id.
func indexInstances(instances []*execution.Instance) (map[string]*execution.Instance, map[string][]*execution.Instance) {
	top := make(map[string]*execution.Instance)
	children := make(map[string][]*execution.Instance)
	for _, inst := range instances {
		if inst.ParentInstanceID != "" {
			children[inst.ParentInstanceID] = append(children[inst.ParentInstanceID], inst)
			continue
		}
		if prev, ok := top[inst.StateName]; ok && prev.CreatedAt.After(inst.CreatedAt) {
			continue
		}
		top[inst.StateName] = inst
	}
	return top, children
}

func childGraph(parentID string, kids []*execution.Instance) *SubGraph {
	sg := &SubGraph{Label: "children"}
	for _, kid := range kids {
		sg.Nodes = append(sg.Nodes, &Node{
			ID:     parentID + "." + kid.DisplayName,
			Label:  kid.DisplayName,
			Kind:   stateTypeToKind(kid.StateType),
			Status: overlay(kid),
		})
	}
	return sg
}

func overlay(inst *execution.Instance) *StatusOverlay {
	o := &StatusOverlay{Status: string(inst.Status), Error: inst.ErrorMessage}
	if inst.StartedAt != nil && inst.EndedAt != nil {
		o.DurationMs = inst.EndedAt.Sub(*inst.StartedAt).Milliseconds()
	}
	return o
}

func toEdge(e states.Edge) Edge {
	switch e.Kind {
	case states.EdgeFailure:
		return Edge{From: e.From, To: e.To, Label: "failure", Style: EdgeSolid}
	case states.EdgeFanOut:
		return Edge{From: e.From, To: e.To, Label: "fan-out", Style: EdgeDashed}
	default:
		return Edge{From: e.From, To: e.To, Style: EdgeSolid}
	}
}

// stateTypeToKind groups state types by how they behave in a run.
func stateTypeToKind(t schema.StateType) NodeKind {
	switch t {
	case schema.StateTypeFork, schema.StateTypeRepeat, schema.StateTypeEnvLoop, schema.StateTypeArtifactCollectLoop:
		return NodeKindFanOut
	case schema.StateTypeResourceConstraint:
		return NodeKindGate
	case schema.StateTypePause:
		return NodeKindPause
	case schema.StateTypeEnvRollbackState, schema.StateTypeHelmRollback,
		schema.StateTypeAwsAmiRollbackSwitchRoutes, schema.StateTypeEcsBGRollbackRoute53DNSWeight:
		return NodeKindRollback
	default:
		return NodeKindDelegated
	}
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return "Workflow"
}
