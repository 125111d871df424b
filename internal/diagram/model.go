// Package diagram renders workflow graphs as Mermaid flowcharts and
// Graphviz images, optionally overlaid with the statuses of a run.
package diagram

// NodeKind classifies a diagram node by the family of its state type.
type NodeKind string

const (
	NodeKindDelegated NodeKind = "delegated"
	NodeKindFanOut    NodeKind = "fanout"
	NodeKindGate      NodeKind = "gate"
	NodeKindPause     NodeKind = "pause"
	NodeKindRollback  NodeKind = "rollback"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single state in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // fan-out children of a run
}

// SubGraph holds the child instances a fan-out state spawned.
type SubGraph struct {
	Label string
	Nodes []*Node
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // schema.ExecutionStatus
	DurationMs int64
	Error      string
}

// EdgeStyle distinguishes transitions from fan-out references.
type EdgeStyle string

const (
	EdgeSolid  EdgeStyle = "solid"
	EdgeDashed EdgeStyle = "dashed"
)

// Edge represents a link between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Style EdgeStyle
}
