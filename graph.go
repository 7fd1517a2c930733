package lumen

import (
	"fmt"
	"sync"
)

// Graph is the editable node topology: a DAG of VideoNodes with slotted
// edges. Each node exposes numbered input slots; at most one edge feeds a
// slot, and unconnected slots paint as the null texture.
//
// Graph methods are safe for concurrent use from the editing context; the
// render loop only consumes immutable Plans.
type Graph struct {
	mu    sync.Mutex
	nodes map[VideoNode]bool
	// edges[to][slot] = from
	edges map[VideoNode]map[int]VideoNode
	root  VideoNode

	// onAdd lets the owning render context attach its chains to nodes that
	// join the graph after the chains were created.
	onAdd func(VideoNode)
}

// PlanStep is one node paint in a frame plan together with the plan indices
// of the steps feeding its input slots. An input index of -1 means the slot
// is unconnected.
type PlanStep struct {
	Node   VideoNode
	Inputs []int
}

// Plan is a topologically ordered frame schedule. Root is the index of the
// root node's step, or -1 when no root is set.
type Plan struct {
	Steps []PlanStep
	Root  int
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[VideoNode]bool),
		edges: make(map[VideoNode]map[int]VideoNode),
	}
}

// AddNode inserts a node. Adding a node twice is a no-op.
func (g *Graph) AddNode(n VideoNode) {
	g.mu.Lock()
	if g.nodes[n] {
		g.mu.Unlock()
		return
	}
	g.nodes[n] = true
	onAdd := g.onAdd
	g.mu.Unlock()
	if onAdd != nil {
		onAdd(n)
	}
}

// RemoveNode deletes a node and every edge touching it. Removing the root
// clears the root.
func (g *Graph) RemoveNode(n VideoNode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.nodes[n] {
		return
	}
	delete(g.nodes, n)
	delete(g.edges, n)
	for to, slots := range g.edges {
		for slot, from := range slots {
			if from == n {
				delete(slots, slot)
			}
		}
		if len(slots) == 0 {
			delete(g.edges, to)
		}
	}
	if g.root == n {
		g.root = nil
	}
}

// AddEdge connects from's output to input slot toInput of to, replacing any
// existing edge into that slot. Both nodes must already be in the graph, and
// the edge must not create a cycle.
func (g *Graph) AddEdge(from, to VideoNode, toInput int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.nodes[from] || !g.nodes[to] {
		return fmt.Errorf("%w: edge endpoints must be graph members", ErrGraphUsage)
	}
	if toInput < 0 {
		return fmt.Errorf("%w: negative input slot %d", ErrGraphUsage, toInput)
	}
	if g.edges[to] == nil {
		g.edges[to] = make(map[int]VideoNode)
	}
	prev, had := g.edges[to][toInput]
	g.edges[to][toInput] = from
	if g.wouldCycleLocked() {
		if had {
			g.edges[to][toInput] = prev
		} else {
			delete(g.edges[to], toInput)
		}
		return fmt.Errorf("%w: %s -> %s", ErrGraphCycle, from.Name(), to.Name())
	}
	return nil
}

// RemoveEdge disconnects input slot toInput of to.
func (g *Graph) RemoveEdge(to VideoNode, toInput int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if slots, ok := g.edges[to]; ok {
		delete(slots, toInput)
		if len(slots) == 0 {
			delete(g.edges, to)
		}
	}
}

// SetRoot marks the node whose output is the graph's output. The root must
// be a graph member, or nil to clear.
func (g *Graph) SetRoot(n VideoNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n != nil && !g.nodes[n] {
		return fmt.Errorf("%w: root must be a graph member", ErrGraphUsage)
	}
	g.root = n
	return nil
}

// Root returns the current root node, or nil.
func (g *Graph) Root() VideoNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.root
}

// Nodes returns a snapshot of the graph's members.
func (g *Graph) Nodes() []VideoNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]VideoNode, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// wouldCycleLocked reports whether the current edge set contains a cycle.
// Caller must hold mu.
func (g *Graph) wouldCycleLocked() bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[VideoNode]int, len(g.nodes))
	var visit func(VideoNode) bool
	visit = func(n VideoNode) bool {
		switch state[n] {
		case visiting:
			return true
		case done:
			return false
		}
		state[n] = visiting
		for _, from := range g.edges[n] {
			if visit(from) {
				return true
			}
		}
		state[n] = done
		return false
	}
	for n := range g.nodes {
		if visit(n) {
			return true
		}
	}
	return false
}

// Plan computes the frame schedule: every node in dependency order, with
// per-slot plan indices resolved. Nodes whose InputCount exceeds their wired
// slots get -1 entries for the missing inputs; edges into slots at or above
// InputCount are ignored for the frame.
func (g *Graph) Plan() (*Plan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.wouldCycleLocked() {
		return nil, ErrGraphCycle
	}

	index := make(map[VideoNode]int, len(g.nodes))
	plan := &Plan{Root: -1}

	var visit func(VideoNode) int
	visit = func(n VideoNode) int {
		if i, ok := index[n]; ok {
			return i
		}
		// Reserve after children so indices come out topologically ordered.
		count := n.InputCount()
		inputs := make([]int, count)
		for slot := 0; slot < count; slot++ {
			inputs[slot] = -1
			if from, ok := g.edges[n][slot]; ok {
				inputs[slot] = visit(from)
			}
		}
		i := len(plan.Steps)
		plan.Steps = append(plan.Steps, PlanStep{Node: n, Inputs: inputs})
		index[n] = i
		return i
	}
	for n := range g.nodes {
		visit(n)
	}
	if g.root != nil {
		plan.Root = index[g.root]
	}
	return plan, nil
}
