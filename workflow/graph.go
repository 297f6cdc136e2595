package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// NodeFunc executes a single step of a workflow. It receives the state produced by the previous
// node and returns the state for the next one.
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// Predicate decides whether a conditional edge is taken. It must not have side effects.
type Predicate[S any] func(state S) bool

// MergeFunc folds the signal that resumed a suspend node into the workflow state.
type MergeFunc[S any] func(state S, signal Signal) (S, error)

// FailureHook is called at most once when an instance fails.
type FailureHook[S any] func(ctx context.Context, state S, err error) error

type NodeKind int

const (
	NodeKindTask NodeKind = iota
	NodeKindSuspend
	NodeKindTerminal
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindTask:
		return "task"
	case NodeKindSuspend:
		return "suspend"
	case NodeKindTerminal:
		return "terminal"
	}

	return fmt.Sprintf("NodeKind(%d)", int(k))
}

type Edge[S any] struct {
	Name string
	To   string

	// When is nil for unconditional edges
	When Predicate[S]
}

type Node[S any] struct {
	Name string
	Kind NodeKind

	// Fn is nil for suspend nodes and optional for terminal nodes
	Fn NodeFunc[S]

	// Decisions is the vocabulary accepted by a suspend node
	Decisions []string

	// Routes maps every decision of a suspend node to the node to continue with
	Routes map[string]string

	Merge MergeFunc[S]

	// ChannelMessage returns the id of the message on the external channel a decision for a suspend
	// node is expected on. Optional.
	ChannelMessage func(state S) string

	edges []Edge[S]
}

// Suspend describes a suspend node.
type Suspend[S any] struct {
	Decisions      []string
	Routes         map[string]string
	Merge          MergeFunc[S]
	ChannelMessage func(state S) string
}

// Builder assembles a graph. Errors are collected and reported by Build.
type Builder[S any] struct {
	name      string
	entry     string
	nodes     map[string]*Node[S]
	order     []string
	onFailure FailureHook[S]
	errs      []error
}

func NewGraph[S any](name string) *Builder[S] {
	return &Builder[S]{
		name:  name,
		nodes: make(map[string]*Node[S]),
	}
}

// Node adds a task node. The first node added is the entry node unless Entry is called.
func (b *Builder[S]) Node(name string, fn NodeFunc[S]) *Builder[S] {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("node %q: missing node function", name))
	}

	return b.add(&Node[S]{Name: name, Kind: NodeKindTask, Fn: fn})
}

// Suspend adds a suspend node. Execution pauses when the node is reached and continues with the
// route of the decision the instance is resumed with.
func (b *Builder[S]) Suspend(name string, s Suspend[S]) *Builder[S] {
	routes := make(map[string]string, len(s.Routes))
	for decision, to := range s.Routes {
		routes[decision] = to
	}

	return b.add(&Node[S]{
		Name:           name,
		Kind:           NodeKindSuspend,
		Decisions:      slices.Clone(s.Decisions),
		Routes:         routes,
		Merge:          s.Merge,
		ChannelMessage: s.ChannelMessage,
	})
}

// Terminal adds a terminal node. fn may be nil.
func (b *Builder[S]) Terminal(name string, fn NodeFunc[S]) *Builder[S] {
	return b.add(&Node[S]{Name: name, Kind: NodeKindTerminal, Fn: fn})
}

func (b *Builder[S]) Entry(name string) *Builder[S] {
	b.entry = name
	return b
}

// Edge adds an unconditional edge.
func (b *Builder[S]) Edge(from, to string) *Builder[S] {
	return b.edge(from, Edge[S]{Name: from + "->" + to, To: to})
}

// ConditionalEdge adds an edge that is only taken if when returns true. Edges are evaluated in the
// order they were added.
func (b *Builder[S]) ConditionalEdge(from, to, name string, when Predicate[S]) *Builder[S] {
	if when == nil {
		b.errs = append(b.errs, fmt.Errorf("edge %q: missing predicate", name))
	}

	return b.edge(from, Edge[S]{Name: name, To: to, When: when})
}

func (b *Builder[S]) OnFailure(hook FailureHook[S]) *Builder[S] {
	b.onFailure = hook
	return b
}

func (b *Builder[S]) add(n *Node[S]) *Builder[S] {
	if _, ok := b.nodes[n.Name]; ok {
		b.errs = append(b.errs, fmt.Errorf("node %q: declared twice", n.Name))
		return b
	}

	if b.entry == "" {
		b.entry = n.Name
	}

	b.nodes[n.Name] = n
	b.order = append(b.order, n.Name)

	return b
}

func (b *Builder[S]) edge(from string, e Edge[S]) *Builder[S] {
	n, ok := b.nodes[from]
	if !ok {
		b.errs = append(b.errs, fmt.Errorf("edge %q: unknown source node %q", e.Name, from))
		return b
	}

	n.edges = append(n.edges, e)

	return b
}

// Build validates the graph. Suspend nodes that do not route every declared decision, and routes
// for undeclared decisions, result in a RoutingError.
func (b *Builder[S]) Build() (*Graph[S], error) {
	errs := slices.Clone(b.errs)

	if _, ok := b.nodes[b.entry]; !ok {
		errs = append(errs, fmt.Errorf("graph %q: unknown entry node %q", b.name, b.entry))
	}

	terminals := 0
	for _, name := range b.order {
		n := b.nodes[name]

		for _, e := range n.edges {
			if _, ok := b.nodes[e.To]; !ok {
				errs = append(errs, fmt.Errorf("edge %q: unknown target node %q", e.Name, e.To))
			}
		}

		switch n.Kind {
		case NodeKindTerminal:
			terminals++
			if len(n.edges) > 0 {
				errs = append(errs, fmt.Errorf("terminal node %q: must not have outgoing edges", name))
			}

		case NodeKindTask:
			if len(n.edges) == 0 {
				errs = append(errs, &RoutingError{Graph: b.name, Node: name, Reason: "no outgoing edge"})
			}

		case NodeKindSuspend:
			errs = append(errs, b.validateSuspend(n)...)
		}
	}

	if terminals == 0 {
		errs = append(errs, fmt.Errorf("graph %q: no terminal node", b.name))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Graph[S]{
		name:      b.name,
		entry:     b.entry,
		nodes:     b.nodes,
		onFailure: b.onFailure,
	}, nil
}

func (b *Builder[S]) validateSuspend(n *Node[S]) []error {
	var errs []error

	if len(n.edges) > 0 {
		errs = append(errs, fmt.Errorf("suspend node %q: routes by decision, edges are not allowed", n.Name))
	}

	if len(n.Decisions) == 0 {
		errs = append(errs, &RoutingError{Graph: b.name, Node: n.Name, Reason: "no decisions declared"})
	}

	for _, d := range n.Decisions {
		to, ok := n.Routes[d]
		if !ok {
			errs = append(errs, &RoutingError{Graph: b.name, Node: n.Name, Decision: d, Reason: "decision is not routed"})
			continue
		}

		if _, ok := b.nodes[to]; !ok {
			errs = append(errs, fmt.Errorf("suspend node %q: decision %q routes to unknown node %q", n.Name, d, to))
		}
	}

	for d := range n.Routes {
		if !slices.Contains(n.Decisions, d) {
			errs = append(errs, &RoutingError{Graph: b.name, Node: n.Name, Decision: d, Reason: "route for undeclared decision"})
		}
	}

	return errs
}

// MustBuild is like Build but panics if the graph is invalid.
func (b *Builder[S]) MustBuild() *Graph[S] {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}

	return g
}

// Graph is an immutable, validated workflow definition.
type Graph[S any] struct {
	name      string
	entry     string
	nodes     map[string]*Node[S]
	onFailure FailureHook[S]
}

func (g *Graph[S]) Name() string {
	return g.name
}

func (g *Graph[S]) Entry() string {
	return g.entry
}

func (g *Graph[S]) Node(name string) (*Node[S], bool) {
	n, ok := g.nodes[name]
	return n, ok
}

func (g *Graph[S]) OnFailure() FailureHook[S] {
	return g.onFailure
}

// Next returns the node to continue with after the given task node. Edges are evaluated in
// declaration order, the first matching one wins.
func (g *Graph[S]) Next(from string, state S) (string, error) {
	n, ok := g.nodes[from]
	if !ok {
		return "", &RoutingError{Graph: g.name, Node: from, Reason: "unknown node"}
	}

	for _, e := range n.edges {
		if e.When == nil || e.When(state) {
			return e.To, nil
		}
	}

	return "", &RoutingError{Graph: g.name, Node: from, Reason: "no edge matched"}
}

// Decisions returns the vocabulary of the given suspend node.
func (g *Graph[S]) Decisions(node string) ([]string, error) {
	n, ok := g.nodes[node]
	if !ok || n.Kind != NodeKindSuspend {
		return nil, &RoutingError{Graph: g.name, Node: node, Reason: "not a suspend node"}
	}

	return slices.Clone(n.Decisions), nil
}

// Route returns the node the given decision continues with. Decisions outside of the vocabulary
// of the node result in an InvalidDecisionError.
func (g *Graph[S]) Route(node, decision string) (string, error) {
	n, ok := g.nodes[node]
	if !ok || n.Kind != NodeKindSuspend {
		return "", &RoutingError{Graph: g.name, Node: node, Decision: decision, Reason: "not a suspend node"}
	}

	if !slices.Contains(n.Decisions, decision) {
		return "", &InvalidDecisionError{Graph: g.name, Node: node, Decision: decision, Allowed: slices.Clone(n.Decisions)}
	}

	// Build guarantees a route for every declared decision
	return n.Routes[decision], nil
}
