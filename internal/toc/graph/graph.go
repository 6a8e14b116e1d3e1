// Package graph builds and stages the Dependency Graph: explicit plus
// category-inferred edges, cycle detection, and Kahn staging with
// exclusion-aware sub-stage splitting. Generalized from the teacher's flat
// ExecutePlanTool action list (internal/mcp/automation_tools.go) into a
// staged DAG.
package graph

import (
	"sort"

	"browsernerd-mcp-server/internal/toc/registry"
	"browsernerd-mcp-server/internal/toc/types"
)

// Graph is the dependency graph for one specific plan.
type Graph struct {
	nodes       map[types.ToolName]struct{}
	prereqs     map[types.ToolName]map[types.ToolName]struct{} // dependent -> prerequisites
	successors  map[types.ToolName]map[types.ToolName]struct{} // prerequisite -> dependents
	exclusive   [][2]types.ToolName
	descriptors map[types.ToolName]*types.ToolDescriptor
	order       map[types.ToolName]int
}

// Build constructs a Graph for the given plan steps and their declared
// dependencies, consulting reg for categories and registration order.
// Every tool referenced must already be registered; missing names fail
// with UnknownTool.
func Build(steps []types.PlanStep, deps []types.Dependency, reg *registry.Registry) (*Graph, error) {
	g := &Graph{
		nodes:       make(map[types.ToolName]struct{}),
		prereqs:     make(map[types.ToolName]map[types.ToolName]struct{}),
		successors:  make(map[types.ToolName]map[types.ToolName]struct{}),
		descriptors: make(map[types.ToolName]*types.ToolDescriptor),
		order:       make(map[types.ToolName]int),
	}

	addNode := func(name types.ToolName) error {
		if _, ok := g.nodes[name]; ok {
			return nil
		}
		desc, err := reg.Lookup(name)
		if err != nil {
			return &types.Error{Kind: types.ErrUnknownTool, Reason: string(name)}
		}
		g.nodes[name] = struct{}{}
		g.descriptors[name] = desc
		g.order[name] = reg.RegistrationOrder(name)
		g.prereqs[name] = make(map[types.ToolName]struct{})
		g.successors[name] = make(map[types.ToolName]struct{})
		return nil
	}

	for _, step := range steps {
		if err := addNode(step.Tool); err != nil {
			return nil, err
		}
	}

	addEdge := func(prereq, dependent types.ToolName) error {
		if err := addNode(prereq); err != nil {
			return err
		}
		if err := addNode(dependent); err != nil {
			return err
		}
		g.prereqs[dependent][prereq] = struct{}{}
		g.successors[prereq][dependent] = struct{}{}
		return nil
	}

	for _, dep := range deps {
		switch dep.Kind {
		case types.DependencyExclusive:
			g.exclusive = append(g.exclusive, [2]types.ToolName{dep.Dependent, dep.Prerequisite})
			if err := addNode(dep.Dependent); err != nil {
				return nil, err
			}
			if err := addNode(dep.Prerequisite); err != nil {
				return nil, err
			}
		case types.DependencyRequired, types.DependencyPreferred, types.DependencyContextual:
			if err := addEdge(dep.Prerequisite, dep.Dependent); err != nil {
				return nil, err
			}
		}
	}

	g.applyCategoryInference()

	if cycle := g.findCycle(); cycle != nil {
		return nil, &types.Error{Kind: types.ErrCircularDependency, Cycle: cycle}
	}

	return g, nil
}

// applyCategoryInference adds additive edges per category rules; never
// replaces explicit edges:
//   - every Interaction node gains an edge from every Navigation node present
//   - every DataExtraction node gains an edge from every Interaction node
//     and every Navigation node present, so extraction follows navigation
//     even when no Interaction node is in the plan
//   - Memory and Monitoring nodes receive no inferred prerequisites
func (g *Graph) applyCategoryInference() {
	var navNodes, interactionNodes []types.ToolName
	for name, desc := range g.descriptors {
		switch desc.Category {
		case types.CategoryNavigation:
			navNodes = append(navNodes, name)
		case types.CategoryInteraction:
			interactionNodes = append(interactionNodes, name)
		}
	}

	for name, desc := range g.descriptors {
		if desc.Category != types.CategoryInteraction {
			continue
		}
		for _, nav := range navNodes {
			if nav == name {
				continue
			}
			g.prereqs[name][nav] = struct{}{}
			g.successors[nav][name] = struct{}{}
		}
	}

	for name, desc := range g.descriptors {
		if desc.Category != types.CategoryDataExtraction {
			continue
		}
		for _, inter := range interactionNodes {
			if inter == name {
				continue
			}
			g.prereqs[name][inter] = struct{}{}
			g.successors[inter][name] = struct{}{}
		}
		for _, nav := range navNodes {
			g.prereqs[name][nav] = struct{}{}
			g.successors[nav][name] = struct{}{}
		}
	}
}

// findCycle runs DFS with a recursion-stack set; on re-visit of a node on
// the stack it returns the cycle path.
func (g *Graph) findCycle() []types.ToolName {
	const (
		white = iota
		gray
		black
	)
	color := make(map[types.ToolName]int, len(g.nodes))
	var stack []types.ToolName
	var cycle []types.ToolName

	names := g.sortedNodeNames()

	var visit func(n types.ToolName) bool
	visit = func(n types.ToolName) bool {
		color[n] = gray
		stack = append(stack, n)
		succs := make([]types.ToolName, 0, len(g.successors[n]))
		for s := range g.successors[n] {
			succs = append(succs, s)
		}
		sort.Slice(succs, func(i, j int) bool { return succs[i] < succs[j] })
		for _, s := range succs {
			switch color[s] {
			case white:
				if visit(s) {
					return true
				}
			case gray:
				idx := 0
				for i, v := range stack {
					if v == s {
						idx = i
						break
					}
				}
				cycle = append([]types.ToolName{}, stack[idx:]...)
				cycle = append(cycle, s)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range names {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

func (g *Graph) sortedNodeNames() []types.ToolName {
	names := make([]types.ToolName, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Stage computes ordered stages via Kahn's algorithm, then splits each
// stage into exclusion-respecting sub-stages. Tie-breaking among
// same-in-degree candidates is by (category priority ascending, then
// registration order) for determinism.
func (g *Graph) Stage() ([]types.Stage, error) {
	inDegree := make(map[types.ToolName]int, len(g.nodes))
	for n := range g.nodes {
		inDegree[n] = len(g.prereqs[n])
	}

	var stages []types.Stage
	remaining := len(g.nodes)

	for remaining > 0 {
		var ready []types.ToolName
		for n, d := range inDegree {
			if d == 0 {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			return nil, types.NewError(types.ErrUnresolvableDependencies, "graph staging stalled with nodes remaining")
		}

		sort.Slice(ready, func(i, j int) bool {
			pi := types.CategoryPriority(g.descriptors[ready[i]].Category)
			pj := types.CategoryPriority(g.descriptors[ready[j]].Category)
			if pi != pj {
				return pi < pj
			}
			return g.order[ready[i]] < g.order[ready[j]]
		})

		stages = append(stages, types.Stage{Tools: g.splitExclusive(ready)})

		for _, n := range ready {
			delete(inDegree, n)
			remaining--
			for succ := range g.successors[n] {
				if _, stillPending := inDegree[succ]; stillPending {
					inDegree[succ]--
				}
			}
		}
	}

	return stages, nil
}

// splitExclusive partitions a stage's ready set into sub-stages so that no
// sub-stage contains two mutually exclusive tools, preserving the
// (category priority, registration order) ordering already applied to
// ready.
func (g *Graph) splitExclusive(ready []types.ToolName) [][]types.ToolName {
	if len(g.exclusive) == 0 {
		return [][]types.ToolName{ready}
	}

	excludedWith := make(map[types.ToolName]map[types.ToolName]struct{})
	for _, pair := range g.exclusive {
		if excludedWith[pair[0]] == nil {
			excludedWith[pair[0]] = make(map[types.ToolName]struct{})
		}
		if excludedWith[pair[1]] == nil {
			excludedWith[pair[1]] = make(map[types.ToolName]struct{})
		}
		excludedWith[pair[0]][pair[1]] = struct{}{}
		excludedWith[pair[1]][pair[0]] = struct{}{}
	}

	var subStages [][]types.ToolName
	placed := make(map[types.ToolName]int) // name -> sub-stage index

	for _, n := range ready {
		assigned := -1
		for idx, sub := range subStages {
			conflict := false
			for _, member := range sub {
				if _, excluded := excludedWith[n][member]; excluded {
					conflict = true
					break
				}
			}
			if !conflict {
				assigned = idx
				break
			}
		}
		if assigned == -1 {
			subStages = append(subStages, []types.ToolName{n})
			placed[n] = len(subStages) - 1
		} else {
			subStages[assigned] = append(subStages[assigned], n)
			placed[n] = assigned
		}
	}

	return subStages
}
