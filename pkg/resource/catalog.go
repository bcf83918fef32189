package resource

import (
	"fmt"
	"strings"
)

type edgeKind int

const (
	edgeBefore edgeKind = iota
	edgeNotify
)

type edge struct {
	from, to string
	kind     edgeKind
}

// Catalog is an ordered set of resources and the edges between them.
type Catalog struct {
	resources []*Resource
	index     map[string]int
	classes   []string
	edges     []edge
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{index: make(map[string]int)}
}

// Add validates r and appends it. Declaration order breaks ordering ties.
func (c *Catalog) Add(r *Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	id := r.ID()
	if _, dup := c.index[id]; dup {
		return fmt.Errorf("duplicate declaration of %s", id)
	}
	c.index[id] = len(c.resources)
	c.resources = append(c.resources, r)
	if r.Class != "" && !c.hasClass(r.Class) {
		c.classes = append(c.classes, r.Class)
	}
	return nil
}

func (c *Catalog) hasClass(name string) bool {
	for _, cl := range c.classes {
		if cl == name {
			return true
		}
	}
	return false
}

// Requires orders b before a.
func (c *Catalog) Requires(a, b string) {
	c.edges = append(c.edges, edge{from: b, to: a, kind: edgeBefore})
}

// Before orders a before b.
func (c *Catalog) Before(a, b string) {
	c.edges = append(c.edges, edge{from: a, to: b, kind: edgeBefore})
}

// Notifies orders a before b and refreshes b whenever a changes.
func (c *Catalog) Notifies(a, b string) {
	c.edges = append(c.edges, edge{from: a, to: b, kind: edgeNotify})
}

// Get returns the resource with the given ID, or nil.
func (c *Catalog) Get(id string) *Resource {
	if i, ok := c.index[id]; ok {
		return c.resources[i]
	}
	return nil
}

// Resources returns the resources in declaration order.
func (c *Catalog) Resources() []*Resource {
	out := make([]*Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// Classes returns the class names in first-declaration order.
func (c *Catalog) Classes() []string {
	out := make([]string, len(c.classes))
	copy(out, c.classes)
	return out
}

// Class returns the resources belonging to name.
func (c *Catalog) Class(name string) []*Resource {
	var out []*Resource
	for _, r := range c.resources {
		if r.Class == name {
			out = append(out, r)
		}
	}
	return out
}

// resolve expands a reference into resource indexes.
func (c *Catalog) resolve(ref string) ([]int, error) {
	if name, ok := parseClassRef(ref); ok {
		if !c.hasClass(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
		}
		var out []int
		for i, r := range c.resources {
			if r.Class == name {
				out = append(out, i)
			}
		}
		return out, nil
	}
	i, ok := c.index[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
	}
	return []int{i}, nil
}

// graph holds the expanded edges between resource indexes.
type graph struct {
	succ     [][]int
	notifies [][]int
}

func (c *Catalog) graph() (*graph, error) {
	g := &graph{
		succ:     make([][]int, len(c.resources)),
		notifies: make([][]int, len(c.resources)),
	}
	seen := make(map[[2]int]bool)
	for _, e := range c.edges {
		from, err := c.resolve(e.from)
		if err != nil {
			return nil, err
		}
		to, err := c.resolve(e.to)
		if err != nil {
			return nil, err
		}
		for _, f := range from {
			for _, t := range to {
				if f == t {
					continue
				}
				if !seen[[2]int{f, t}] {
					seen[[2]int{f, t}] = true
					g.succ[f] = append(g.succ[f], t)
				}
				if e.kind == edgeNotify {
					g.notifies[f] = append(g.notifies[f], t)
				}
			}
		}
	}
	return g, nil
}

// Order returns every resource in dependency order. Among resources whose
// dependencies are satisfied, the earliest declared goes first.
func (c *Catalog) Order() ([]*Resource, error) {
	g, err := c.graph()
	if err != nil {
		return nil, err
	}
	idx, stuck := g.sort()
	if len(stuck) > 0 {
		return nil, c.cycleError(stuck)
	}
	out := make([]*Resource, len(idx))
	for i, n := range idx {
		out[i] = c.resources[n]
	}
	return out, nil
}

func (c *Catalog) cycleError(stuck []int) error {
	ids := make([]string, len(stuck))
	for i, n := range stuck {
		ids[i] = c.resources[n].ID()
	}
	return fmt.Errorf("%w between %s", ErrCycle, strings.Join(ids, ", "))
}

// sort is Kahn's algorithm. It returns the nodes left over when a cycle
// blocks progress.
func (g *graph) sort() (order, stuck []int) {
	n := len(g.succ)
	indegree := make([]int, n)
	for _, succ := range g.succ {
		for _, t := range succ {
			indegree[t]++
		}
	}

	done := make([]bool, n)
	order = make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			for i := 0; i < n; i++ {
				if !done[i] {
					stuck = append(stuck, i)
				}
			}
			return order, stuck
		}
		done[next] = true
		order = append(order, next)
		for _, t := range g.succ[next] {
			indegree[t]--
		}
	}
	return order, nil
}
