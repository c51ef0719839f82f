package rbac

import (
	"sort"
	"sync"
)

// Graph is the permission dependency graph. Edges point from a permission to
// the permissions it depends on. The graph is acyclic: every mutation goes
// through AddDependency, which rejects edges that would close a cycle.
type Graph struct {
	mu         sync.RWMutex
	dependsOn  map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		dependsOn:  make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
	}
}

// Load replaces the graph contents with the given edges. Edges that would
// close a cycle are rejected and returned alongside the error of the first one.
func (g *Graph) Load(edges []Dependency) ([]Dependency, error) {
	fresh := NewGraph()
	var rejected []Dependency
	var firstErr error
	for _, e := range edges {
		if err := fresh.addLocked(normalizeName(e.Permission), normalizeName(e.Dependency)); err != nil {
			rejected = append(rejected, e)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	g.mu.Lock()
	g.dependsOn = fresh.dependsOn
	g.dependents = fresh.dependents
	g.mu.Unlock()
	return rejected, firstErr
}

// CheckDependency reports whether permission -> dependency could be added
// without mutating the graph.
func (g *Graph) CheckDependency(permission, dependency string) error {
	permission, dependency = normalizeName(permission), normalizeName(dependency)
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.checkLocked(permission, dependency)
}

// AddDependency adds the edge permission -> dependency. It fails with a
// *CircularDependencyError when dependency is permission itself or when
// permission is already reachable from dependency.
func (g *Graph) AddDependency(permission, dependency string) error {
	permission, dependency = normalizeName(permission), normalizeName(dependency)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLocked(permission, dependency)
}

// RemoveDependency drops the edge permission -> dependency if present.
func (g *Graph) RemoveDependency(permission, dependency string) {
	permission, dependency = normalizeName(permission), normalizeName(dependency)
	g.mu.Lock()
	defer g.mu.Unlock()
	removeEdge(g.dependsOn, permission, dependency)
	removeEdge(g.dependents, dependency, permission)
}

// RemovePermission drops a node and every edge touching it.
func (g *Graph) RemovePermission(name string) {
	name = normalizeName(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	for dep := range g.dependsOn[name] {
		removeEdge(g.dependents, dep, name)
	}
	for parent := range g.dependents[name] {
		removeEdge(g.dependsOn, parent, name)
	}
	delete(g.dependsOn, name)
	delete(g.dependents, name)
}

// DependenciesOf returns the direct dependencies of a permission.
func (g *Graph) DependenciesOf(permission string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.dependsOn[normalizeName(permission)])
}

// DependentsOf returns the permissions that directly depend on permission.
func (g *Graph) DependentsOf(permission string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.dependents[normalizeName(permission)])
}

// HasDependents reports whether any permission depends on permission.
func (g *Graph) HasDependents(permission string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.dependents[normalizeName(permission)]) > 0
}

// Edges returns every edge, sorted for stable output.
func (g *Graph) Edges() []Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := make([]Dependency, 0)
	for p, deps := range g.dependsOn {
		for d := range deps {
			edges = append(edges, Dependency{Permission: p, Dependency: d})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Permission == edges[j].Permission {
			return edges[i].Dependency < edges[j].Dependency
		}
		return edges[i].Permission < edges[j].Permission
	})
	return edges
}

// Closure returns seed plus every permission transitively required by it.
// The visited set bounds the walk even though the graph is acyclic.
func (g *Graph) Closure(seed []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	visited := make(map[string]struct{}, len(seed))
	stack := make([]string, 0, len(seed))
	for _, p := range seed {
		p = normalizeName(p)
		if p == "" {
			continue
		}
		if _, ok := visited[p]; ok {
			continue
		}
		visited[p] = struct{}{}
		stack = append(stack, p)
	}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for dep := range g.dependsOn[current] {
			if _, ok := visited[dep]; ok {
				continue
			}
			visited[dep] = struct{}{}
			stack = append(stack, dep)
		}
	}
	return sortedKeys(visited)
}

func (g *Graph) addLocked(permission, dependency string) error {
	if err := g.checkLocked(permission, dependency); err != nil {
		return err
	}
	addEdge(g.dependsOn, permission, dependency)
	addEdge(g.dependents, dependency, permission)
	return nil
}

func (g *Graph) checkLocked(permission, dependency string) error {
	if permission == "" || dependency == "" {
		return ErrInvalidPermission
	}
	if permission == dependency {
		return &CircularDependencyError{Permission: permission, Dependency: dependency}
	}
	if path := g.pathLocked(dependency, permission); path != nil {
		return &CircularDependencyError{Permission: permission, Dependency: dependency, Path: path}
	}
	return nil
}

// pathLocked runs a DFS from start along existing edges and returns the path
// to target, or nil when target is unreachable.
func (g *Graph) pathLocked(start, target string) []string {
	visited := make(map[string]struct{})
	var path []string
	var walk func(node string) bool
	walk = func(node string) bool {
		if _, ok := visited[node]; ok {
			return false
		}
		visited[node] = struct{}{}
		path = append(path, node)
		if node == target {
			return true
		}
		for _, next := range sortedKeys(g.dependsOn[node]) {
			if walk(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if walk(start) {
		return path
	}
	return nil
}

func addEdge(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		set = make(map[string]struct{})
		m[from] = set
	}
	set[to] = struct{}{}
}

func removeEdge(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		return
	}
	delete(set, to)
	if len(set) == 0 {
		delete(m, from)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
