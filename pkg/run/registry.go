package run

import (
	"fmt"
	"sort"
)

type registryKey struct {
	name  string
	build uint
}

// Registry is the in-memory set of live runs, kept consistent across
// four access paths: unique lookup by (name, build), identity lookup by
// pointer, iteration ordered by start time, and iteration ordered by
// job name. One backing set, synchronized secondary indices; insert and
// remove touch all of them together.
//
// The identity index exists so the process-exit path, which only knows
// which run launched the process, can cheaply check the run is still
// live before touching it. All access happens on the scheduler's
// control goroutine, so there is no locking here.
type Registry struct {
	byNameBuild map[registryKey]*Run
	members     map[*Run]struct{}
	byStarted   []*Run // sorted by StartedAt, ties keep insert order
	byName      []*Run // sorted by Name, ties keep insert order
}

func NewRegistry() *Registry {
	return &Registry{
		byNameBuild: make(map[registryKey]*Run),
		members:     make(map[*Run]struct{}),
	}
}

// Add inserts a configured run. It fails if the run is unconfigured or
// another run with the same (name, build) is already present.
func (g *Registry) Add(r *Run) error {
	if r.Build == 0 {
		return fmt.Errorf("registry: run %q is not configured", r.Name)
	}
	key := registryKey{r.Name, r.Build}
	if _, ok := g.byNameBuild[key]; ok {
		return fmt.Errorf("registry: run %s #%d already present", r.Name, r.Build)
	}
	g.byNameBuild[key] = r
	g.members[r] = struct{}{}

	i := sort.Search(len(g.byStarted), func(i int) bool {
		return g.byStarted[i].StartedAt.After(r.StartedAt)
	})
	g.byStarted = append(g.byStarted, nil)
	copy(g.byStarted[i+1:], g.byStarted[i:])
	g.byStarted[i] = r

	j := sort.Search(len(g.byName), func(i int) bool {
		return g.byName[i].Name > r.Name
	})
	g.byName = append(g.byName, nil)
	copy(g.byName[j+1:], g.byName[j:])
	g.byName[j] = r

	return nil
}

// Remove evicts a run from every index. It reports whether the run was
// present.
func (g *Registry) Remove(r *Run) bool {
	if _, ok := g.members[r]; !ok {
		return false
	}
	delete(g.members, r)
	delete(g.byNameBuild, registryKey{r.Name, r.Build})
	g.byStarted = removeRun(g.byStarted, r)
	g.byName = removeRun(g.byName, r)
	return true
}

// ByNameBuild looks up the unique run for a job name and build number.
func (g *Registry) ByNameBuild(name string, build uint) (*Run, bool) {
	r, ok := g.byNameBuild[registryKey{name, build}]
	return r, ok
}

// Has is the identity lookup: whether this exact run is still live.
func (g *Registry) Has(r *Run) bool {
	_, ok := g.members[r]
	return ok
}

// ByStartedAt returns the live runs in non-decreasing start-time order.
// The returned slice is a snapshot; mutating it does not affect the
// registry.
func (g *Registry) ByStartedAt() []*Run {
	out := make([]*Run, len(g.byStarted))
	copy(out, g.byStarted)
	return out
}

// ByJob returns every live build of one job, grouped out of the
// name-ordered index.
func (g *Registry) ByJob(name string) []*Run {
	lo := sort.Search(len(g.byName), func(i int) bool {
		return g.byName[i].Name >= name
	})
	hi := sort.Search(len(g.byName), func(i int) bool {
		return g.byName[i].Name > name
	})
	out := make([]*Run, hi-lo)
	copy(out, g.byName[lo:hi])
	return out
}

// RunningCount reports how many live builds of a job are executing,
// used for per-job concurrency checks.
func (g *Registry) RunningCount(name string) int {
	n := 0
	for _, r := range g.ByJob(name) {
		if r.Result == StateRunning {
			n++
		}
	}
	return n
}

func (g *Registry) Len() int { return len(g.members) }

func removeRun(runs []*Run, r *Run) []*Run {
	for i, candidate := range runs {
		if candidate == r {
			return append(runs[:i], runs[i+1:]...)
		}
	}
	return runs
}
