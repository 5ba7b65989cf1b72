package run_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberci/pkg/run"
)

func registryRun(name string, build uint, startedAt time.Time) *run.Run {
	r := run.New(name, nil, "/jobs", newFakeLauncher())
	r.Build = build
	r.StartedAt = startedAt
	return r
}

func TestRegistryIndexesStayInSync(t *testing.T) {
	g := run.NewRegistry()
	base := time.Now()

	deploy1 := registryRun("deploy", 1, base.Add(2*time.Second))
	deploy2 := registryRun("deploy", 2, base.Add(3*time.Second))
	audit5 := registryRun("audit", 5, base.Add(1*time.Second))

	require.NoError(t, g.Add(deploy1))
	require.NoError(t, g.Add(deploy2))
	require.NoError(t, g.Add(audit5))
	assert.Equal(t, 3, g.Len())

	got, ok := g.ByNameBuild("deploy", 2)
	require.True(t, ok)
	assert.Same(t, deploy2, got)
	_, ok = g.ByNameBuild("deploy", 3)
	assert.False(t, ok)

	assert.True(t, g.Has(deploy1))
	assert.Equal(t, []*run.Run{audit5, deploy1, deploy2}, g.ByStartedAt())
	assert.Equal(t, []*run.Run{deploy1, deploy2}, g.ByJob("deploy"))
	assert.Empty(t, g.ByJob("missing"))

	require.True(t, g.Remove(deploy1))
	assert.False(t, g.Has(deploy1))
	assert.False(t, g.Remove(deploy1))
	_, ok = g.ByNameBuild("deploy", 1)
	assert.False(t, ok)
	assert.Equal(t, []*run.Run{audit5, deploy2}, g.ByStartedAt())
	assert.Equal(t, []*run.Run{deploy2}, g.ByJob("deploy"))
	assert.Equal(t, 2, g.Len())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	g := run.NewRegistry()
	now := time.Now()

	require.NoError(t, g.Add(registryRun("deploy", 1, now)))
	assert.Error(t, g.Add(registryRun("deploy", 1, now)))

	// Unconfigured runs never enter the registry.
	assert.Error(t, g.Add(run.New("deploy", nil, "/jobs", newFakeLauncher())))
	assert.Equal(t, 1, g.Len())
}

func TestRegistryStartedAtOrderIndependentOfInsertion(t *testing.T) {
	g := run.NewRegistry()
	base := time.Now()

	third := registryRun("c", 1, base.Add(3*time.Second))
	first := registryRun("a", 1, base.Add(1*time.Second))
	second := registryRun("b", 1, base.Add(2*time.Second))

	require.NoError(t, g.Add(third))
	require.NoError(t, g.Add(first))
	require.NoError(t, g.Add(second))

	assert.Equal(t, []*run.Run{first, second, third}, g.ByStartedAt())

	// Snapshot semantics: the caller may mutate what it got back.
	snapshot := g.ByStartedAt()
	snapshot[0] = nil
	assert.Equal(t, []*run.Run{first, second, third}, g.ByStartedAt())
}

func TestRegistryStartedAtTiesKeepInsertOrder(t *testing.T) {
	g := run.NewRegistry()
	at := time.Now()

	a := registryRun("a", 1, at)
	b := registryRun("b", 1, at)
	require.NoError(t, g.Add(a))
	require.NoError(t, g.Add(b))

	assert.Equal(t, []*run.Run{a, b}, g.ByStartedAt())
}

func TestRegistryRunningCount(t *testing.T) {
	g := run.NewRegistry()
	now := time.Now()

	running := registryRun("deploy", 1, now)
	running.Result = run.StateRunning
	pending := registryRun("deploy", 2, now)
	pending.Result = run.StatePending
	other := registryRun("audit", 1, now)
	other.Result = run.StateRunning

	require.NoError(t, g.Add(running))
	require.NoError(t, g.Add(pending))
	require.NoError(t, g.Add(other))

	assert.Equal(t, 1, g.RunningCount("deploy"))
	assert.Equal(t, 1, g.RunningCount("audit"))
	assert.Equal(t, 0, g.RunningCount("missing"))
}
