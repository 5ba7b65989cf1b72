package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "emberci/configs"
	"emberci/pkg/executor"
	"emberci/pkg/models"
	"emberci/pkg/node"
	"emberci/pkg/scheduler"
	"emberci/pkg/storage"
)

// memoryStore is an in-memory RunStore so loop tests can observe what
// gets archived without a database.
type memoryStore struct {
	mu      sync.Mutex
	records []models.RunRecord
}

func (s *memoryStore) RecordRun(_ context.Context, rec *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

func (s *memoryStore) GetRun(_ context.Context, name string, build uint) (*models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].Name == name && s.records[i].Build == build {
			rec := s.records[i]
			return &rec, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *memoryStore) ListHistory(_ context.Context, name string, limit int) ([]models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RunRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].Name == name {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *memoryStore) LastResult(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Name == name {
			return s.records[i].Result, nil
		}
	}
	return "", storage.ErrNotFound
}

func (s *memoryStore) NextBuild(_ context.Context, name string) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint
	for i := range s.records {
		if s.records[i].Name == name && s.records[i].Build > max {
			max = s.records[i].Build
		}
	}
	return max + 1, nil
}

func (s *memoryStore) byName(name string) []models.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RunRecord
	for _, rec := range s.records {
		if rec.Name == name {
			out = append(out, rec)
		}
	}
	return out
}

type coreHarness struct {
	home   string
	core   *scheduler.Core
	store  *memoryStore
	cancel context.CancelFunc
}

// harnessParams overrides individual collaborators for one test; zero
// fields fall back to the real filesystem job source and no queue.
type harnessParams struct {
	jobs  scheduler.JobSource
	queue storage.TriggerQueue
}

func newCoreHarness(t *testing.T) *coreHarness {
	return newCoreHarnessWith(t, harnessParams{})
}

func newCoreHarnessWith(t *testing.T, p harnessParams) *coreHarness {
	t.Helper()
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "jobs"), 0755))

	store := &memoryStore{}
	logs, err := storage.NewLocalLogStore(filepath.Join(home, "logs"))
	require.NoError(t, err)

	cfg := config.LoadConfig()
	cfg.Home = home
	cfg.TimeoutCheckSeconds = 1

	jobs := p.jobs
	if jobs == nil {
		jobs = scheduler.NewFSJobSource(home)
	}

	core := scheduler.New(scheduler.Params{
		Config:   cfg,
		Launcher: executor.New(),
		Jobs:     jobs,
		Nodes:    []*node.Node{node.New("local", 2)},
		Store:    store,
		Logs:     logs,
		Queue:    p.queue,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go core.Run(ctx)
	t.Cleanup(cancel)

	return &coreHarness{home: home, core: core, store: store, cancel: cancel}
}

func (h *coreHarness) writeJob(t *testing.T, name, script string) {
	t.Helper()
	path := filepath.Join(h.home, "jobs", name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
}

// waitArchived polls the store until a job has at least n archived runs.
func (h *coreHarness) waitArchived(t *testing.T, job string, n int) []models.RunRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if recs := h.store.byName(job); len(recs) >= n {
			return recs
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %d archived runs", job, n)
	return nil
}

func TestCoreRunsJobToSuccess(t *testing.T) {
	h := newCoreHarness(t)
	h.writeJob(t, "hello.run", "#!/bin/sh\necho \"greetings from $JOB #$RUN\"\n")

	h.core.Trigger("hello", map[string]string{"COLOR": "green"})
	recs := h.waitArchived(t, "hello", 1)

	rec := recs[0]
	assert.Equal(t, uint(1), rec.Build)
	assert.Equal(t, "success", rec.Result)
	assert.Equal(t, "local", rec.NodeName)
	assert.Equal(t, "green", rec.Params["COLOR"])

	data, err := os.ReadFile(rec.LogRef)
	require.NoError(t, err)
	assert.Contains(t, string(data), "greetings from hello #1")

	// The live view is empty once the run is archived.
	assert.Empty(t, h.core.Snapshot())
}

func TestCoreBuildNumbersIncrement(t *testing.T) {
	h := newCoreHarness(t)
	h.writeJob(t, "counter.run", "#!/bin/sh\ntrue\n")

	h.core.Trigger("counter", nil)
	h.waitArchived(t, "counter", 1)
	h.core.Trigger("counter", nil)
	recs := h.waitArchived(t, "counter", 2)

	builds := []uint{recs[0].Build, recs[1].Build}
	assert.ElementsMatch(t, []uint{1, 2}, builds)
}

func TestCoreFailedScriptRunsCleanup(t *testing.T) {
	h := newCoreHarness(t)
	marker := filepath.Join(h.home, "cleanup-ran")
	h.writeJob(t, "flaky.run", "#!/bin/sh\nexit 3\n")
	h.writeJob(t, "flaky.after", "#!/bin/sh\ntouch "+marker+"\n")

	h.core.Trigger("flaky", nil)
	recs := h.waitArchived(t, "flaky", 1)

	assert.Equal(t, "failed", recs[0].Result)
	assert.Contains(t, recs[0].Reason, "status 3")
	assert.FileExists(t, marker)
}

func TestCoreAbortLiveRun(t *testing.T) {
	h := newCoreHarness(t)
	h.writeJob(t, "slow.run", "#!/bin/sh\nsleep 30\n")

	h.core.Trigger("slow", nil)

	// Wait for the run to show up live before aborting it.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(h.core.JobRuns("slow")) == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, h.core.JobRuns("slow"))

	require.NoError(t, h.core.Abort("slow", 1))
	recs := h.waitArchived(t, "slow", 1)
	assert.Equal(t, "aborted", recs[0].Result)

	// A second abort targets nothing.
	assert.Error(t, h.core.Abort("slow", 1))
}

func TestCoreAbortUnknownRun(t *testing.T) {
	h := newCoreHarness(t)
	assert.Error(t, h.core.Abort("ghost", 1))
}

func TestCoreUnknownJobTriggerIsDropped(t *testing.T) {
	h := newCoreHarness(t)
	h.core.Trigger("missing", nil)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.core.Snapshot())
	assert.Empty(t, h.store.byName("missing"))
}

func TestCoreChainsDownstreamJobs(t *testing.T) {
	h := newCoreHarness(t)
	h.writeJob(t, "build.run", "#!/bin/sh\ntrue\n")
	h.writeJob(t, "build.conf", "ON_SUCCESS=notify\n")
	h.writeJob(t, "notify.run", "#!/bin/sh\ntrue\n")

	h.core.Trigger("build", nil)
	h.waitArchived(t, "build", 1)
	recs := h.waitArchived(t, "notify", 1)

	assert.Equal(t, "build", recs[0].ParentName)
	assert.Equal(t, uint(1), recs[0].ParentBuild)
}

func TestCoreTimeoutAbortsRun(t *testing.T) {
	h := newCoreHarness(t)
	h.writeJob(t, "stuck.run", "#!/bin/sh\nsleep 60\n")
	h.writeJob(t, "stuck.conf", "TIMEOUT=1\n")

	h.core.Trigger("stuck", nil)
	recs := h.waitArchived(t, "stuck", 1)
	assert.Equal(t, "aborted", recs[0].Result)
}

// stubJobSource serves canned specs, which lets tests build jobs the
// filesystem layout cannot express (such as a job with no scripts).
type stubJobSource struct {
	specs map[string]*scheduler.JobSpec
}

func (s *stubJobSource) List() ([]string, error) {
	var jobs []string
	for name := range s.specs {
		jobs = append(jobs, name)
	}
	return jobs, nil
}

func (s *stubJobSource) Describe(job string) (*scheduler.JobSpec, error) {
	spec, ok := s.specs[job]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", job)
	}
	return spec, nil
}

// A run with an empty script queue finishes inside its very first Step,
// which re-enters the assignment path while it is still iterating. The
// loop must archive the run exactly once and stay responsive.
func TestCoreSynchronouslyCompletingRun(t *testing.T) {
	jobs := &stubJobSource{specs: map[string]*scheduler.JobSpec{"noop": {}}}
	h := newCoreHarnessWith(t, harnessParams{jobs: jobs})

	h.core.Trigger("noop", nil)
	recs := h.waitArchived(t, "noop", 1)
	assert.Equal(t, uint(1), recs[0].Build)
	assert.Equal(t, "success", recs[0].Result)

	views := make(chan []scheduler.RunView, 1)
	go func() { views <- h.core.Snapshot() }()
	select {
	case live := <-views:
		assert.Empty(t, live)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler loop stopped responding after a synchronously-completing run")
	}

	// The pending entry must not have been started a second time.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.store.byName("noop"), 1)
}

func TestCoreSynchronousCompletionDoesNotStarveQueue(t *testing.T) {
	jobs := &stubJobSource{specs: map[string]*scheduler.JobSpec{"noop": {}}}
	h := newCoreHarnessWith(t, harnessParams{jobs: jobs})

	h.core.Trigger("noop", nil)
	h.core.Trigger("noop", nil)
	h.core.Trigger("noop", nil)
	recs := h.waitArchived(t, "noop", 3)

	builds := []uint{recs[0].Build, recs[1].Build, recs[2].Build}
	assert.ElementsMatch(t, []uint{1, 2, 3}, builds)
}

// fakeQueue scripts Pop results so the consumer loop can be exercised
// without Redis.
type fakeQueue struct {
	mu    sync.Mutex
	pops  []fakePop
	acked []string
}

type fakePop struct {
	id   string
	trig *models.Trigger
	err  error
}

func (q *fakeQueue) Push(context.Context, *models.Trigger) error { return nil }

func (q *fakeQueue) EnsureGroup(context.Context, string) error { return nil }

func (q *fakeQueue) Pop(ctx context.Context, group, consumer string) (string, *models.Trigger, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pops) == 0 {
		time.Sleep(10 * time.Millisecond)
		return "", nil, nil
	}
	pop := q.pops[0]
	q.pops = q.pops[1:]
	return pop.id, pop.trig, pop.err
}

func (q *fakeQueue) Ack(_ context.Context, group, msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msgID)
	return nil
}

func (q *fakeQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

func TestConsumeQueueAcksPoisonMessages(t *testing.T) {
	queue := &fakeQueue{}
	h := newCoreHarnessWith(t, harnessParams{queue: queue})
	h.writeJob(t, "hello.run", "#!/bin/sh\ntrue\n")

	queue.mu.Lock()
	queue.pops = []fakePop{
		{id: "poison-1", err: errors.New("failed to unmarshal trigger")},
		{id: "msg-2", trig: &models.Trigger{ID: uuid.New(), Job: "hello"}},
	}
	queue.mu.Unlock()

	// The unparseable message must be acked, not left pending, and the
	// consumer must keep going afterwards.
	h.waitArchived(t, "hello", 1)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(queue.ackedIDs()) >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, []string{"poison-1", "msg-2"}, queue.ackedIDs())
}

func TestCoreEnvFilesSourced(t *testing.T) {
	h := newCoreHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.home, "env"), []byte("GREETING=shared\n"), 0644))
	h.writeJob(t, "envy.env", "GREETING=job-specific\n")
	h.writeJob(t, "envy.run", "#!/bin/sh\necho \"GREETING=$GREETING\"\n")

	h.core.Trigger("envy", nil)
	recs := h.waitArchived(t, "envy", 1)

	data, err := os.ReadFile(recs[0].LogRef)
	require.NoError(t, err)
	// The job env file is sourced after the shared one and wins.
	assert.Contains(t, string(data), "GREETING=job-specific")
}
