package scheduler_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberci/pkg/run"
	"emberci/pkg/scheduler"
)

func writeJobFile(t *testing.T, home, name, content string) string {
	t.Helper()
	path := filepath.Join(home, "jobs", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
	return path
}

func TestFSJobSourceList(t *testing.T) {
	home := t.TempDir()
	writeJobFile(t, home, "deploy.run", "#!/bin/sh\n")
	writeJobFile(t, home, "audit.run", "#!/bin/sh\n")
	writeJobFile(t, home, "deploy.conf", "TIMEOUT=60\n")
	require.NoError(t, os.MkdirAll(filepath.Join(home, "jobs", "subdir"), 0755))

	src := scheduler.NewFSJobSource(home)
	jobs, err := src.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"deploy", "audit"}, jobs)
}

func TestFSJobSourceListMissingDir(t *testing.T) {
	src := scheduler.NewFSJobSource(filepath.Join(t.TempDir(), "nope"))
	jobs, err := src.List()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFSJobSourceDescribeFullLayout(t *testing.T) {
	home := t.TempDir()
	before := writeJobFile(t, home, "deploy.before", "#!/bin/sh\n")
	main := writeJobFile(t, home, "deploy.run", "#!/bin/sh\n")
	after := writeJobFile(t, home, "deploy.after", "#!/bin/sh\n")
	jobEnv := writeJobFile(t, home, "deploy.env", "TARGET=prod\n")
	writeJobFile(t, home, "deploy.conf", `
# comment lines and blanks are ignored
TIMEOUT = 300
SCHEDULE=0 2 * * *
TAGS=docker, amd64
ON_SUCCESS=smoke-test,notify
IGNORED_KEY=whatever
malformed line without equals
`)
	shared := filepath.Join(home, "env")
	require.NoError(t, os.WriteFile(shared, []byte("CI=1\n"), 0644))

	src := scheduler.NewFSJobSource(home)
	spec, err := src.Describe("deploy")
	require.NoError(t, err)

	assert.Equal(t, []run.Script{
		{Path: before},
		{Path: main},
		{Path: after, RunOnAbort: true},
	}, spec.Scripts)
	assert.Equal(t, []string{shared, jobEnv}, spec.EnvFiles)
	assert.Equal(t, 300, spec.TimeoutSeconds)
	assert.Equal(t, "0 2 * * *", spec.Schedule)
	assert.Equal(t, []string{"docker", "amd64"}, spec.Tags)
	assert.Equal(t, []string{"smoke-test", "notify"}, spec.OnSuccess)
}

func TestFSJobSourceDescribeMinimal(t *testing.T) {
	home := t.TempDir()
	main := writeJobFile(t, home, "audit.run", "#!/bin/sh\n")

	src := scheduler.NewFSJobSource(home)
	spec, err := src.Describe("audit")
	require.NoError(t, err)

	assert.Equal(t, []run.Script{{Path: main}}, spec.Scripts)
	assert.Empty(t, spec.EnvFiles)
	assert.Zero(t, spec.TimeoutSeconds)
	assert.Empty(t, spec.Schedule)
}

func TestFSJobSourceDescribeUnknownJob(t *testing.T) {
	src := scheduler.NewFSJobSource(t.TempDir())
	_, err := src.Describe("missing")
	assert.Error(t, err)
}
