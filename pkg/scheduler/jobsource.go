package scheduler

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"emberci/pkg/run"
)

// JobSpec is everything the scheduler needs to know about a job before
// constructing a run for it.
type JobSpec struct {
	Scripts        []run.Script
	EnvFiles       []string
	Tags           []string
	TimeoutSeconds int

	// Schedule is an optional cron expression for timed triggers.
	Schedule string

	// OnSuccess lists jobs triggered when a run of this job succeeds.
	OnSuccess []string
}

// JobSource resolves job names into specs. Job configuration is an
// external collaborator of the run core; this is its minimal contract.
type JobSource interface {
	List() ([]string, error)
	Describe(job string) (*JobSpec, error)
}

// FSJobSource reads jobs from a directory layout under <home>/jobs:
//
//	<name>.before  optional setup script
//	<name>.run     the job's main script (required)
//	<name>.after   optional cleanup script, still runs after abort
//	<name>.env     optional per-job environment file
//	<name>.conf    optional KEY=VALUE settings (TIMEOUT, SCHEDULE,
//	               TAGS, ON_SUCCESS)
//
// plus a shared <home>/env sourced before every job's own env file.
type FSJobSource struct {
	home string
}

func NewFSJobSource(home string) *FSJobSource {
	return &FSJobSource{home: home}
}

func (s *FSJobSource) jobsDir() string {
	return filepath.Join(s.home, "jobs")
}

// List enumerates every job that has a .run script.
func (s *FSJobSource) List() ([]string, error) {
	entries, err := os.ReadDir(s.jobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}
	var jobs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), ".run"); ok {
			jobs = append(jobs, name)
		}
	}
	return jobs, nil
}

// Describe builds the spec for one job from its script files and
// optional conf.
func (s *FSJobSource) Describe(job string) (*JobSpec, error) {
	runScript := filepath.Join(s.jobsDir(), job+".run")
	if _, err := os.Stat(runScript); err != nil {
		return nil, fmt.Errorf("unknown job %q: %w", job, err)
	}

	spec := &JobSpec{}

	if before := filepath.Join(s.jobsDir(), job+".before"); fileExists(before) {
		spec.Scripts = append(spec.Scripts, run.Script{Path: before})
	}
	spec.Scripts = append(spec.Scripts, run.Script{Path: runScript})
	if after := filepath.Join(s.jobsDir(), job+".after"); fileExists(after) {
		spec.Scripts = append(spec.Scripts, run.Script{Path: after, RunOnAbort: true})
	}

	if shared := filepath.Join(s.home, "env"); fileExists(shared) {
		spec.EnvFiles = append(spec.EnvFiles, shared)
	}
	if jobEnv := filepath.Join(s.jobsDir(), job+".env"); fileExists(jobEnv) {
		spec.EnvFiles = append(spec.EnvFiles, jobEnv)
	}

	if err := s.readConf(filepath.Join(s.jobsDir(), job+".conf"), spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *FSJobSource) readConf(path string, spec *JobSpec) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "TIMEOUT":
			if n, err := strconv.Atoi(value); err == nil {
				spec.TimeoutSeconds = n
			}
		case "SCHEDULE":
			spec.Schedule = value
		case "TAGS":
			spec.Tags = splitList(value)
		case "ON_SUCCESS":
			spec.OnSuccess = splitList(value)
		}
	}
	return scanner.Err()
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
