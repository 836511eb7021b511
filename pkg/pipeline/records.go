package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// RunState is the lifecycle state of a pipeline process.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type RunState string

const (
	RunStateStarting  RunState = "starting"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateTimedOut  RunState = "timed_out"
	RunStateLost      RunState = "lost"
)

// Terminal reports whether the state is final.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateTimedOut, RunStateLost:
		return true
	}
	return false
}

// RunRecord is the persistent record written to run.json.
type RunRecord struct {
	JobID      string    `json:"job_id"`
	StudyID    string    `json:"study_id"`
	Pipeline   string    `json:"pipeline"`
	Owner      string    `json:"owner,omitempty"`
	State      RunState  `json:"state"`
	PID        int       `json:"pid,omitempty"`
	Command    []string  `json:"command,omitempty"`
	ConfigPath string    `json:"config_path,omitempty"`
	LogPath    string    `json:"log_path,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// RunStore persists RunRecords on disk.
//
// Directory layout:
//
//	<root>/<job_id>/run.json
//	<root>/<job_id>/pipeline.log
//	<root>/<job_id>/config.yaml
//
// The pipeline writes its output under the same directory.
type RunStore struct {
	root string
}

func NewRunStore(root string) *RunStore {
	return &RunStore{root: strings.TrimSpace(root)}
}

func (s *RunStore) RootDir() string {
	return s.root
}

func (s *RunStore) RunDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *RunStore) RecordPath(jobID string) string {
	return filepath.Join(s.RunDir(jobID), "run.json")
}

func (s *RunStore) LogPath(jobID string) string {
	return filepath.Join(s.RunDir(jobID), "pipeline.log")
}

func (s *RunStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("pipeline workdir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Write replaces run.json atomically.
func (s *RunStore) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	runDir := s.RunDir(jobID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(runDir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.RecordPath(jobID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads a run record. A record that claims to be running but whose
// process is gone is rewritten as lost.
func (s *RunStore) Get(jobID string) (*RunRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.RecordPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	if record.State == RunStateRunning && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = RunStateLost
		now := time.Now().UTC()
		record.EndedAt = &now
		if record.Error == "" {
			record.Error = "process exited without a recorded result"
		}
		_ = s.Write(&record)
	}

	return &record, nil
}

// List returns every readable record, newest first.
func (s *RunStore) List() ([]RunRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pipeline workdir: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return runSortTime(out[i]).After(runSortTime(out[j]))
	})
	return out, nil
}

func runSortTime(r RunRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything.
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}
