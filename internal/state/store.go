package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"matrixci/internal/matrix"
)

// Store persists run state under:
//
//	<baseDir>/.matrixci/runs/<run-id>/
//	    run.json
//	    jobs/<sanitized-job-id>.json
//	    artifacts/<sanitized-job-id>/...
//
// All writes are atomic and durable: temp file, fsync, rename, directory
// fsync. A crash never leaves a half-written record behind.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) runsRootDir() string {
	return filepath.Join(s.baseDir, ".matrixci", "runs")
}

// RunDir returns the directory of a run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

// ArtifactDir returns the artifact root of a run.
func (s *Store) ArtifactDir(runID string) string {
	return filepath.Join(s.RunDir(runID), "artifacts")
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.RunDir(runID), "run.json")
}

func (s *Store) jobsDir(runID string) string {
	return filepath.Join(s.RunDir(runID), "jobs")
}

func (s *Store) jobPath(runID, jobID string) string {
	return filepath.Join(s.jobsDir(runID), matrix.SanitizeID(jobID)+".json")
}

// ListRunIDs returns all run IDs present on disk, sorted lexicographically.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && e.Name() != "" {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveRun writes the run record.
func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := ensureDirDurable(s.RunDir(run.RunID)); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := marshalStable(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if err := writeFileAtomicDurable(s.runPath(run.RunID), data, 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// LoadRun reads and validates the run record.
func (s *Store) LoadRun(runID string) (Run, error) {
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	var run Run
	if err := readJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// SaveJob writes one job record. Called as each job reaches a terminal
// state, so a crash mid-run loses at most the in-flight jobs.
func (s *Store) SaveJob(runID string, rec JobRecord) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid job record: %w", err)
	}
	if err := ensureDirDurable(s.jobsDir(runID)); err != nil {
		return fmt.Errorf("ensure jobs dir: %w", err)
	}
	data, err := marshalStable(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	if err := writeFileAtomicDurable(s.jobPath(runID, rec.JobID), data, 0o644); err != nil {
		return fmt.Errorf("write job record: %w", err)
	}
	return nil
}

// LoadJobs reads all job records of a run, keyed by job ID.
func (s *Store) LoadJobs(runID string) (map[string]JobRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("runID is required")
	}
	entries, err := os.ReadDir(s.jobsDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]JobRecord{}, nil
		}
		return nil, err
	}
	out := make(map[string]JobRecord, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec JobRecord
		if err := readJSONStrict(filepath.Join(s.jobsDir(runID), e.Name()), &rec); err != nil {
			return nil, err
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid job record %s: %w", e.Name(), err)
		}
		out[rec.JobID] = rec
	}
	return out, nil
}

func marshalStable(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readJSONStrict(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	// Trailing garbage after the document means the file is corrupt.
	if err := dec.Decode(new(json.RawMessage)); err != io.EOF {
		return fmt.Errorf("decode %s: trailing data", path)
	}
	return nil
}

func ensureDirDurable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(dir))
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
