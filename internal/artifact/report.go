package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"nvhelper/internal/log"
)

// ReportFile is the report's file name inside the package root.
const ReportFile = "last-run.json"

// Entry describes one installed package file.
type Entry struct {
	Path   string   `json:"path"`
	Digest string   `json:"blake3"`
	Size   int64    `json:"size"`
	Info   *PkgInfo `json:"pkginfo,omitempty"`
}

// Report records the outcome of a successful run.
type Report struct {
	RunID       string    `json:"run_id"`
	ReleaseLine string    `json:"release_line"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	Artifacts   []Entry   `json:"artifacts"`
}

// NewReport starts a report for releaseLine with a fresh run id.
func NewReport(releaseLine string, started time.Time) *Report {
	return &Report{
		RunID:       uuid.NewString(),
		ReleaseLine: releaseLine,
		Started:     started.UTC(),
	}
}

// Add digests each path and appends it. Unreadable metadata is logged and
// the entry is kept without it; an unreadable file is an error.
func (r *Report) Add(paths ...string) error {
	logger := log.WithComponent("artifact")
	for _, p := range paths {
		digest, size, err := Digest(p)
		if err != nil {
			return fmt.Errorf("digest %s: %w", p, err)
		}
		e := Entry{Path: p, Digest: digest, Size: size}
		info, err := ReadPkgInfo(p)
		if err != nil {
			logger.Debug("no package metadata", "path", p, "error", err)
		} else {
			e.Info = info
		}
		r.Artifacts = append(r.Artifacts, e)
	}
	return nil
}

// Write stamps the finish time and writes the report atomically to
// dir/last-run.json, returning the written path.
func (r *Report) Write(dir string, finished time.Time) (string, error) {
	r.Finished = finished.UTC()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')

	dest := filepath.Join(dir, ReportFile)
	tmp, err := os.CreateTemp(dir, ".last-run-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return dest, nil
}

// ReadReport loads a report previously written by Write.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid report %s: %w", path, err)
	}
	return &r, nil
}
