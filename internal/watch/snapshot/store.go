package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petr-muller/ghwatch/internal/watch/resource"
)

// snapshotFile is the on-disk form of one job's snapshot
type snapshotFile struct {
	Job       string                                     `yaml:"job"`
	Repo      string                                     `yaml:"repo"`
	SavedAt   time.Time                                  `yaml:"saved_at"`
	Resources map[resource.Kind]map[string]resource.Entry `yaml:"resources"`
}

// Summary describes a stored snapshot without loading it into a RepositorySnapshot
type Summary struct {
	Job     string
	Repo    string
	SavedAt time.Time
	Counts  map[resource.Kind]int
}

// Store persists snapshots as one YAML file per job
type Store struct {
	dataDir string
}

// NewStore creates a new storage instance
func NewStore(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
	}
}

func (s *Store) ensureDataDir() error {
	return os.MkdirAll(s.dataDir, 0755)
}

func (s *Store) snapshotFilePath(job string) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s.yaml", job))
}

func (s *Store) read(job string) (*snapshotFile, error) {
	data, err := os.ReadFile(s.snapshotFilePath(job))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var file snapshotFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &file, nil
}

// Load returns the stored snapshot of a job. A job that was never saved gets
// an empty snapshot that reports Persisted() == false.
func (s *Store) Load(job string) (*RepositorySnapshot, error) {
	file, err := s.read(job)
	if err != nil {
		return nil, err
	}

	snap := New()
	if file == nil {
		return snap, nil
	}
	for kind, byKey := range file.Resources {
		if len(byKey) > 0 {
			snap.entries[kind] = byKey
		}
	}
	snap.persisted = true
	snap.savedAt = file.SavedAt
	return snap, nil
}

// Save writes the snapshot of a job. The file is replaced atomically.
func (s *Store) Save(job string, repo resource.Repo, snap *RepositorySnapshot) error {
	if err := s.ensureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	now := time.Now()
	file := snapshotFile{
		Job:       job,
		Repo:      repo.String(),
		SavedAt:   now,
		Resources: snap.export(),
	}
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.dataDir, "."+job+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.snapshotFilePath(job)); err != nil {
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}

	snap.markPersisted(now)
	return nil
}

// Exists checks if a snapshot exists in storage
func (s *Store) Exists(job string) bool {
	_, err := os.Stat(s.snapshotFilePath(job))
	return err == nil
}

// List returns summaries of all stored snapshots
func (s *Store) List() ([]Summary, error) {
	if err := s.ensureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var summaries []Summary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		file, err := s.read(strings.TrimSuffix(entry.Name(), ".yaml"))
		if err != nil || file == nil {
			continue // Skip snapshots that can't be loaded
		}
		summary := Summary{
			Job:     file.Job,
			Repo:    file.Repo,
			SavedAt: file.SavedAt,
			Counts:  map[resource.Kind]int{},
		}
		for kind, byKey := range file.Resources {
			summary.Counts[kind] = len(byKey)
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// Delete removes a snapshot from storage
func (s *Store) Delete(job string) error {
	if err := os.Remove(s.snapshotFilePath(job)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot file: %w", err)
	}
	return nil
}

// DataDir returns the data directory path
func (s *Store) DataDir() string {
	return s.dataDir
}
