// Package persistence snapshots the five collections into timestamped tar.gz
// archives with optional passphrase encryption and retention pruning.
package persistence

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"infinite-mcp-memory/internal/config"
	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/internal/logging"
	"infinite-mcp-memory/internal/storage"
)

const backupPrefix = "memory-backup-"

// Manager creates and prunes collection snapshots.
type Manager struct {
	store  storage.Store
	cfg    config.BackupConfig
	logger logging.Logger
}

// NewManager creates a backup manager writing under cfg.Directory.
func NewManager(store storage.Store, cfg config.BackupConfig, logger logging.Logger) (*Manager, error) {
	dir := config.ExpandHome(cfg.Directory)
	if dir == "" {
		return nil, memerr.New(memerr.KindInvalidRequest, "backup directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	cfg.Directory = dir
	return &Manager{store: store, cfg: cfg, logger: logger.WithComponent("backup")}, nil
}

// CreateBackup snapshots every collection into one archive and returns its
// path. With encryption enabled the archive bytes are sealed under the
// configured passphrase.
func (m *Manager) CreateBackup(ctx context.Context) (string, error) {
	archive, err := m.buildArchive(ctx)
	if err != nil {
		return "", err
	}

	name := backupPrefix + time.Now().UTC().Format("20060102-150405") + ".tar.gz"
	data := archive
	if m.cfg.EncryptionEnabled {
		if m.cfg.EncryptionPassphrase == "" {
			return "", memerr.New(memerr.KindInvalidRequest, "backup encryption enabled without passphrase")
		}
		sealed, err := encrypt(archive, m.cfg.EncryptionPassphrase)
		if err != nil {
			return "", err
		}
		data = sealed
		name += ".enc"
	}

	path := filepath.Join(m.cfg.Directory, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	m.logger.Info("backup created", "path", path, "bytes", len(data))
	return path, nil
}

func (m *Manager) buildArchive(ctx context.Context) ([]byte, error) {
	conversations, err := m.store.FindConversations(ctx, nil)
	if err != nil {
		return nil, err
	}
	summaries, err := m.store.AllSummaries(ctx)
	if err != nil {
		return nil, err
	}
	index, err := m.store.FindIndexEntries(ctx, "", "")
	if err != nil {
		return nil, err
	}
	scopes, err := m.store.ListScopes(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := m.store.AllProfileItems(ctx)
	if err != nil {
		return nil, err
	}

	out := &tarGzBuilder{}
	if err := out.open(); err != nil {
		return nil, err
	}
	entries := []struct {
		name string
		data any
	}{
		{"conversation_history.json", conversations},
		{"summaries.json", summaries},
		{"memory_index.json", index},
		{"metadata_scopes.json", scopes},
		{"user_profile.json", profile},
	}
	for _, entry := range entries {
		if err := out.addJSON(entry.name, entry.data); err != nil {
			return nil, err
		}
	}
	return out.close()
}

// ListBackups returns backup file paths, newest first.
func (m *Manager) ListBackups() ([]string, error) {
	dirEntries, err := os.ReadDir(m.cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}
	var paths []string
	for _, entry := range dirEntries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), backupPrefix) {
			continue
		}
		paths = append(paths, filepath.Join(m.cfg.Directory, entry.Name()))
	}
	// Names embed a sortable UTC stamp.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

// CleanupOldBackups removes backups beyond the retention count and returns
// how many were deleted. Retention zero or below keeps everything.
func (m *Manager) CleanupOldBackups() (int, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	paths, err := m.ListBackups()
	if err != nil {
		return 0, err
	}
	if len(paths) <= m.cfg.Retention {
		return 0, nil
	}
	removed := 0
	for _, path := range paths[m.cfg.Retention:] {
		if err := os.Remove(path); err != nil {
			m.logger.Warn("failed to remove old backup", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// tarGzBuilder accumulates JSON entries into an in-memory tar.gz.
type tarGzBuilder struct {
	buf *bytes.Buffer
	gz  *gzip.Writer
	tw  *tar.Writer
}

func (t *tarGzBuilder) open() error {
	t.buf = &bytes.Buffer{}
	t.gz = gzip.NewWriter(t.buf)
	t.tw = tar.NewWriter(t.gz)
	return nil
}

func (t *tarGzBuilder) addJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o640,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}
	if err := t.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := t.tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (t *tarGzBuilder) close() ([]byte, error) {
	if err := t.tw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	if err := t.gz.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return t.buf.Bytes(), nil
}
