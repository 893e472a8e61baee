// Package backup implements the backup/migration subsystem (spec §4.M):
// point-in-time backup artifacts over the content store, checksum
// verification, per-kind retention, and restore with a mandatory
// pre-restore safety backup. Grounded on
// _examples/original_source/cortex/src/storage/backup.rs (BackupType,
// BackupMetadata, BackupManager::create_backup/restore_backup/
// cleanup_old_backups) and the teacher's github.com/natefinch/atomic
// catalog-write idiom (internal/store/worker.go's saveSessionIndex).
//
// The original manages a single SurrealDB database and only ever restores
// the whole thing. This store is a single bbolt file holding both
// content-addressed blobs and a raw keyspace of small metadata records
// (internal/coc/cas), and only one corner of that raw keyspace is actually
// scoped per workspace today: the episodic memory tier's
// idx:episode:workspace: index (internal/coc/memory/episodic.go). So
// "workspace-granular restore" here means exactly that: restore pulls back
// one workspace's episodic records (index entries plus the episode bodies
// they point at) out of an archived snapshot, leaving every other raw key
// and every content blob untouched. A plain Restore with no workspace id
// writes every raw key of the snapshot back over the live store in one
// transaction; raw keys created after the backup was taken are not removed,
// and content blobs are not restored.
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/heike/internal/coc/cas"
	"github.com/harunnryd/heike/internal/coc/memory"
	"github.com/harunnryd/heike/internal/config"
	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
)

// Kind classifies why a backup was taken, governing retention (spec §4.M).
type Kind string

const (
	KindManual       Kind = "manual"
	KindScheduled    Kind = "scheduled"
	KindPreMigration Kind = "pre_migration"
	KindIncremental  Kind = "incremental"
)

const (
	snapshotEntryName = "snapshot.bbolt"
	manifestEntryName = "manifest.json"
	catalogFileName   = "catalog.json"
)

// Metadata describes one backup artifact (spec §4.M), mirroring
// BackupMetadata in backup.rs field-for-field minus the SurrealDB-specific
// schema_version semantics, which stays as a caller-supplied int.
type Metadata struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	CreatedAt     time.Time  `json:"created_at"`
	SizeBytes     int64      `json:"size_bytes"`
	Checksum      string     `json:"checksum"` // hex SHA-256 over the artifact file
	Description   string     `json:"description"`
	SchemaVersion int        `json:"schema_version"`
	Verified      bool       `json:"verified"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Path          string     `json:"path"` // filename under cfg.Dir
}

// Stats summarizes the catalog (spec §4.M BackupStats).
type Stats struct {
	TotalBackups    int
	TotalSizeBytes  int64
	ByKind          map[Kind]int
	OldestBackup    *time.Time
	NewestBackup    *time.Time
	VerifiedCount   int
	UnverifiedCount int
}

type catalogFile struct {
	Backups          map[string]Metadata `json:"backups"`
	ScheduledCron    string               `json:"scheduled_cron"`
	NextScheduledRun time.Time            `json:"next_scheduled_run"`
}

// Manager creates, lists, verifies, and restores backup artifacts over a
// *cas.Store. One Manager owns one cfg.Dir.
type Manager struct {
	store *cas.Store
	cfg   config.BackupConfig

	mu      sync.Mutex
	catalog catalogFile
}

// NewManager opens (creating if absent) the backup catalog under cfg.Dir.
func NewManager(store *cas.Store, cfg config.BackupConfig) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, heikeErrors.Backend(fmt.Sprintf("create backup dir: %v", err))
	}
	m := &Manager{store: store, cfg: cfg, catalog: catalogFile{Backups: make(map[string]Metadata)}}

	path := filepath.Join(cfg.Dir, catalogFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.catalog.ScheduledCron = cfg.ScheduledCron
			return m, m.saveCatalog()
		}
		return nil, heikeErrors.Backend(fmt.Sprintf("read backup catalog: %v", err))
	}
	if err := json.Unmarshal(data, &m.catalog); err != nil {
		return nil, heikeErrors.Corrupted("unmarshal backup catalog: " + err.Error())
	}
	if m.catalog.Backups == nil {
		m.catalog.Backups = make(map[string]Metadata)
	}
	return m, nil
}

func (m *Manager) saveCatalog() error {
	data, err := json.MarshalIndent(m.catalog, "", "  ")
	if err != nil {
		return heikeErrors.Corrupted("marshal backup catalog: " + err.Error())
	}
	path := filepath.Join(m.cfg.Dir, catalogFileName)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return heikeErrors.Backend(fmt.Sprintf("write backup catalog: %v", err))
	}
	return nil
}

// Create snapshots the store into a new backup artifact of the given kind,
// auto-verifies it if cfg.AutoVerify, and applies retention for
// scheduled/incremental kinds (spec §4.M create_backup + cleanup_old_backups).
func (m *Manager) Create(ctx context.Context, kind Kind, description string, schemaVersion int, tags []string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ulid.Make().String()
	filename := id + ".bkp"
	path := filepath.Join(m.cfg.Dir, filename)

	manifest := Metadata{
		ID:            id,
		Kind:          kind,
		CreatedAt:     time.Now(),
		Description:   description,
		SchemaVersion: schemaVersion,
		Tags:          tags,
		Path:          filename,
	}

	size, checksum, err := m.writeArtifact(path, manifest)
	if err != nil {
		return Metadata{}, err
	}
	manifest.SizeBytes = size
	manifest.Checksum = checksum

	if m.cfg.AutoVerify {
		if err := m.verifyArtifact(path, manifest.Checksum); err != nil {
			return Metadata{}, heikeErrors.Corrupted("auto-verify backup: " + err.Error())
		}
		now := time.Now()
		manifest.Verified = true
		manifest.VerifiedAt = &now
	}

	m.catalog.Backups[id] = manifest
	if err := m.saveCatalog(); err != nil {
		return Metadata{}, err
	}

	if kind == KindScheduled || kind == KindIncremental {
		if err := m.cleanupOldKindLocked(kind); err != nil {
			return manifest, err
		}
	}

	return manifest, nil
}

// writeArtifact snapshots the live store plus a manifest into a single
// optionally-gzipped tar file at path, returning its size and SHA-256.
func (m *Manager) writeArtifact(path string, manifest Metadata) (int64, string, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, "", heikeErrors.Backend(fmt.Sprintf("create backup artifact: %v", err))
	}
	defer os.Remove(tmp)

	hasher := sha256.New()
	mw := io.MultiWriter(f, hasher)

	var archiveWriter io.Writer = mw
	var gz *gzip.Writer
	if m.cfg.Compress {
		gz = gzip.NewWriter(mw)
		archiveWriter = gz
	}
	tw := tar.NewWriter(archiveWriter)

	snapshotTmp, err := os.CreateTemp("", "coc-backup-snapshot-*.bbolt")
	if err != nil {
		_ = f.Close()
		return 0, "", heikeErrors.Backend(fmt.Sprintf("create snapshot temp file: %v", err))
	}
	defer os.Remove(snapshotTmp.Name())
	if err := m.store.Snapshot(snapshotTmp); err != nil {
		_ = snapshotTmp.Close()
		_ = f.Close()
		return 0, "", heikeErrors.Backend(fmt.Sprintf("snapshot store: %v", err))
	}
	snapshotSize, err := snapshotTmp.Seek(0, io.SeekCurrent)
	if err != nil {
		_ = snapshotTmp.Close()
		_ = f.Close()
		return 0, "", heikeErrors.Backend(fmt.Sprintf("seek snapshot temp file: %v", err))
	}
	if _, err := snapshotTmp.Seek(0, io.SeekStart); err != nil {
		_ = snapshotTmp.Close()
		_ = f.Close()
		return 0, "", heikeErrors.Backend(fmt.Sprintf("rewind snapshot temp file: %v", err))
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		_ = snapshotTmp.Close()
		_ = f.Close()
		return 0, "", heikeErrors.Corrupted("marshal manifest: " + err.Error())
	}

	if err := tw.WriteHeader(&tar.Header{Name: manifestEntryName, Mode: 0o644, Size: int64(len(manifestBytes))}); err != nil {
		_ = snapshotTmp.Close()
		_ = f.Close()
		return 0, "", heikeErrors.Backend(fmt.Sprintf("write manifest header: %v", err))
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		_ = snapshotTmp.Close()
		_ = f.Close()
		return 0, "", heikeErrors.Backend(fmt.Sprintf("write manifest entry: %v", err))
	}

	if err := tw.WriteHeader(&tar.Header{Name: snapshotEntryName, Mode: 0o644, Size: snapshotSize}); err != nil {
		_ = snapshotTmp.Close()
		_ = f.Close()
		return 0, "", heikeErrors.Backend(fmt.Sprintf("write snapshot header: %v", err))
	}
	if _, err := io.Copy(tw, snapshotTmp); err != nil {
		_ = snapshotTmp.Close()
		_ = f.Close()
		return 0, "", heikeErrors.Backend(fmt.Sprintf("write snapshot entry: %v", err))
	}
	_ = snapshotTmp.Close()

	if err := tw.Close(); err != nil {
		_ = f.Close()
		return 0, "", heikeErrors.Backend(fmt.Sprintf("close tar writer: %v", err))
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = f.Close()
			return 0, "", heikeErrors.Backend(fmt.Sprintf("close gzip writer: %v", err))
		}
	}
	if err := f.Close(); err != nil {
		return 0, "", heikeErrors.Backend(fmt.Sprintf("close backup artifact: %v", err))
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return 0, "", heikeErrors.Backend(fmt.Sprintf("stat backup artifact: %v", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, "", heikeErrors.Backend(fmt.Sprintf("finalize backup artifact: %v", err))
	}
	return info.Size(), hex.EncodeToString(hasher.Sum(nil)), nil
}

// List returns every backup in the catalog, newest first.
func (m *Manager) List() []Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Metadata, 0, len(m.catalog.Backups))
	for _, md := range m.catalog.Backups {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Get retrieves one backup's metadata by id.
func (m *Manager) Get(id string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.catalog.Backups[id]
	if !ok {
		return Metadata{}, heikeErrors.NotFound(fmt.Sprintf("backup %s", id))
	}
	return md, nil
}

// Delete removes a backup's artifact file and catalog entry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Manager) deleteLocked(id string) error {
	md, ok := m.catalog.Backups[id]
	if !ok {
		return heikeErrors.NotFound(fmt.Sprintf("backup %s", id))
	}
	if err := os.Remove(filepath.Join(m.cfg.Dir, md.Path)); err != nil && !os.IsNotExist(err) {
		return heikeErrors.Backend(fmt.Sprintf("remove backup artifact: %v", err))
	}
	delete(m.catalog.Backups, id)
	return m.saveCatalog()
}

// Verify recomputes the artifact's checksum and confirms it can be opened
// as a tar (or tar.gz) archive containing both expected entries (spec §4.M
// verify_backup/verify_backup_internal).
func (m *Manager) Verify(id string) (Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.catalog.Backups[id]
	if !ok {
		return Metadata{}, heikeErrors.NotFound(fmt.Sprintf("backup %s", id))
	}
	path := filepath.Join(m.cfg.Dir, md.Path)
	if err := m.verifyArtifact(path, md.Checksum); err != nil {
		return Metadata{}, err
	}

	now := time.Now()
	md.Verified = true
	md.VerifiedAt = &now
	m.catalog.Backups[id] = md
	if err := m.saveCatalog(); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func (m *Manager) verifyArtifact(path, wantChecksum string) error {
	info, err := os.Stat(path)
	if err != nil {
		return heikeErrors.Backend(fmt.Sprintf("stat backup artifact: %v", err))
	}
	if info.Size() == 0 {
		return heikeErrors.Corrupted("backup artifact is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return heikeErrors.Backend(fmt.Sprintf("open backup artifact: %v", err))
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return heikeErrors.Backend(fmt.Sprintf("checksum backup artifact: %v", err))
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != wantChecksum {
		return heikeErrors.Corrupted(fmt.Sprintf("checksum mismatch: want %s got %s", wantChecksum, got))
	}

	entries, err := m.readArchive(path)
	if err != nil {
		return err
	}
	if _, ok := entries[snapshotEntryName]; !ok {
		return heikeErrors.Corrupted("backup artifact missing snapshot entry")
	}
	if _, ok := entries[manifestEntryName]; !ok {
		return heikeErrors.Corrupted("backup artifact missing manifest entry")
	}
	return nil
}

func (m *Manager) readArchive(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, heikeErrors.Backend(fmt.Sprintf("open backup artifact: %v", err))
	}
	defer f.Close()

	var r io.Reader = f
	if m.cfg.Compress {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, heikeErrors.Corrupted("open gzip reader: " + err.Error())
		}
		defer gr.Close()
		r = gr
	}

	out := make(map[string][]byte)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, heikeErrors.Corrupted("read tar entry: " + err.Error())
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, heikeErrors.Corrupted("read tar entry body: " + err.Error())
		}
		out[hdr.Name] = data
	}
	return out, nil
}

// Restore applies a backup's raw keyspace back onto the live store,
// taking a manual safety backup first (spec §4.M restore_backup). When
// workspaceID is empty every raw key in the snapshot is written back over
// the live store (raw keys absent from the snapshot are left in place);
// otherwise only the named workspace's episodic records are restored,
// leaving every other raw key and every content blob untouched.
func (m *Manager) Restore(ctx context.Context, id string, workspaceID string) error {
	md, err := m.Get(id)
	if err != nil {
		return err
	}
	if !md.Verified {
		if _, err := m.Verify(id); err != nil {
			return heikeErrors.Corrupted("backup failed verification, refusing to restore: " + err.Error())
		}
	}

	if _, err := m.Create(ctx, KindManual, fmt.Sprintf("pre-restore safety backup before restoring %s", id), md.SchemaVersion, nil); err != nil {
		return heikeErrors.Backend("create pre-restore safety backup: " + err.Error())
	}

	path := filepath.Join(m.cfg.Dir, md.Path)
	entries, err := m.readArchive(path)
	if err != nil {
		return err
	}
	snapshotBytes, ok := entries[snapshotEntryName]
	if !ok {
		return heikeErrors.Corrupted("backup artifact missing snapshot entry")
	}

	snapshotFile, err := os.CreateTemp("", "coc-restore-snapshot-*.bbolt")
	if err != nil {
		return heikeErrors.Backend(fmt.Sprintf("create restore temp file: %v", err))
	}
	defer os.Remove(snapshotFile.Name())
	if _, err := snapshotFile.Write(snapshotBytes); err != nil {
		_ = snapshotFile.Close()
		return heikeErrors.Backend(fmt.Sprintf("write restore temp file: %v", err))
	}
	if err := snapshotFile.Close(); err != nil {
		return heikeErrors.Backend(fmt.Sprintf("close restore temp file: %v", err))
	}

	snap, err := cas.OpenRawSnapshot(snapshotFile.Name())
	if err != nil {
		return err
	}
	defer snap.Close()

	if workspaceID == "" {
		all, err := snap.ListRawPrefix("")
		if err != nil {
			return err
		}
		return m.store.PutRawBatch(all)
	}
	return m.restoreWorkspace(snap, workspaceID)
}

// restoreWorkspace restores one workspace's episodic index entries plus
// the episode records they reference, all in a single transaction.
func (m *Manager) restoreWorkspace(snap *cas.RawSnapshot, workspaceID string) error {
	idxPrefix := memory.EpisodeWorkspaceIndexPrefix + workspaceID + ":"
	idxEntries, err := snap.ListRawPrefix(idxPrefix)
	if err != nil {
		return err
	}
	if len(idxEntries) == 0 {
		return heikeErrors.NotFound(fmt.Sprintf("no episodic records for workspace %s in this backup", workspaceID))
	}

	restore := make(map[string][]byte, len(idxEntries)*2)
	for key, val := range idxEntries {
		restore[key] = val

		parts := strings.Split(key, ":")
		episodeID := parts[len(parts)-1]
		episodeKey := memory.EpisodeKeyPrefix + episodeID
		if _, already := restore[episodeKey]; already {
			continue
		}
		episodeData, err := snap.GetRaw(episodeKey)
		if err != nil {
			continue // index entry outlived its episode body; skip rather than fail the whole restore
		}
		restore[episodeKey] = episodeData
	}

	return m.store.PutRawBatch(restore)
}

// CreatePreMigrationBackup is a convenience wrapper around Create for the
// pre-migration guard (spec §4.M).
func (m *Manager) CreatePreMigrationBackup(ctx context.Context, schemaVersion int, description string) (Metadata, error) {
	return m.Create(ctx, KindPreMigration, description, schemaVersion, nil)
}

// CreateScheduledBackup is a convenience wrapper around Create for the
// cron-driven cadence.
func (m *Manager) CreateScheduledBackup(ctx context.Context, schemaVersion int) (Metadata, error) {
	return m.Create(ctx, KindScheduled, "scheduled backup", schemaVersion, nil)
}

// DueForScheduledBackup reports whether the configured cron cadence has
// elapsed, mirroring internal/scheduler/store.go's ShouldFire/cron.ParseStandard
// lease idiom: callers poll this and call CreateScheduledBackup plus
// MarkScheduledBackupRun when it returns true, rather than this package
// running its own timer goroutine.
func (m *Manager) DueForScheduledBackup(now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.catalog.NextScheduledRun.IsZero() {
		sched, err := cron.ParseStandard(m.catalog.ScheduledCron)
		if err != nil {
			return false, heikeErrors.InvalidInput("invalid scheduled backup cron: " + err.Error())
		}
		m.catalog.NextScheduledRun = sched.Next(now)
		return false, m.saveCatalog()
	}
	return !m.catalog.NextScheduledRun.After(now), nil
}

// MarkScheduledBackupRun advances the next-run time after a scheduled
// backup completes.
func (m *Manager) MarkScheduledBackupRun(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sched, err := cron.ParseStandard(m.catalog.ScheduledCron)
	if err != nil {
		return heikeErrors.InvalidInput("invalid scheduled backup cron: " + err.Error())
	}
	m.catalog.NextScheduledRun = sched.Next(now)
	return m.saveCatalog()
}

func (m *Manager) cleanupOldKindLocked(kind Kind) error {
	var max int
	switch kind {
	case KindScheduled:
		max = m.cfg.MaxScheduled
	case KindIncremental:
		max = m.cfg.MaxIncremental
	default:
		return nil // manual and pre_migration backups are never auto-cleaned
	}
	if max <= 0 {
		return nil
	}

	var ofKind []Metadata
	for _, md := range m.catalog.Backups {
		if md.Kind == kind {
			ofKind = append(ofKind, md)
		}
	}
	if len(ofKind) <= max {
		return nil
	}
	sort.Slice(ofKind, func(i, j int) bool { return ofKind[i].CreatedAt.Before(ofKind[j].CreatedAt) })

	overflow := len(ofKind) - max
	for _, md := range ofKind[:overflow] {
		if err := m.deleteLocked(md.ID); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes the catalog (spec §4.M get_stats).
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{ByKind: make(map[Kind]int)}
	for _, md := range m.catalog.Backups {
		stats.TotalBackups++
		stats.TotalSizeBytes += md.SizeBytes
		stats.ByKind[md.Kind]++
		if md.Verified {
			stats.VerifiedCount++
		} else {
			stats.UnverifiedCount++
		}
		if stats.OldestBackup == nil || md.CreatedAt.Before(*stats.OldestBackup) {
			t := md.CreatedAt
			stats.OldestBackup = &t
		}
		if stats.NewestBackup == nil || md.CreatedAt.After(*stats.NewestBackup) {
			t := md.CreatedAt
			stats.NewestBackup = &t
		}
	}
	return stats
}
