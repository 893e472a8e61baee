package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/heike/internal/coc/cas"
	"github.com/harunnryd/heike/internal/coc/memory"
	"github.com/harunnryd/heike/internal/config"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *cas.Store {
	t.Helper()
	store, err := cas.Open(filepath.Join(t.TempDir(), "cas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T, store *cas.Store) *Manager {
	t.Helper()
	cfg := config.BackupConfig{
		Dir:            t.TempDir(),
		MaxScheduled:   2,
		MaxIncremental: 2,
		AutoVerify:     true,
		Compress:       true,
		ScheduledCron:  "0 */6 * * *",
	}
	m, err := NewManager(store, cfg)
	require.NoError(t, err)
	return m
}

func TestCreate_ProducesVerifiedArtifact(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)

	err := store.PutRaw("greeting", []byte("hello"))
	require.NoError(t, err)

	md, err := m.Create(context.Background(), KindManual, "snapshot with a greeting", 1, []string{"t1"})
	require.NoError(t, err)
	require.True(t, md.Verified)
	require.NotZero(t, md.SizeBytes)
	require.NotEmpty(t, md.Checksum)

	got, err := m.Get(md.ID)
	require.NoError(t, err)
	require.Equal(t, md.ID, got.ID)
}

func TestList_ReturnsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)

	first, err := m.Create(context.Background(), KindManual, "first", 1, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := m.Create(context.Background(), KindManual, "second", 1, nil)
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
	require.Equal(t, first.ID, list[1].ID)
}

func TestVerify_DetectsChecksumMismatch(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)

	md, err := m.Create(context.Background(), KindManual, "tamper target", 1, nil)
	require.NoError(t, err)

	md.Checksum = "not-the-real-checksum"
	m.catalog.Backups[md.ID] = md
	require.NoError(t, m.saveCatalog())

	_, err = m.Verify(md.ID)
	require.Error(t, err)
}

func TestDelete_RemovesArtifactAndCatalogEntry(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)

	md, err := m.Create(context.Background(), KindManual, "to delete", 1, nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(md.ID))
	_, err = m.Get(md.ID)
	require.Error(t, err)
}

func TestRetention_KeepsOnlyMaxScheduledBackups(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store) // MaxScheduled: 2

	var ids []string
	for i := 0; i < 4; i++ {
		md, err := m.CreateScheduledBackup(context.Background(), 1)
		require.NoError(t, err)
		ids = append(ids, md.ID)
		time.Sleep(time.Millisecond)
	}

	list := m.List()
	require.Len(t, list, 2)
	// the two most recently created scheduled backups survive
	require.Equal(t, ids[3], list[0].ID)
	require.Equal(t, ids[2], list[1].ID)
}

func TestRetention_NeverCleansManualOrPreMigration(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store) // MaxScheduled/MaxIncremental: 2

	for i := 0; i < 5; i++ {
		_, err := m.Create(context.Background(), KindManual, "manual", 1, nil)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := m.CreatePreMigrationBackup(context.Background(), 1, "pre-migration")
		require.NoError(t, err)
	}

	require.Len(t, m.List(), 10)
}

func TestRestore_FullReplacesRawKeyspace(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)

	require.NoError(t, store.PutRaw("k1", []byte("v1")))
	md, err := m.Create(context.Background(), KindManual, "before deletion", 1, nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteRaw("k1"))
	_, err = store.GetRaw("k1")
	require.Error(t, err)

	require.NoError(t, m.Restore(context.Background(), md.ID, ""))

	v, err := store.GetRaw("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestRestore_WorkspaceGranularOnlyTouchesThatWorkspace(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)
	ep := memory.NewEpisodic(store, nil)

	epA, err := ep.Append(context.Background(), memory.Episode{
		WorkspaceID:     "ws-a",
		TaskDescription: "task a",
		Outcome:         "success",
	})
	require.NoError(t, err)
	epB, err := ep.Append(context.Background(), memory.Episode{
		WorkspaceID:     "ws-b",
		TaskDescription: "task b",
		Outcome:         "success",
	})
	require.NoError(t, err)

	md, err := m.Create(context.Background(), KindManual, "both workspaces present", 1, nil)
	require.NoError(t, err)

	// simulate data loss restricted to workspace a
	indexEntries, err := store.ListRawPrefix(memory.EpisodeWorkspaceIndexPrefix + "ws-a:")
	require.NoError(t, err)
	for k := range indexEntries {
		require.NoError(t, store.DeleteRaw(k))
	}
	require.NoError(t, store.DeleteRaw(memory.EpisodeKeyPrefix+epA.ID))

	require.NoError(t, m.Restore(context.Background(), md.ID, "ws-a"))

	restoredA, err := ep.Get(epA.ID)
	require.NoError(t, err)
	require.Equal(t, "task a", restoredA.TaskDescription)

	stillThereB, err := ep.Get(epB.ID)
	require.NoError(t, err)
	require.Equal(t, "task b", stillThereB.TaskDescription)
}

func TestRestore_UnverifiedBackupIsVerifiedFirst(t *testing.T) {
	store := newTestStore(t)
	cfg := config.BackupConfig{
		Dir: t.TempDir(), MaxScheduled: 2, MaxIncremental: 2,
		AutoVerify: false, Compress: false, ScheduledCron: "0 */6 * * *",
	}
	m, err := NewManager(store, cfg)
	require.NoError(t, err)

	md, err := m.Create(context.Background(), KindManual, "never verified", 1, nil)
	require.NoError(t, err)
	require.False(t, md.Verified)

	require.NoError(t, m.Restore(context.Background(), md.ID, ""))

	got, err := m.Get(md.ID)
	require.NoError(t, err)
	require.True(t, got.Verified)
}

func TestRestore_CreatesPreRestoreSafetyBackup(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)

	md, err := m.Create(context.Background(), KindManual, "target", 1, nil)
	require.NoError(t, err)

	before := len(m.List())
	require.NoError(t, m.Restore(context.Background(), md.ID, ""))
	after := m.List()

	require.Equal(t, before+1, len(after))
	require.Contains(t, after[0].Description, "pre-restore safety backup")
}

func TestStats_SummarizesCatalog(t *testing.T) {
	store := newTestStore(t)
	m := newTestManager(t, store)

	_, err := m.Create(context.Background(), KindManual, "m1", 1, nil)
	require.NoError(t, err)
	_, err = m.CreateScheduledBackup(context.Background(), 1)
	require.NoError(t, err)

	stats := m.Stats()
	require.Equal(t, 2, stats.TotalBackups)
	require.Equal(t, 1, stats.ByKind[KindManual])
	require.Equal(t, 1, stats.ByKind[KindScheduled])
	require.Equal(t, 2, stats.VerifiedCount)
	require.NotNil(t, stats.OldestBackup)
	require.NotNil(t, stats.NewestBackup)
}

func TestDueForScheduledBackup_FalseUntilCadenceElapses(t *testing.T) {
	store := newTestStore(t)
	cfg := config.BackupConfig{
		Dir: t.TempDir(), MaxScheduled: 2, MaxIncremental: 2,
		AutoVerify: true, Compress: false, ScheduledCron: "0 0 1 1 *", // once a year
	}
	m, err := NewManager(store, cfg)
	require.NoError(t, err)

	due, err := m.DueForScheduledBackup(time.Now())
	require.NoError(t, err)
	require.False(t, due)

	due, err = m.DueForScheduledBackup(time.Now())
	require.NoError(t, err)
	require.False(t, due)
}
