package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func newWant(id string, version int64) *mywant.Want {
	return &mywant.Want{
		Metadata: mywant.Metadata{ID: id, Name: "n-" + id, Type: "task", Version: version},
		Status:   mywant.WantStatusReaching,
		State:    map[string]any{"count": version},
	}
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "memory", "memory.yaml"))
	require.NoError(t, err)
	wants, err := fs.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, wants)
}

func TestFileStore_VersionOrdering(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.yaml")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, fs.Save(ctx, newWant("a", 2)))
	require.NoError(t, fs.Save(ctx, newWant("a", 1)))
	require.NoError(t, fs.Save(ctx, newWant("b", 1)))

	// A delete older than the stored version is ignored.
	require.NoError(t, fs.Delete(ctx, "a", 1))
	require.NoError(t, fs.Delete(ctx, "b", 2))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	wants, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, wants, 1)
	assert.Equal(t, "a", wants[0].Metadata.ID)
	assert.Equal(t, int64(2), wants[0].Metadata.Version)
	assert.Equal(t, mywant.WantStatusReaching, wants[0].Status)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wants: [::"), 0644))
	_, err := NewFileStore(path)
	assert.Error(t, err)
}

func TestFileStore_StoreRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.yaml")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	s := mywant.NewStore(mywant.WithPersister(fs))
	parent, err := s.Create(&mywant.Want{Metadata: mywant.Metadata{Name: "trip", Type: "task"}})
	require.NoError(t, err)
	child, err := s.Create(&mywant.Want{Metadata: mywant.Metadata{
		Name: "hotel", Type: "task",
		OwnerReferences: []mywant.OwnerReference{{ID: parent.Metadata.ID, Name: "trip", BlockOwnerDeletion: true}},
	}})
	require.NoError(t, err)
	gone, err := s.Create(&mywant.Want{Metadata: mywant.Metadata{Name: "gone", Type: "task"}})
	require.NoError(t, err)
	require.NoError(t, s.Delete(gone.Metadata.ID))
	_, err = s.Update(child.Metadata.ID, func(w *mywant.Want) error {
		w.StoreState("nights", 3)
		return nil
	})
	require.NoError(t, err)

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	wants, err := reopened.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, wants, 2)

	s2 := mywant.NewStore(mywant.WithPersister(reopened))
	n, err := s2.Restore(wants)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s2.FindByName(parent.Metadata.ID, "hotel")
	require.NoError(t, err)
	assert.Equal(t, child.Metadata.ID, got.Metadata.ID)
	assert.Equal(t, 3, got.State["nights"])
	assert.Equal(t, []string{child.Metadata.ID}, s2.Graph().Children(parent.Metadata.ID))
}
