package db

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codecollab/pkg/crdt"
)

func sampleRoom(id string) *Room {
	r := crdt.Seed("hi", 0)
	snap := r.Snapshot()
	return &Room{
		ID:            id,
		Name:          "pairing",
		ActiveUserIDs: []string{"alice"},
		Files: []CodeFile{
			{FileID: "main.go", FileName: "main.go", Language: "go", Content: "hi", State: &snap},
			{FileID: "notes.md", FileName: "notes.md", Language: "markdown", Content: "todo"},
		},
	}
}

// exerciseStore runs the same contract against any backend.
func exerciseStore(t *testing.T, store IRoomStore) {
	ctx := context.Background()
	id := uuid.NewString()

	_, err := store.LoadRoom(ctx, id)
	assert.True(t, errors.Is(err, ErrRoomNotFound))

	saved, err := store.SaveRoom(ctx, sampleRoom(id))
	require.NoError(t, err)
	assert.False(t, saved.CreatedAt.IsZero())

	loaded, err := store.LoadRoom(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pairing", loaded.Name)
	assert.Equal(t, []string{"alice"}, loaded.ActiveUserIDs)
	require.Len(t, loaded.Files, 2)

	file, err := store.FindFile(ctx, id, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "hi", file.Content)
	require.NotNil(t, file.State)
	restored, err := crdt.Restore(*file.State, 0)
	require.NoError(t, err)
	assert.Equal(t, "hi", restored.Text())

	_, err = store.FindFile(ctx, id, "missing.go")
	assert.True(t, errors.Is(err, ErrFileNotFound))
	_, err = store.FindFile(ctx, uuid.NewString(), "main.go")
	assert.True(t, errors.Is(err, ErrRoomNotFound))

	// saving with fewer files drops the rest
	loaded.Files = loaded.Files[:1]
	loaded.Files[0].Content = "changed"
	_, err = store.SaveRoom(ctx, loaded)
	require.NoError(t, err)
	again, err := store.LoadRoom(ctx, id)
	require.NoError(t, err)
	require.Len(t, again.Files, 1)
	assert.Equal(t, "changed", again.Files[0].Content)

	require.NoError(t, store.DeleteRoom(ctx, id))
	assert.True(t, errors.Is(store.DeleteRoom(ctx, id), ErrRoomNotFound))
}

func TestMemoryRoomStore(t *testing.T) {
	exerciseStore(t, NewMemoryRoomStore())
}

func TestMemoryRoomStoreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRoomStore()
	room := sampleRoom("r1")
	_, err := store.SaveRoom(ctx, room)
	require.NoError(t, err)

	room.Files[0].Content = "mutated"
	room.Files[0].State.Nodes[0].Value = "z"

	loaded, err := store.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hi", loaded.Files[0].Content)
	assert.Equal(t, "h", loaded.Files[0].State.Nodes[0].Value)
}

func TestPostgresRoomStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	store, err := NewPostgresRoomStore(dsn)
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestMongoRoomStore(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}
	store, err := NewMongoRoomStore(context.Background(), uri, "codecollab_test")
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}
