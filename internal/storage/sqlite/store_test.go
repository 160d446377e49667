package sqlite_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/storage/sqlite"
	"github.com/ashita-ai/kansoku/internal/storage/storagetest"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "kansoku.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, openTestStore(t))
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "kansoku.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	s, err := sqlite.Open(context.Background(), path, logger)
	require.NoError(t, err)
	topic := storagetest.NewTopic(t, s)
	s.Close(context.Background())

	s, err = sqlite.Open(context.Background(), path, logger)
	require.NoError(t, err)
	defer s.Close(context.Background())

	got, err := s.GetTopic(context.Background(), topic.ID)
	require.NoError(t, err)
	assert.Equal(t, topic.ID, got.ID)
	assert.Equal(t, "sqlite", s.Backend())
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), "  ", slog.Default())
	assert.Error(t, err)
}
