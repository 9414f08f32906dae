package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-signing/internal/errors"
)

type blobStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
}

func TestStores(t *testing.T) {
	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	stores := map[string]blobStore{
		"file":   fileStore,
		"memory": NewMemoryStore(),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Write(ctx, "originals/d1/contract.pdf", []byte("%PDF-1.4")))
			data, err := store.Read(ctx, "originals/d1/contract.pdf")
			require.NoError(t, err)
			assert.Equal(t, []byte("%PDF-1.4"), data)

			require.NoError(t, store.Write(ctx, "originals/d1/contract.pdf", []byte("%PDF-1.7")))
			data, err = store.Read(ctx, "originals/d1/contract.pdf")
			require.NoError(t, err)
			assert.Equal(t, []byte("%PDF-1.7"), data)

			require.NoError(t, store.Delete(ctx, "originals/d1/contract.pdf"))
			_, err = store.Read(ctx, "originals/d1/contract.pdf")
			assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

			assert.NoError(t, store.Delete(ctx, "originals/d1/contract.pdf"))
		})
	}
}

func TestFileStoreRejectsEscapingPaths(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	err = store.Write(context.Background(), "../outside.pdf", []byte("x"))
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}
