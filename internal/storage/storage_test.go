package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fortune-Oracle/internal/storage"
	"Fortune-Oracle/internal/storage/sqlite"
)

func TestNormalizeSender(t *testing.T) {
	assert.Equal(t, "0xabcdef", storage.NormalizeSender("  0xAbCdEF\n"))
	assert.Equal(t, "", storage.NormalizeSender("   "))
}

// 各后端对发送方地址的大小写处理必须一致。
func TestListBySenderIgnoresCaseOnEveryBackend(t *testing.T) {
	backends := map[string]func(t *testing.T) storage.ReadingRepository{
		"memory": func(t *testing.T) storage.ReadingRepository {
			repo, err := storage.NewMemoryReadingRepository(t.TempDir())
			require.NoError(t, err)
			return repo
		},
		"sqlite": func(t *testing.T) storage.ReadingRepository {
			store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "oracle.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}

	const checksum = "0x52908400098527886E0F7030069857D2E4169EE7"
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)

			require.NoError(t, repo.Save(ctx, storage.ReadingRecord{
				ID: "r1", Sender: checksum, Source: "submit",
				Lots: []int64{1, 2, 3}, Sum: "6", PhraseIndex: 3,
				Interpretation: "Focus on your health and well-being.", CreatedAt: 10,
			}))
			require.NoError(t, repo.Save(ctx, storage.ReadingRecord{
				ID: "r2", Sender: "0xother", Source: "http",
				Lots: []int64{15}, Sum: "15", PhraseIndex: 0,
				Interpretation: "Great fortune awaits!", CreatedAt: 20,
			}))

			for _, query := range []string{checksum, storage.NormalizeSender(checksum), " 0x52908400098527886e0f7030069857d2e4169ee7 "} {
				got, err := repo.ListBySender(ctx, query, 10)
				require.NoError(t, err)
				require.Len(t, got, 1, "query %q", query)
				assert.Equal(t, "r1", got[0].ID)
				assert.Equal(t, storage.NormalizeSender(checksum), got[0].Sender)
			}
		})
	}
}
