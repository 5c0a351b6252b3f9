package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Fortune-Oracle/internal/config"
	"Fortune-Oracle/internal/messaging"
	"Fortune-Oracle/internal/storage"
)

const oracleAddress = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

func TestOpenMailboxMemory(t *testing.T) {
	cfg := config.Default()
	box, closeBox, err := openMailbox(context.Background(), cfg, oracleAddress)
	require.NoError(t, err)
	defer closeBox()

	assert.IsType(t, &messaging.MemoryMailbox{}, box)
	assert.Equal(t, oracleAddress, box.Address())
}

func TestOpenMailboxErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Driver = "carrier-pigeon"
	_, _, err := openMailbox(context.Background(), cfg, oracleAddress)
	require.Error(t, err)

	cfg.Transport.Driver = "rabbitmq"
	_, _, err = openMailbox(context.Background(), cfg, oracleAddress)
	require.Error(t, err)
}

func TestOpenRepository(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Runtime.DataDir = dir
	repo, err := openRepository(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryReadingRepository{}, repo)
	require.NoError(t, repo.Close())

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = filepath.Join(dir, "oracle.db")
	repo, err = openRepository(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, storage.ReadingRecord{ID: "r1", Sum: "6", Interpretation: "x", CreatedAt: 1}))
	records, err := repo.ListLatest(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	require.NoError(t, repo.Close())

	cfg.Storage.Driver = "mysql"
	cfg.Storage.DSN = ""
	_, err = openRepository(ctx, cfg)
	require.Error(t, err)

	cfg.Storage.Driver = "postgres"
	_, err = openRepository(ctx, cfg)
	require.Error(t, err)
}

func TestCreateLLMClient(t *testing.T) {
	cfg := config.Default()
	client, err := createLLMClient(cfg)
	require.NoError(t, err)
	assert.Nil(t, client)

	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKey = ""
	_, err = createLLMClient(cfg)
	require.Error(t, err)

	cfg.LLM.APIKey = "sk-test"
	client, err = createLLMClient(cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)

	cfg.LLM.Provider = "gemini"
	_, err = createLLMClient(cfg)
	require.Error(t, err)
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv("ORACLE_CONFIG", "/etc/oracle/oracle.yaml")
	assert.Equal(t, "/etc/oracle/oracle.yaml", configPath())
}
