package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/84hero/safe-indexer/pkg/config"
	"github.com/84hero/safe-indexer/pkg/indexer"
	"github.com/84hero/safe-indexer/pkg/lock"
	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/storage"
)

// transfer(0x...01, 1000)
const transferCall = "0xa9059cbb" +
	"0000000000000000000000000000000000000000000000000000000000000001" +
	"00000000000000000000000000000000000000000000000000000000000003e8"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDecodeCmd(t *testing.T) {
	out, err := execute(t, "decode", transferCall)
	require.NoError(t, err)

	var call map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &call))
	assert.Equal(t, "transfer", call["method"])
	assert.Equal(t, "0xa9059cbb", call["selector"])

	// Without the prefix too
	_, err = execute(t, "decode", strings.TrimPrefix(transferCall, "0x"))
	assert.NoError(t, err)
}

func TestDecodeCmd_SafeOnlyRejectsTokenCalls(t *testing.T) {
	_, err := execute(t, "decode", "--safe", transferCall)
	assert.Error(t, err)

	_, err = execute(t, "decode", "0xzz")
	assert.ErrorContains(t, err, "invalid hex")
}

func TestChainsCmd(t *testing.T) {
	out, err := execute(t, "chains")
	require.NoError(t, err)
	assert.Contains(t, out, "eth-mainnet")
	assert.Contains(t, out, "MAX REWIND")
}

func TestCursorCmd_MemoryDriverRefused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc_nodes:
  - url: http://localhost:8545
`), 0o600))

	_, err := execute(t, "--config", path, "cursor", "get", "safes")
	assert.ErrorContains(t, err, "keeps no cursors")

	_, err = execute(t, "--config", path, "cursor", "set", "safes", "abc")
	assert.ErrorContains(t, err, `invalid block "abc"`)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":      log.LevelInfo,
		"debug": log.LevelDebug,
		"WARN":  log.LevelWarn,
		"error": log.LevelError,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer
	h, err := newLogHandler(config.LogConfig{Level: "info", Format: "json"}, &buf, false)
	require.NoError(t, err)
	log.NewLogger(h).Info("hello", "stream", "safes")
	assert.Contains(t, buf.String(), `"stream":"safes"`)

	_, err = newLogHandler(config.LogConfig{Format: "xml"}, &buf, false)
	assert.ErrorContains(t, err, `unknown log format "xml"`)
}

func TestOpenStores_Memory(t *testing.T) {
	st, err := openStores(context.Background(), config.StorageConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	defer st.Close()

	assert.IsType(t, &storage.MemoryStore{}, st.cursors)
	assert.IsType(t, &records.MemoryStore{}, st.records)
	assert.IsType(t, &lock.MemoryLocker{}, st.locker)
}

func TestBuildOutputs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	outs, err := buildOutputs(context.Background(), config.OutputsConfig{
		File:    &config.FileOutputConfig{Path: path},
		Console: &config.ConsoleOutputConfig{},
	})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "file", outs[0].Name())
	assert.Equal(t, "console", outs[1].Name())
	for _, o := range outs {
		assert.NoError(t, o.Close())
	}

	_, err = buildOutputs(context.Background(), config.OutputsConfig{File: &config.FileOutputConfig{Path: "/"}})
	assert.ErrorContains(t, err, "output file")
}

func TestBuildIndexers(t *testing.T) {
	one := uint64(1)
	cfg := &config.Config{
		Streams: []config.StreamConfig{
			{ID: "internal", Kind: indexer.KindInternalTxs},
			{ID: "transfers", Kind: indexer.KindERC20Transfers, Addresses: []string{"0x5afe000000000000000000000000000000000001"}},
			{ID: "safes", Kind: indexer.KindSafeTxs, Addresses: []string{"0x5afe000000000000000000000000000000000001"}, Confirmations: &one},
		},
	}
	require.NoError(t, cfg.ApplyDefaults())

	st, err := openStores(context.Background(), config.StorageConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	defer st.Close()

	ixs, err := buildIndexers(cfg, nil, st, nil)
	require.NoError(t, err)
	require.Len(t, ixs, 3)
	assert.Equal(t, indexer.KindInternalTxs, ixs[0].Stream().Extractor.Kind())
	assert.Equal(t, indexer.KindERC20Transfers, ixs[1].Stream().Extractor.Kind())
	assert.Equal(t, indexer.KindSafeTxs, ixs[2].Stream().Extractor.Kind())
	assert.Equal(t, &one, ixs[2].Stream().Confirmations)

	cfg.Streams = []config.StreamConfig{{ID: "x", Kind: "nope"}}
	_, err = buildIndexers(cfg, nil, st, nil)
	assert.ErrorContains(t, err, `unknown kind "nope"`)
}
