package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetsim/pkg/search"
	"assetsim/pkg/simulator"
)

// TestDefaults 测试空配置填充默认值
func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("rpc_url: http://localhost:8545\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, simulator.ModeLocal, cfg.ExecutionMode())
	assert.True(t, cfg.BlockRef().IsLatest())
	assert.Equal(t, 10, cfg.Discovery.MaxIterations)
	assert.Equal(t, simulator.DefaultSlotCacheSize, cfg.Cache.Size)
	assert.Equal(t, 4, cfg.Batch.Workers)
	assert.Len(t, cfg.Discovery.Checkers, 5)

	params, err := cfg.SearchParams()
	require.NoError(t, err)
	def := search.DefaultConfig()
	assert.Equal(t, def.Seed, params.Seed)
	assert.Equal(t, def.Ceiling, params.Ceiling)
	assert.Equal(t, def.Sentinel, params.Sentinel)
}

// TestParseFull 测试完整配置
func TestParseFull(t *testing.T) {
	data := []byte(`
rpc_url: http://node:8545
mode: rpc
block: "19000000"
discovery:
  max_iterations: 6
  prune_redundant: true
  checkers: [erc20-transferFrom, native-value]
search:
  seed: "1000"
  ceiling: "0xffffffff"
  sentinel: "0x100000000"
cache:
  size: 128
batch:
  workers: 8
log:
  level: debug
  format: json
`)
	cfg, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, simulator.ModeRPC, cfg.ExecutionMode())
	assert.Equal(t, "19000000", cfg.BlockRef().String())
	assert.Equal(t, 128, cfg.Cache.Size)
	assert.Equal(t, 8, cfg.Batch.Workers)

	opts, err := cfg.DiscoveryOptions(log.Root())
	require.NoError(t, err)
	assert.Equal(t, 6, opts.MaxIterations)
	assert.True(t, opts.PruneRedundant)
	assert.Equal(t, uint64(1000), opts.Search.Seed.Uint64())
	assert.Equal(t, uint64(0xffffffff), opts.Search.Ceiling.Uint64())
	require.Len(t, opts.Registry.Checkers(), 2)
	assert.Equal(t, "erc20-transferFrom", opts.Registry.Checkers()[0].Name())

	lvl, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, log.LevelDebug, lvl)
}

// TestValidateErrors 测试非法配置
func TestValidateErrors(t *testing.T) {
	cases := map[string]string{
		"rpc without url":      "mode: rpc\n",
		"local without source": "mode: local\n",
		"unknown mode":         "rpc_url: x\nmode: deal\n",
		"bad block":            "rpc_url: x\nblock: pending\n",
		"unknown checker":      "rpc_url: x\ndiscovery:\n  checkers: [erc777]\n",
		"seed above ceiling":   "rpc_url: x\nsearch:\n  seed: \"100\"\n  ceiling: \"10\"\n",
		"bad amount":           "rpc_url: x\nsearch:\n  seed: abc\n",
		"bad level":            "rpc_url: x\nlog:\n  level: loud\n",
		"bad format":           "rpc_url: x\nlog:\n  format: xml\n",
		"prestate in rpc mode": "rpc_url: x\nmode: rpc\nprestate: alloc.json\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Parse([]byte(data))
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestUnknownKeyRejected 测试拼写错误的键
func TestUnknownKeyRejected(t *testing.T) {
	_, err := Parse([]byte("rpc_url: x\nmax_iteration: 3\n"))
	assert.Error(t, err)
}

// TestLoadPrestateOnly 测试只有预置状态文件的本地模式
func TestLoadPrestateOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assetsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prestate: alloc.json\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "alloc.json", cfg.Prestate)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestParseRequests 测试批量请求文件
func TestParseRequests(t *testing.T) {
	data := []byte(`
requests:
  - name: swap
    from: "0x1111111111111111111111111111111111111111"
    to: "0x2222222222222222222222222222222222222222"
    data: "0xdeadbeef"
  - from: "0x1111111111111111111111111111111111111111"
    to: "0x3333333333333333333333333333333333333333"
    value: "5"
    gas: 100000
    block: "123"
`)
	items, err := ParseRequests(data, simulator.Latest())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "swap", items[0].Name)
	assert.Equal(t, common.HexToAddress("0x2222222222222222222222222222222222222222"), items[0].Tx.To)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, items[0].Tx.Data)
	assert.True(t, items[0].Block.IsLatest())

	assert.Equal(t, "request-1", items[1].Name)
	assert.Equal(t, uint64(5), items[1].Tx.Value.Uint64())
	assert.Equal(t, uint64(100000), items[1].Tx.Gas)
	assert.Equal(t, "123", items[1].Block.String())
}

// TestParseRequestsErrors 测试非法批量请求
func TestParseRequestsErrors(t *testing.T) {
	_, err := ParseRequests([]byte("requests: []\n"), simulator.Latest())
	assert.Error(t, err)

	_, err = ParseRequests([]byte(`
requests:
  - from: "0x1111111111111111111111111111111111111111"
    to: "nope"
`), simulator.Latest())
	assert.ErrorIs(t, err, simulator.ErrMalformedTx)

	_, err = ParseRequests([]byte(`
requests:
  - from: "0x1111111111111111111111111111111111111111"
    to: "0x2222222222222222222222222222222222222222"
    data: "0xdead"
`), simulator.Latest())
	assert.ErrorIs(t, err, simulator.ErrMalformedTx)
}
