package discovery

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetsim/internal/evmtest"
	"assetsim/pkg/assets"
	"assetsim/pkg/simulator"
	"assetsim/pkg/simulator/local"
)

var (
	impl      = common.HexToAddress("0x4444444444444444444444444444444444444444")
	payer     = common.HexToAddress("0x5555555555555555555555555555555555555555")
	recipient = common.HexToAddress("0x6666666666666666666666666666666666666666")
)

var swapData = []byte{0xde, 0xad, 0xbe, 0xef}

func localEngine(t *testing.T, alloc simulator.StateOverride, mutate ...func(*Options)) *Engine {
	exec := local.NewLocalEVMExecutor(nil, local.NewMemoryProvider(alloc, nil))
	return newEngine(t, exec, mutate...)
}

// proxiedToken 在 token 地址部署指向 impl 的最小代理
func proxiedToken(alloc simulator.StateOverride, opts evmtest.TokenOptions) {
	alloc.SetCode(token, evmtest.MinimalProxy(impl))
	alloc.SetCode(impl, evmtest.Token(opts))
}

// TestLocalSwapThroughProxy 测试经最小代理的 swap 发现余额与授权
func TestLocalSwapThroughProxy(t *testing.T) {
	alloc := make(simulator.StateOverride)
	alloc.SetCode(router, evmtest.Router(token, 100))
	proxiedToken(alloc, evmtest.TokenOptions{})
	e := localEngine(t, alloc)

	res, err := e.Discover(context.Background(), simulator.TxSpec{From: user, To: router, Data: swapData}, simulator.Latest())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status, res.String())
	assert.LessOrEqual(t, res.Iterations, 3)

	require.Len(t, res.Requirements, 2)
	asset := assets.TokenAsset(token)
	assert.Equal(t, assets.BalanceOf(user, asset), res.Requirements[0].Identity)
	assert.Equal(t, assets.AllowanceOf(user, router, asset), res.Requirements[1].Identity)
	for _, req := range res.Requirements {
		assert.Equal(t, uint64(100), req.Amount.Uint64())
		assert.True(t, req.Current.IsZero())
		assert.Equal(t, uint64(100), req.Missing.Uint64())
	}
	assert.True(t, res.Outcome.Success)
}

// TestLocalExistingBalance 测试分叉已有部分余额时的当前值与缺口
func TestLocalExistingBalance(t *testing.T) {
	alloc := make(simulator.StateOverride)
	alloc.SetCode(router, evmtest.Router(token, 100))
	alloc.SetCode(token, evmtest.Token(evmtest.TokenOptions{}))
	alloc.SetStorage(token, evmtest.BalanceKey(user), evmtest.Word(40))
	alloc.SetStorage(token, evmtest.AllowanceKey(user, router), evmtest.Word(100))
	e := localEngine(t, alloc)

	res, err := e.Discover(context.Background(), simulator.TxSpec{From: user, To: router, Data: swapData}, simulator.Latest())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	require.Len(t, res.Requirements, 1)
	req := res.Requirements[0]
	assert.Equal(t, assets.KindBalance, req.Kind)
	assert.Equal(t, uint64(100), req.Amount.Uint64())
	assert.Equal(t, uint64(40), req.Current.Uint64())
	assert.Equal(t, uint64(60), req.Missing.Uint64())
}

// TestLocalUnsatisfiable 测试任何余额都无法满足的代币
func TestLocalUnsatisfiable(t *testing.T) {
	alloc := make(simulator.StateOverride)
	alloc.SetCode(router, evmtest.Router(token, 100))
	proxiedToken(alloc, evmtest.TokenOptions{BrokenTransferFrom: true})
	e := localEngine(t, alloc)

	res, err := e.Discover(context.Background(), simulator.TxSpec{From: user, To: router, Data: swapData}, simulator.Latest())
	require.NoError(t, err)
	assert.Equal(t, StatusUnsatisfiable, res.Status)
	require.NotNil(t, res.At)
	assert.Equal(t, assets.BalanceOf(user, assets.TokenAsset(token)), *res.At)
}

// TestLocalUndiagnosed 测试与资产无关的失败在一轮内终止
func TestLocalUndiagnosed(t *testing.T) {
	alloc := make(simulator.StateOverride)
	alloc.SetCode(router, evmtest.Reverter())
	e := localEngine(t, alloc)

	res, err := e.Discover(context.Background(), simulator.TxSpec{From: user, To: router, Data: swapData}, simulator.Latest())
	require.NoError(t, err)
	assert.Equal(t, StatusUndiagnosed, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.Contains(t, res.Detail, "nope")
}

// TestLocalNativeValue 测试合约内部带值调用的原生余额需求
func TestLocalNativeValue(t *testing.T) {
	alloc := make(simulator.StateOverride)
	alloc.SetCode(payer, evmtest.Payer(recipient, 5))
	e := localEngine(t, alloc)

	res, err := e.Discover(context.Background(), simulator.TxSpec{From: user, To: payer}, simulator.Latest())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	require.Len(t, res.Requirements, 1)
	req := res.Requirements[0]
	assert.Equal(t, assets.BalanceOf(payer, assets.NativeAsset()), req.Identity)
	assert.Equal(t, uint64(5), req.Amount.Uint64())
	assert.True(t, req.Current.IsZero())
	assert.Nil(t, res.Overrides[0].Probe)
}

// TestLocalTopLevelValue 测试交易自身携带的转账金额
func TestLocalTopLevelValue(t *testing.T) {
	alloc := make(simulator.StateOverride)
	alloc.SetCode(router, evmtest.Succeeder())
	alloc.SetBalance(user, uint256.NewInt(3))
	e := localEngine(t, alloc)

	res, err := e.Discover(context.Background(), simulator.TxSpec{From: user, To: router, Value: uint256.NewInt(5)}, simulator.Latest())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	require.Len(t, res.Requirements, 1)
	req := res.Requirements[0]
	assert.Equal(t, assets.BalanceOf(user, assets.NativeAsset()), req.Identity)
	assert.Equal(t, uint64(5), req.Amount.Uint64())
	assert.Equal(t, uint64(3), req.Current.Uint64())
	assert.Equal(t, uint64(2), req.Missing.Uint64())
}

// TestLocalSucceedsWithoutOverrides 测试本就成功的交易
func TestLocalSucceedsWithoutOverrides(t *testing.T) {
	alloc := make(simulator.StateOverride)
	alloc.SetCode(router, evmtest.Succeeder())
	e := localEngine(t, alloc)

	res, err := e.Discover(context.Background(), simulator.TxSpec{From: user, To: router}, simulator.Latest())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Empty(t, res.Requirements)
	assert.Equal(t, 1, res.Simulations)
}

// TestLocalDiscoverAllIsolated 测试并发运行共享执行器但互不影响
func TestLocalDiscoverAllIsolated(t *testing.T) {
	alloc := make(simulator.StateOverride)
	alloc.SetCode(router, evmtest.Router(token, 100))
	proxiedToken(alloc, evmtest.TokenOptions{})
	alloc.SetCode(payer, evmtest.Payer(recipient, 5))
	e := localEngine(t, alloc)

	items := []Item{
		{Name: "swap", Tx: simulator.TxSpec{From: user, To: router, Data: swapData}, Block: simulator.Latest()},
		{Name: "pay", Tx: simulator.TxSpec{From: user, To: payer}, Block: simulator.Latest()},
		{Name: "swap-2", Tx: simulator.TxSpec{From: user, To: router, Data: swapData}, Block: simulator.Latest()},
	}
	results := e.DiscoverAll(context.Background(), items, 3)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err, r.Name)
		assert.Equal(t, StatusSucceeded, r.Result.Status, r.Name)
	}
	assert.Len(t, results[0].Result.Requirements, 2)
	assert.Len(t, results[1].Result.Requirements, 1)
	assert.Len(t, results[2].Result.Requirements, 2)
}
