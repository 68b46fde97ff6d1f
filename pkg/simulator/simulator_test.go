package simulator

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetsim/pkg/assets"
	"assetsim/pkg/trace"
)

var (
	holder   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenA   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	ledgerA  = common.HexToAddress("0x5555555555555555555555555555555555555555")
	balSlot  = common.HexToHash("0x0b")
	flagSlot = common.HexToHash("0x01")
)

// fakeBackend balanceOf 读取 flagSlot 与 ledger 合约中的 balSlot
type fakeBackend struct {
	storage   map[SlotRead]common.Hash
	reads     []SlotRead
	scans     int
	calls     int
	revertAll bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		storage: map[SlotRead]common.Hash{},
		reads:   []SlotRead{{Address: ledgerA, Slot: balSlot}, {Address: tokenA, Slot: flagSlot}},
	}
}

func (f *fakeBackend) value(at SlotRead, ov StateOverride) common.Hash {
	if acc, ok := ov[at.Address]; ok {
		if v, ok := acc.StateDiff[at.Slot]; ok {
			return v
		}
	}
	return f.storage[at]
}

func (f *fakeBackend) CodeAt(context.Context, BlockRef, common.Address) ([]byte, error) {
	return nil, nil
}

func (f *fakeBackend) StorageAt(_ context.Context, _ BlockRef, addr common.Address, slot common.Hash) (common.Hash, error) {
	return f.storage[SlotRead{addr, slot}], nil
}

func (f *fakeBackend) BalanceAt(context.Context, BlockRef, common.Address) (*uint256.Int, error) {
	return uint256.NewInt(7), nil
}

func (f *fakeBackend) CallView(_ context.Context, _ BlockRef, to common.Address, _ []byte, ov StateOverride) ([]byte, error) {
	f.calls++
	if f.revertAll || f.value(SlotRead{tokenA, flagSlot}, ov) != (common.Hash{}) {
		return nil, &ViewCallError{To: to, Reason: "execution reverted"}
	}
	v := f.value(SlotRead{ledgerA, balSlot}, ov)
	return v.Bytes(), nil
}

func (f *fakeBackend) AccessedSlots(context.Context, BlockRef, common.Address, []byte) ([]SlotRead, error) {
	f.scans++
	if f.revertAll {
		return nil, &ViewCallError{To: tokenA, Reason: "execution reverted"}
	}
	return f.reads, nil
}

func balanceProbe() *assets.ViewProbe {
	return &assets.ViewProbe{Target: tokenA, Calldata: common.FromHex("0x70a08231"), Layout: assets.LayoutWord}
}

// TestSlotLocatorFindsSlotAcrossContracts 测试定位到其他合约中的槽位，并跳过导致视图调用失败的候选
func TestSlotLocatorFindsSlotAcrossContracts(t *testing.T) {
	backend := newFakeBackend()
	loc := NewSlotLocator(backend, 16, log.Root())

	got, err := loc.Locate(context.Background(), Latest(), *balanceProbe())
	require.NoError(t, err)
	assert.Equal(t, SlotRead{Address: ledgerA, Slot: balSlot}, got)

	again, err := loc.Locate(context.Background(), Latest(), *balanceProbe())
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, 1, backend.scans, "second lookup must hit the cache")

	_, err = loc.Locate(context.Background(), AtBlock(10), *balanceProbe())
	require.NoError(t, err)
	assert.Equal(t, 2, backend.scans, "cache is keyed by block")
}

// TestSlotLocatorNotFound 测试无法定位时返回 ErrSlotNotFound
func TestSlotLocatorNotFound(t *testing.T) {
	backend := newFakeBackend()
	backend.reads = []SlotRead{{Address: tokenA, Slot: common.HexToHash("0x99")}}
	loc := NewSlotLocator(backend, 0, nil)

	_, err := loc.Locate(context.Background(), Latest(), *balanceProbe())
	assert.ErrorIs(t, err, ErrSlotNotFound)

	backend.revertAll = true
	_, err = loc.Locate(context.Background(), AtBlock(3), *balanceProbe())
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

// TestMaterialize 测试语义覆盖转换为具体状态覆盖
func TestMaterialize(t *testing.T) {
	backend := newFakeBackend()
	loc := NewSlotLocator(backend, 16, nil)

	nativeID := assets.BalanceOf(holder, assets.NativeAsset())
	tokenID := assets.BalanceOf(holder, assets.TokenAsset(tokenA))
	ov, err := loc.Materialize(context.Background(), Latest(), []assets.Override{
		{Key: nativeID, Value: uint256.NewInt(1000)},
		{Key: tokenID, Value: uint256.NewInt(42), Probe: balanceProbe()},
	})
	require.NoError(t, err)

	require.NotNil(t, ov[holder])
	assert.Equal(t, int64(1000), ov[holder].Balance.ToInt().Int64())
	assert.Equal(t, common.BigToHash(big.NewInt(42)), ov[ledgerA].StateDiff[balSlot])
	assert.Equal(t, 1, ov.Slots())

	backend.reads = nil
	_, err = loc.Materialize(context.Background(), AtBlock(1), []assets.Override{
		{Key: tokenID, Value: uint256.NewInt(42), Probe: balanceProbe()},
	})
	var slotErr *SlotError
	require.ErrorAs(t, err, &slotErr)
	assert.Equal(t, tokenID, slotErr.Identity)
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

// TestReadCurrent 测试读取当前值
func TestReadCurrent(t *testing.T) {
	backend := newFakeBackend()
	backend.storage[SlotRead{ledgerA, balSlot}] = common.BigToHash(big.NewInt(9))

	v, err := ReadCurrent(context.Background(), backend, Latest(), assets.Override{Probe: balanceProbe()})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v.Uint64())

	v, err = ReadCurrent(context.Background(), backend, Latest(), assets.Override{})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v.Uint64())
}

// TestLoadPrestate 测试解析 prestate 快照
func TestLoadPrestate(t *testing.T) {
	doc := `{
		"0x1111111111111111111111111111111111111111": {"balance": "0x10", "nonce": 3},
		"0x3333333333333333333333333333333333333333": {
			"balance": "1000",
			"nonce": "0x2",
			"code": "0x6000",
			"storage": {"0x0b": "0x2a"}
		}
	}`
	ov, err := LoadPrestate(strings.NewReader(doc))
	require.NoError(t, err)

	require.Contains(t, ov, holder)
	assert.Equal(t, int64(16), ov[holder].Balance.ToInt().Int64())
	assert.Equal(t, uint64(3), uint64(*ov[holder].Nonce))

	acc := ov[tokenA]
	require.NotNil(t, acc)
	assert.Equal(t, int64(1000), acc.Balance.ToInt().Int64())
	assert.Equal(t, uint64(2), uint64(*acc.Nonce))
	assert.Equal(t, []byte{0x60, 0x00}, []byte(acc.Code))
	assert.Equal(t, common.BigToHash(big.NewInt(42)), acc.StateDiff[balSlot])

	_, err = LoadPrestate(strings.NewReader(`{"nothex": {}}`))
	assert.Error(t, err)
	_, err = LoadPrestate(strings.NewReader(`{"0x1111111111111111111111111111111111111111": {"balance": "zz"}}`))
	assert.Error(t, err)
}

// TestStateOverrideMerge 测试覆盖合并
func TestStateOverrideMerge(t *testing.T) {
	a := make(StateOverride)
	a.SetBalance(holder, uint256.NewInt(1))
	a.SetStorage(tokenA, balSlot, common.HexToHash("0x01"))

	b := make(StateOverride)
	b.SetBalance(holder, uint256.NewInt(2))
	b.SetStorage(tokenA, flagSlot, common.HexToHash("0x02"))

	c := a.Copy().Merge(b)
	assert.Equal(t, int64(2), c[holder].Balance.ToInt().Int64())
	assert.Equal(t, 2, c.Slots())
	assert.Equal(t, int64(1), a[holder].Balance.ToInt().Int64())
	assert.Equal(t, 1, a.Slots())
}

// TestParseAmount 测试金额解析
func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000000000000", v.Dec())

	v, err = ParseAmount("0xff")
	require.NoError(t, err)
	assert.Equal(t, uint64(255), v.Uint64())

	_, err = ParseAmount("0x" + strings.Repeat("f", 65))
	assert.Error(t, err)
	_, err = ParseAmount("-1")
	assert.Error(t, err)
}

// TestTxSpecValidate 测试交易描述校验
func TestTxSpecValidate(t *testing.T) {
	assert.ErrorIs(t, TxSpec{From: holder}.Validate(), ErrMalformedTx)
	assert.ErrorIs(t, TxSpec{From: holder, To: tokenA, Data: []byte{1, 2}}.Validate(), ErrMalformedTx)
	assert.NoError(t, TxSpec{From: holder, To: tokenA}.Validate())
	assert.Equal(t, DefaultGas, TxSpec{}.GasLimit())
	assert.True(t, TxSpec{}.CallValue().IsZero())
}

// TestBlockRef 测试区块引用
func TestBlockRef(t *testing.T) {
	assert.Equal(t, "latest", Latest().RPCArg())
	assert.Equal(t, "0x10", AtBlock(16).RPCArg())
	assert.Equal(t, "16", AtBlock(16).String())
	assert.True(t, Latest().IsLatest())
}

// TestNewOutcome 测试由追踪树构造结果
func TestNewOutcome(t *testing.T) {
	b := trace.NewBuilder()
	b.Enter(trace.Call, holder, tokenA, nil, 100, nil)
	b.Exit([]byte{0xde, 0xad}, 10, "execution reverted")
	out := NewOutcome(b.Finish(""))

	assert.False(t, out.Success)
	assert.Equal(t, 0, out.Failing)
	assert.Equal(t, []byte{0xde, 0xad}, out.RevertReason)
	require.NotNil(t, out.FailingFrame())

	b = trace.NewBuilder()
	b.Enter(trace.Call, holder, tokenA, nil, 100, nil)
	b.Exit([]byte{0x01}, 10, "")
	out = NewOutcome(b.Finish(""))
	assert.True(t, out.Success)
	assert.Equal(t, -1, out.Failing)
	assert.Nil(t, out.FailingFrame())
}

// fakeTxSource 返回预置交易与收据
type fakeTxSource struct {
	tx      *types.Transaction
	pending bool
	block   int64
}

func (f *fakeTxSource) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	if f.tx == nil {
		return nil, false, ethereum.NotFound
	}
	return f.tx, f.pending, nil
}

func (f *fakeTxSource) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{BlockNumber: big.NewInt(f.block)}, nil
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, to *common.Address) *types.Transaction {
	chainID := big.NewInt(1)
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       210_000,
		To:        to,
		Value:     big.NewInt(5),
		Data:      common.FromHex("0x23b872dd"),
	}), types.LatestSignerForChainID(chainID), key)
	require.NoError(t, err)
	return tx
}

// TestFetchTx 测试已上链交易的重放参数
func TestFetchTx(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)

	src := &fakeTxSource{tx: signedTx(t, key, &tokenA), block: 100}
	spec, block, err := FetchTx(context.Background(), src, common.Hash{})
	require.NoError(t, err)
	assert.Equal(t, sender, spec.From)
	assert.Equal(t, tokenA, spec.To)
	assert.Equal(t, uint64(5), spec.Value.Uint64())
	assert.Equal(t, uint64(210_000), spec.Gas)
	assert.Equal(t, "99", block.String())

	src.pending = true
	_, _, err = FetchTx(context.Background(), src, common.Hash{})
	assert.ErrorIs(t, err, ErrUnknownTx)

	_, _, err = FetchTx(context.Background(), &fakeTxSource{}, common.Hash{})
	assert.ErrorIs(t, err, ErrUnknownTx)

	_, _, err = FetchTx(context.Background(), &fakeTxSource{tx: signedTx(t, key, nil), block: 5}, common.Hash{})
	assert.True(t, errors.Is(err, ErrMalformedTx))
}

// TestParseMode 测试执行模式解析
func TestParseMode(t *testing.T) {
	m, err := ParseMode("RPC")
	require.NoError(t, err)
	assert.Equal(t, ModeRPC, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, m)
	_, err = ParseMode("anvil")
	assert.Error(t, err)
}

// TestParseBlock 测试区块参数解析
func TestParseBlock(t *testing.T) {
	b, err := ParseBlock("latest")
	require.NoError(t, err)
	assert.True(t, b.IsLatest())

	b, err = ParseBlock("")
	require.NoError(t, err)
	assert.True(t, b.IsLatest())

	b, err = ParseBlock("19000000")
	require.NoError(t, err)
	assert.Equal(t, "19000000", b.String())

	b, err = ParseBlock("0x10")
	require.NoError(t, err)
	assert.Equal(t, "0x10", b.RPCArg())

	_, err = ParseBlock("pending")
	assert.Error(t, err)
	_, err = ParseBlock("0x" + strings.Repeat("f", 20))
	assert.Error(t, err)
}
