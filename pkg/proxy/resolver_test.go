package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetsim/internal/evmtest"
	"assetsim/pkg/simulator"
	"assetsim/pkg/trace"
)

var (
	user   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	router = common.HexToAddress("0x2222222222222222222222222222222222222222")
	token  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	impl   = common.HexToAddress("0x4444444444444444444444444444444444444444")
	impl2  = common.HexToAddress("0x5555555555555555555555555555555555555555")
	beacon = common.HexToAddress("0x6666666666666666666666666666666666666666")
)

// fakeReader 基于映射的状态读取
type fakeReader struct {
	code    map[common.Address][]byte
	storage map[common.Address]map[common.Hash]common.Hash
	views   map[common.Address][]byte
	err     error
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		code:    make(map[common.Address][]byte),
		storage: make(map[common.Address]map[common.Hash]common.Hash),
		views:   make(map[common.Address][]byte),
	}
}

func (f *fakeReader) setSlot(addr common.Address, slot common.Hash, v common.Hash) {
	if f.storage[addr] == nil {
		f.storage[addr] = make(map[common.Hash]common.Hash)
	}
	f.storage[addr][slot] = v
}

func (f *fakeReader) CodeAt(ctx context.Context, block simulator.BlockRef, addr common.Address) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.code[addr], nil
}

func (f *fakeReader) StorageAt(ctx context.Context, block simulator.BlockRef, addr common.Address, slot common.Hash) (common.Hash, error) {
	return f.storage[addr][slot], nil
}

func (f *fakeReader) BalanceAt(ctx context.Context, block simulator.BlockRef, addr common.Address) (*uint256.Int, error) {
	return new(uint256.Int), nil
}

func (f *fakeReader) CallView(ctx context.Context, block simulator.BlockRef, to common.Address, data []byte, ov simulator.StateOverride) ([]byte, error) {
	ret, ok := f.views[to]
	if !ok {
		return nil, &simulator.ViewCallError{To: to, Reason: "execution reverted"}
	}
	return ret, nil
}

var transferFromInput = evmtest.Calldata(0x23b872dd, user, router, 100)

// callTo 构建 router -> token 的单帧调用，可附带子帧
func callTo(children ...func(b *trace.Builder)) *trace.Trace {
	b := trace.NewBuilder()
	b.Enter(trace.Call, user, router, []byte{0xde, 0xad, 0xbe, 0xef}, 100000, nil)
	b.Enter(trace.Call, router, token, transferFromInput, 90000, nil)
	for _, c := range children {
		c(b)
	}
	b.Exit(nil, 0, "execution reverted")
	b.Exit(nil, 0, "execution reverted")
	return b.Finish("")
}

func delegate(from, to common.Address, input []byte, nested ...func(b *trace.Builder)) func(b *trace.Builder) {
	return func(b *trace.Builder) {
		b.Enter(trace.DelegateCall, from, to, input, 80000, nil)
		for _, n := range nested {
			n(b)
		}
		b.Exit(nil, 0, "execution reverted")
	}
}

// TestResolveDelegateChain 测试多层纯转发委托解析到链尾
func TestResolveDelegateChain(t *testing.T) {
	tr := callTo(delegate(token, impl, transferFromInput, delegate(token, impl2, transferFromInput)))
	r := NewResolver(newFakeReader(), nil)

	res, err := r.Resolve(context.Background(), simulator.Latest(), tr, 1)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, MethodDelegateCall, res.Method)
	assert.Equal(t, impl2, res.Code)
	assert.Equal(t, token, res.Storage)
}

// TestResolveAmbiguous 测试转发到多个不同目标时不解析
func TestResolveAmbiguous(t *testing.T) {
	tr := callTo(delegate(token, impl, transferFromInput), delegate(token, impl2, transferFromInput))
	r := NewResolver(newFakeReader(), nil)

	res, err := r.Resolve(context.Background(), simulator.Latest(), tr, 1)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.NotEmpty(t, res.Reason)
}

// TestResolveLibraryDelegate 测试输入不同的库委托调用不是代理
func TestResolveLibraryDelegate(t *testing.T) {
	tr := callTo(delegate(token, impl, []byte{0x01, 0x02, 0x03, 0x04}))
	reader := newFakeReader()
	reader.code[token] = evmtest.Token(evmtest.TokenOptions{})
	r := NewResolver(reader, nil)

	res, err := r.Resolve(context.Background(), simulator.Latest(), tr, 1)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, MethodSelf, res.Method)
	assert.Equal(t, token, res.Code)
}

// TestResolveMinimalProxyBytecode 测试无追踪证据时按 EIP-1167 字节码解析
func TestResolveMinimalProxyBytecode(t *testing.T) {
	reader := newFakeReader()
	reader.code[token] = evmtest.MinimalProxy(impl)
	reader.code[impl] = evmtest.Token(evmtest.TokenOptions{})
	r := NewResolver(reader, nil)

	res, err := r.Resolve(context.Background(), simulator.Latest(), callTo(), 1)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, MethodMinimalProxy, res.Method)
	assert.Equal(t, impl, res.Code)
	assert.Equal(t, token, res.Storage)
}

// TestResolveImplementationSlot 测试 EIP-1967 实现槽位
func TestResolveImplementationSlot(t *testing.T) {
	reader := newFakeReader()
	reader.code[token] = []byte{0x60, 0x00}
	reader.setSlot(token, ImplementationSlot, common.BytesToHash(impl.Bytes()))
	r := NewResolver(reader, nil)

	res, err := r.Resolve(context.Background(), simulator.Latest(), callTo(), 1)
	require.NoError(t, err)
	assert.Equal(t, MethodImplSlot, res.Method)
	assert.Equal(t, impl, res.Code)
}

// TestResolveBeacon 测试信标代理
func TestResolveBeacon(t *testing.T) {
	reader := newFakeReader()
	reader.code[token] = []byte{0x60, 0x00}
	reader.setSlot(token, BeaconSlot, common.BytesToHash(beacon.Bytes()))
	r := NewResolver(reader, nil)

	res, err := r.Resolve(context.Background(), simulator.Latest(), callTo(), 1)
	require.NoError(t, err)
	assert.False(t, res.Resolved, "beacon without implementation() stays unresolved")

	reader.views[beacon] = common.LeftPadBytes(impl.Bytes(), 32)
	res, err = r.Resolve(context.Background(), simulator.Latest(), callTo(), 1)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, MethodBeacon, res.Method)
	assert.Equal(t, impl, res.Code)
}

// TestResolvePlainContract 测试普通合约解析为自身
func TestResolvePlainContract(t *testing.T) {
	reader := newFakeReader()
	reader.code[token] = evmtest.Token(evmtest.TokenOptions{})
	r := NewResolver(reader, nil)

	res, err := r.Resolve(context.Background(), simulator.Latest(), callTo(), 1)
	require.NoError(t, err)
	assert.True(t, res.Resolved)
	assert.Equal(t, MethodSelf, res.Method)
	assert.Equal(t, token, res.Code)
}

// TestResolveBackendError 测试状态读取失败为致命错误
func TestResolveBackendError(t *testing.T) {
	reader := newFakeReader()
	reader.err = errors.New("backend down")
	r := NewResolver(reader, nil)

	_, err := r.Resolve(context.Background(), simulator.Latest(), callTo(), 1)
	assert.Error(t, err)
}

// TestMinimalProxyTarget 测试 EIP-1167 字节码识别
func TestMinimalProxyTarget(t *testing.T) {
	got, ok := MinimalProxyTarget(evmtest.MinimalProxy(impl))
	require.True(t, ok)
	assert.Equal(t, impl, got)

	_, ok = MinimalProxyTarget(evmtest.Token(evmtest.TokenOptions{}))
	assert.False(t, ok)
}
