package local

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"assetsim/pkg/simulator"
)

// StateProvider 按需提供指定区块的分叉状态
type StateProvider interface {
	GetBalance(ctx context.Context, block simulator.BlockRef, addr common.Address) (*uint256.Int, error)
	GetNonce(ctx context.Context, block simulator.BlockRef, addr common.Address) (uint64, error)
	GetCode(ctx context.Context, block simulator.BlockRef, addr common.Address) ([]byte, error)
	GetStorage(ctx context.Context, block simulator.BlockRef, addr common.Address, slot common.Hash) (common.Hash, error)
}

// HeaderProvider 可选能力：提供分叉区块头，用于构建区块上下文
type HeaderProvider interface {
	HeaderAt(ctx context.Context, block simulator.BlockRef) (*types.Header, error)
}

// ============ RPC 提供者 ============

// RPCStateProvider 通过RPC读取链上状态
type RPCStateProvider struct {
	rpcClient *rpc.Client
	client    *ethclient.Client
}

// NewRPCStateProvider 创建RPC状态提供者
func NewRPCStateProvider(rpcClient *rpc.Client) *RPCStateProvider {
	return &RPCStateProvider{
		rpcClient: rpcClient,
		client:    ethclient.NewClient(rpcClient),
	}
}

func (p *RPCStateProvider) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if p == nil || p.rpcClient == nil {
		return ErrNoProvider
	}
	if err := p.rpcClient.CallContext(ctx, result, method, args...); err != nil {
		return simulator.ClassifyRPCError(method, err)
	}
	return nil
}

func (p *RPCStateProvider) GetBalance(ctx context.Context, block simulator.BlockRef, addr common.Address) (*uint256.Int, error) {
	var result hexutil.Big
	if err := p.call(ctx, &result, "eth_getBalance", addr, block.RPCArg()); err != nil {
		return nil, err
	}
	v, overflow := uint256.FromBig((*big.Int)(&result))
	if overflow {
		return nil, fmt.Errorf("%w: balance of %s overflows 256 bits", simulator.ErrBackend, addr.Hex())
	}
	return v, nil
}

func (p *RPCStateProvider) GetNonce(ctx context.Context, block simulator.BlockRef, addr common.Address) (uint64, error) {
	var result hexutil.Uint64
	if err := p.call(ctx, &result, "eth_getTransactionCount", addr, block.RPCArg()); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (p *RPCStateProvider) GetCode(ctx context.Context, block simulator.BlockRef, addr common.Address) ([]byte, error) {
	var result hexutil.Bytes
	if err := p.call(ctx, &result, "eth_getCode", addr, block.RPCArg()); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

func (p *RPCStateProvider) GetStorage(ctx context.Context, block simulator.BlockRef, addr common.Address, slot common.Hash) (common.Hash, error) {
	var result hexutil.Bytes
	if err := p.call(ctx, &result, "eth_getStorageAt", addr, slot, block.RPCArg()); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(result), nil
}

// HeaderAt 获取分叉区块头
func (p *RPCStateProvider) HeaderAt(ctx context.Context, block simulator.BlockRef) (*types.Header, error) {
	if p == nil || p.client == nil {
		return nil, ErrNoProvider
	}
	header, err := p.client.HeaderByNumber(ctx, block.Number)
	if err != nil {
		return nil, simulator.ClassifyRPCError("eth_getBlockByNumber", err)
	}
	return header, nil
}

// ============ 缓存层 ============

type accountKey struct {
	block string
	addr  common.Address
}

type slotKey struct {
	block string
	addr  common.Address
	slot  common.Hash
}

type accountBasics struct {
	balance *uint256.Int
	nonce   uint64
	code    []byte
}

// CachedProvider 为底层提供者增加LRU缓存，跨模拟共享且并发安全
// 缓存条目按区块区分；latest 区块在进程生命周期内视为固定
type CachedProvider struct {
	inner   StateProvider
	basics  *lru.Cache[accountKey, accountBasics]
	storage *lru.Cache[slotKey, common.Hash]
	headers *lru.Cache[string, *types.Header]
}

// NewCachedProvider 创建带缓存的提供者
func NewCachedProvider(inner StateProvider, size int) (*CachedProvider, error) {
	if size <= 0 {
		size = simulator.DefaultSlotCacheSize
	}
	basics, err := lru.New[accountKey, accountBasics](size)
	if err != nil {
		return nil, err
	}
	storage, err := lru.New[slotKey, common.Hash](size * 4)
	if err != nil {
		return nil, err
	}
	headers, err := lru.New[string, *types.Header](64)
	if err != nil {
		return nil, err
	}
	return &CachedProvider{inner: inner, basics: basics, storage: storage, headers: headers}, nil
}

func (c *CachedProvider) account(ctx context.Context, block simulator.BlockRef, addr common.Address) (accountBasics, error) {
	key := accountKey{block: block.String(), addr: addr}
	if acc, ok := c.basics.Get(key); ok {
		return acc, nil
	}
	balance, err := c.inner.GetBalance(ctx, block, addr)
	if err != nil {
		return accountBasics{}, err
	}
	nonce, err := c.inner.GetNonce(ctx, block, addr)
	if err != nil {
		return accountBasics{}, err
	}
	code, err := c.inner.GetCode(ctx, block, addr)
	if err != nil {
		return accountBasics{}, err
	}
	acc := accountBasics{balance: balance, nonce: nonce, code: code}
	c.basics.Add(key, acc)
	return acc, nil
}

func (c *CachedProvider) GetBalance(ctx context.Context, block simulator.BlockRef, addr common.Address) (*uint256.Int, error) {
	acc, err := c.account(ctx, block, addr)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(acc.balance), nil
}

func (c *CachedProvider) GetNonce(ctx context.Context, block simulator.BlockRef, addr common.Address) (uint64, error) {
	acc, err := c.account(ctx, block, addr)
	if err != nil {
		return 0, err
	}
	return acc.nonce, nil
}

func (c *CachedProvider) GetCode(ctx context.Context, block simulator.BlockRef, addr common.Address) ([]byte, error) {
	acc, err := c.account(ctx, block, addr)
	if err != nil {
		return nil, err
	}
	return acc.code, nil
}

func (c *CachedProvider) GetStorage(ctx context.Context, block simulator.BlockRef, addr common.Address, slot common.Hash) (common.Hash, error) {
	key := slotKey{block: block.String(), addr: addr, slot: slot}
	if v, ok := c.storage.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.GetStorage(ctx, block, addr, slot)
	if err != nil {
		return common.Hash{}, err
	}
	c.storage.Add(key, v)
	return v, nil
}

// HeaderAt 底层支持时返回（缓存的）区块头
func (c *CachedProvider) HeaderAt(ctx context.Context, block simulator.BlockRef) (*types.Header, error) {
	hp, ok := c.inner.(HeaderProvider)
	if !ok {
		return nil, nil
	}
	key := block.String()
	if h, ok := c.headers.Get(key); ok {
		return h, nil
	}
	h, err := hp.HeaderAt(ctx, block)
	if err != nil {
		return nil, err
	}
	if h != nil {
		c.headers.Add(key, h)
	}
	return h, nil
}

// ============ 内存提供者 ============

// MemoryProvider 以静态快照（prestate/alloc）作为分叉状态，可叠加在另一个提供者之上
// 快照中出现的字段优先；未出现的字段交给 fallback，fallback 为nil时视为空状态
type MemoryProvider struct {
	alloc    simulator.StateOverride
	fallback StateProvider
}

// NewMemoryProvider 创建内存提供者
func NewMemoryProvider(alloc simulator.StateOverride, fallback StateProvider) *MemoryProvider {
	if alloc == nil {
		alloc = make(simulator.StateOverride)
	}
	return &MemoryProvider{alloc: alloc, fallback: fallback}
}

func (m *MemoryProvider) GetBalance(ctx context.Context, block simulator.BlockRef, addr common.Address) (*uint256.Int, error) {
	if acc := m.alloc[addr]; acc != nil && acc.Balance != nil {
		v, _ := uint256.FromBig(acc.Balance.ToInt())
		return v, nil
	}
	if m.fallback != nil {
		return m.fallback.GetBalance(ctx, block, addr)
	}
	return new(uint256.Int), nil
}

func (m *MemoryProvider) GetNonce(ctx context.Context, block simulator.BlockRef, addr common.Address) (uint64, error) {
	if acc := m.alloc[addr]; acc != nil && acc.Nonce != nil {
		return uint64(*acc.Nonce), nil
	}
	if m.fallback != nil {
		return m.fallback.GetNonce(ctx, block, addr)
	}
	return 0, nil
}

func (m *MemoryProvider) GetCode(ctx context.Context, block simulator.BlockRef, addr common.Address) ([]byte, error) {
	if acc := m.alloc[addr]; acc != nil && acc.Code != nil {
		return acc.Code, nil
	}
	if m.fallback != nil {
		return m.fallback.GetCode(ctx, block, addr)
	}
	return nil, nil
}

func (m *MemoryProvider) GetStorage(ctx context.Context, block simulator.BlockRef, addr common.Address, slot common.Hash) (common.Hash, error) {
	if acc := m.alloc[addr]; acc != nil {
		if v, ok := acc.StateDiff[slot]; ok {
			return v, nil
		}
	}
	if m.fallback != nil {
		return m.fallback.GetStorage(ctx, block, addr, slot)
	}
	return common.Hash{}, nil
}

// HeaderAt fallback 支持时透传
func (m *MemoryProvider) HeaderAt(ctx context.Context, block simulator.BlockRef) (*types.Header, error) {
	if hp, ok := m.fallback.(HeaderProvider); ok {
		return hp.HeaderAt(ctx, block)
	}
	return nil, nil
}
