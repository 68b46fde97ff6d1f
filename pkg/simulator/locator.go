package simulator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"

	"assetsim/pkg/assets"
)

// DefaultSlotCacheSize 槽位定位缓存默认容量
const DefaultSlotCacheSize = 4096

// markerAmount 写入候选槽位的标记值，低于 2^160 以兼容 Permit2 打包布局
var markerAmount = new(uint256.Int).SetBytes(crypto.Keccak256([]byte("assetsim.slot.marker"))[:20])

// SlotError 某个语义覆盖无法落到存储槽位
type SlotError struct {
	Identity assets.Identity
	Err      error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("%s: %v", e.Identity, e.Err)
}

func (e *SlotError) Unwrap() error {
	return e.Err
}

// SlotLocator 通过观察视图调用的存储读取，定位语义值（余额、授权）背后的存储槽位
//
// 定位方法：记录视图调用访问过的槽位，从最后一次读取开始依次写入标记值，
// 视图调用返回标记值的槽位即为目标。结果按 (区块, 合约, 调用数据) 缓存。
type SlotLocator struct {
	backend SlotBackend
	cache   *lru.Cache[string, SlotRead]
	log     log.Logger
}

// NewSlotLocator 创建槽位定位器
func NewSlotLocator(backend SlotBackend, cacheSize int, logger log.Logger) *SlotLocator {
	if cacheSize <= 0 {
		cacheSize = DefaultSlotCacheSize
	}
	if logger == nil {
		logger = log.Root()
	}
	cache, err := lru.New[string, SlotRead](cacheSize)
	if err != nil {
		panic(err) // 仅在容量非正时出错
	}
	return &SlotLocator{backend: backend, cache: cache, log: logger}
}

func locatorKey(block BlockRef, probe assets.ViewProbe) string {
	return fmt.Sprintf("%s:%s:%d:%s", block, probe.Target.Hex(), probe.Layout, hex.EncodeToString(probe.Calldata))
}

// Locate 定位视图调用所读取的语义值槽位
func (l *SlotLocator) Locate(ctx context.Context, block BlockRef, probe assets.ViewProbe) (SlotRead, error) {
	key := locatorKey(block, probe)
	if loc, ok := l.cache.Get(key); ok {
		return loc, nil
	}

	reads, err := l.backend.AccessedSlots(ctx, block, probe.Target, probe.Calldata)
	if err != nil {
		var viewErr *ViewCallError
		if errors.As(err, &viewErr) {
			return SlotRead{}, fmt.Errorf("%w: %v", ErrSlotNotFound, err)
		}
		return SlotRead{}, err
	}

	marker := probe.Encode(markerAmount)
	for i := len(reads) - 1; i >= 0; i-- {
		candidate := reads[i]
		ov := make(StateOverride)
		ov.SetStorage(candidate.Address, candidate.Slot, marker)

		ret, err := l.backend.CallView(ctx, block, probe.Target, probe.Calldata, ov)
		if err != nil {
			var viewErr *ViewCallError
			if errors.As(err, &viewErr) {
				continue
			}
			return SlotRead{}, err
		}
		got, err := probe.Decode(ret)
		if err != nil || !got.Eq(markerAmount) {
			continue
		}

		l.log.Debug("[SlotLocator] slot located", "target", probe.Target, "address", candidate.Address,
			"slot", candidate.Slot, "candidates", len(reads))
		l.cache.Add(key, candidate)
		return candidate, nil
	}

	l.log.Warn("[SlotLocator] no candidate slot matched", "target", probe.Target,
		"calldata", hex.EncodeToString(probe.Calldata), "candidates", len(reads))
	return SlotRead{}, fmt.Errorf("%w: %s read %d slots, none holds the value", ErrSlotNotFound, probe.Target.Hex(), len(reads))
}

// Materialize 将语义覆盖转换为具体状态覆盖
// 原生余额直接设置；代币类覆盖写入定位到的槽位。无法定位时返回 *SlotError。
func (l *SlotLocator) Materialize(ctx context.Context, block BlockRef, overrides []assets.Override) (StateOverride, error) {
	out := make(StateOverride)
	for _, o := range overrides {
		if o.Probe == nil {
			out.SetBalance(o.Key.Account, o.Value)
			continue
		}
		loc, err := l.Locate(ctx, block, *o.Probe)
		if err != nil {
			if errors.Is(err, ErrSlotNotFound) {
				return nil, &SlotError{Identity: o.Key, Err: err}
			}
			return nil, err
		}
		out.SetStorage(loc.Address, loc.Slot, o.Probe.Encode(o.Value))
	}
	return out, nil
}

// ReadCurrent 读取覆盖键在分叉状态下的当前值
func ReadCurrent(ctx context.Context, r StateReader, block BlockRef, o assets.Override) (*uint256.Int, error) {
	if o.Probe == nil {
		return r.BalanceAt(ctx, block, o.Key.Account)
	}
	ret, err := r.CallView(ctx, block, o.Probe.Target, o.Probe.Calldata, nil)
	if err != nil {
		return nil, err
	}
	return o.Probe.Decode(ret)
}
