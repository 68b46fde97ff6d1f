// Package remote 提供基于节点 JSON-RPC 的执行适配器：debug_traceCall(callTracer) 携带状态覆盖执行交易
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"assetsim/pkg/simulator"
	"assetsim/pkg/trace"
)

// RPCAdapter 通过节点RPC执行模拟
// 节点需开放 debug 命名空间并支持 callTracer / prestateTracer 的 stateOverrides
type RPCAdapter struct {
	rpcClient *rpc.Client
	locator   *simulator.SlotLocator
	log       log.Logger
}

// Option 适配器选项
type Option func(*RPCAdapter, *options)

type options struct {
	slotCacheSize int
}

// WithLogger 设置日志记录器
func WithLogger(l log.Logger) Option {
	return func(a *RPCAdapter, _ *options) { a.log = l }
}

// WithSlotCacheSize 设置槽位定位缓存容量
func WithSlotCacheSize(n int) Option {
	return func(_ *RPCAdapter, o *options) { o.slotCacheSize = n }
}

// NewRPCAdapter 创建RPC适配器
func NewRPCAdapter(rpcClient *rpc.Client, opts ...Option) *RPCAdapter {
	a := &RPCAdapter{rpcClient: rpcClient, log: log.Root()}
	o := &options{slotCacheSize: simulator.DefaultSlotCacheSize}
	for _, opt := range opts {
		opt(a, o)
	}
	a.locator = simulator.NewSlotLocator(a, o.slotCacheSize, a.log)
	return a
}

func (a *RPCAdapter) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if err := a.rpcClient.CallContext(ctx, result, method, args...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", method, ctx.Err())
		}
		return simulator.ClassifyRPCError(method, err)
	}
	return nil
}

// callArgs 构建 JSON-RPC 调用参数
func callArgs(from, to common.Address, data []byte, value *uint256.Int, gas uint64) map[string]interface{} {
	msg := map[string]interface{}{
		"from": from,
		"to":   to,
		"gas":  hexutil.Uint64(gas),
	}
	if len(data) > 0 {
		msg["input"] = hexutil.Bytes(data)
	}
	if value != nil && !value.IsZero() {
		msg["value"] = (*hexutil.Big)(value.ToBig())
	}
	return msg
}

// Simulate 实现 simulator.Adapter
func (a *RPCAdapter) Simulate(ctx context.Context, req simulator.Request) (*simulator.Outcome, error) {
	if err := req.Tx.Validate(); err != nil {
		return nil, err
	}
	override, err := a.locator.Materialize(ctx, req.Block, req.Overrides)
	if err != nil {
		return nil, err
	}

	cfg := map[string]interface{}{
		"tracer":       "callTracer",
		"tracerConfig": map[string]interface{}{"onlyTopCall": false},
	}
	if len(override) > 0 {
		cfg["stateOverrides"] = override
	}
	args := callArgs(req.Tx.From, req.Tx.To, req.Tx.Data, req.Tx.CallValue(), req.Tx.GasLimit())

	var frame CallFrame
	err = a.rpcClient.CallContext(ctx, &frame, "debug_traceCall", args, req.Block.RPCArg(), cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("debug_traceCall: %w", ctx.Err())
		}
		if isInsufficientFunds(err) {
			// 节点在执行前拒绝：顶层转账金额超过发送方余额
			a.log.Debug("[RPCAdapter] top-level value exceeds sender balance", "from", req.Tx.From, "err", err)
			return simulator.NewOutcome(insufficientRoot(req.Tx)), nil
		}
		return nil, simulator.ClassifyRPCError("debug_traceCall", err)
	}

	tr, err := frame.ToTrace()
	if err != nil {
		return nil, err
	}
	out := simulator.NewOutcome(tr)
	a.log.Debug("[RPCAdapter] simulated", "to", req.Tx.To, "block", req.Block, "overrides", len(req.Overrides),
		"success", out.Success, "frames", tr.Len(), "gasUsed", out.GasUsed)
	return out, nil
}

// isInsufficientFunds 节点的 "insufficient funds for gas * price + value" 预检错误
func isInsufficientFunds(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

// insufficientRoot 构造顶层转账失败的单帧追踪树，与本地EVM的表现一致
func insufficientRoot(tx simulator.TxSpec) *trace.Trace {
	b := trace.NewBuilder()
	b.Enter(trace.Call, tx.From, tx.To, tx.Data, tx.GasLimit(), tx.CallValue().ToBig())
	b.Exit(nil, 0, vm.ErrInsufficientBalance.Error())
	return b.Finish("")
}

// CallView 实现 simulator.StateReader
func (a *RPCAdapter) CallView(ctx context.Context, block simulator.BlockRef, to common.Address, data []byte, ov simulator.StateOverride) ([]byte, error) {
	args := callArgs(common.Address{}, to, data, nil, 0)
	delete(args, "gas")
	params := []interface{}{args, block.RPCArg()}
	if len(ov) > 0 {
		params = append(params, ov)
	}
	var result hexutil.Bytes
	err := a.rpcClient.CallContext(ctx, &result, "eth_call", params...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("eth_call: %w", ctx.Err())
		}
		if reason, ok := revertOf(err); ok {
			return nil, &simulator.ViewCallError{To: to, Reason: reason}
		}
		return nil, simulator.ClassifyRPCError("eth_call", err)
	}
	return result, nil
}

// revertOf 识别 eth_call 的执行失败（节点以 code 3 或 "execution reverted" 报告）
func revertOf(err error) (string, bool) {
	msg := err.Error()
	if de, ok := err.(rpc.DataError); ok {
		if s, ok := de.ErrorData().(string); ok && s != "" {
			return msg + " " + s, true
		}
	}
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "invalid opcode") ||
		strings.Contains(msg, "out of gas") {
		return msg, true
	}
	return "", false
}

// prestateAccount prestateTracer 的账户条目，只需要存储部分
type prestateAccount struct {
	Storage map[common.Hash]common.Hash `json:"storage"`
}

// AccessedSlots 实现 simulator.SlotBackend
// prestateTracer 不保留读取顺序，结果按 (地址, 槽位) 排序；定位器会逐个验证候选
func (a *RPCAdapter) AccessedSlots(ctx context.Context, block simulator.BlockRef, to common.Address, data []byte) ([]simulator.SlotRead, error) {
	args := callArgs(common.Address{}, to, data, nil, 0)
	delete(args, "gas")
	cfg := map[string]interface{}{"tracer": "prestateTracer"}

	var raw json.RawMessage
	if err := a.call(ctx, &raw, "debug_traceCall", args, block.RPCArg(), cfg); err != nil {
		return nil, err
	}
	var accounts map[common.Address]prestateAccount
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("%w: decode prestateTracer output: %v", simulator.ErrBackend, err)
	}

	var reads []simulator.SlotRead
	for addr, acc := range accounts {
		for slot := range acc.Storage {
			reads = append(reads, simulator.SlotRead{Address: addr, Slot: slot})
		}
	}
	sort.Slice(reads, func(i, j int) bool {
		if c := reads[i].Address.Cmp(reads[j].Address); c != 0 {
			return c < 0
		}
		return reads[i].Slot.Cmp(reads[j].Slot) < 0
	})
	return reads, nil
}

// CodeAt 实现 simulator.StateReader
func (a *RPCAdapter) CodeAt(ctx context.Context, block simulator.BlockRef, addr common.Address) ([]byte, error) {
	var result hexutil.Bytes
	if err := a.call(ctx, &result, "eth_getCode", addr, block.RPCArg()); err != nil {
		return nil, err
	}
	return result, nil
}

// StorageAt 实现 simulator.StateReader
func (a *RPCAdapter) StorageAt(ctx context.Context, block simulator.BlockRef, addr common.Address, slot common.Hash) (common.Hash, error) {
	var result hexutil.Bytes
	if err := a.call(ctx, &result, "eth_getStorageAt", addr, slot, block.RPCArg()); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(result), nil
}

// BalanceAt 实现 simulator.StateReader
func (a *RPCAdapter) BalanceAt(ctx context.Context, block simulator.BlockRef, addr common.Address) (*uint256.Int, error) {
	var result hexutil.Big
	if err := a.call(ctx, &result, "eth_getBalance", addr, block.RPCArg()); err != nil {
		return nil, err
	}
	v, overflow := uint256.FromBig((*big.Int)(&result))
	if overflow {
		return nil, fmt.Errorf("%w: balance of %s overflows 256 bits", simulator.ErrBackend, addr.Hex())
	}
	return v, nil
}
