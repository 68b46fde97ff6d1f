package local

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"

	"assetsim/pkg/simulator"
)

// SlotRecorder 按执行顺序收集 SLOAD 的 (存储上下文, 槽位)，去重
type SlotRecorder struct {
	seen  map[simulator.SlotRead]struct{}
	reads []simulator.SlotRead
}

// NewSlotRecorder 创建 SLOAD 收集器
func NewSlotRecorder() *SlotRecorder {
	return &SlotRecorder{seen: make(map[simulator.SlotRead]struct{})}
}

// OnOpcode 实现 tracing.Hooks.OnOpcode 回调
func (r *SlotRecorder) OnOpcode(pc uint64, op byte, gas, cost uint64,
	scope tracing.OpContext, rData []byte, depth int, err error) {

	if vm.OpCode(op) != vm.SLOAD || scope == nil {
		return
	}
	stack := scope.StackData()
	if len(stack) == 0 {
		return
	}
	read := simulator.SlotRead{
		Address: scope.Address(),
		Slot:    common.Hash(stack[len(stack)-1].Bytes32()),
	}
	if _, ok := r.seen[read]; ok {
		return
	}
	r.seen[read] = struct{}{}
	r.reads = append(r.reads, read)
}

// Hooks 返回 EVM 追踪钩子
func (r *SlotRecorder) Hooks() *tracing.Hooks {
	return &tracing.Hooks{OnOpcode: r.OnOpcode}
}

// Reads 返回收集到的读取序列
func (r *SlotRecorder) Reads() []simulator.SlotRead {
	out := make([]simulator.SlotRead, len(r.reads))
	copy(out, r.reads)
	return out
}
