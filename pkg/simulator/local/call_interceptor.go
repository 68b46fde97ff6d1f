package local

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"

	"assetsim/pkg/trace"
)

// CallTracer 通过 tracing 钩子记录调用树
// 每次模拟使用独立实例
type CallTracer struct {
	builder *trace.Builder
}

// NewCallTracer 创建调用树追踪器
func NewCallTracer() *CallTracer {
	return &CallTracer{builder: trace.NewBuilder()}
}

// OnEnter 实现 tracing.Hooks.OnEnter，深度0为顶层调用
func (c *CallTracer) OnEnter(depth int, typ byte, from, to common.Address, input []byte, gas uint64, value *big.Int) {
	c.builder.Enter(trace.KindFromOpcode(typ), from, to, input, gas, value)
}

// OnExit 实现 tracing.Hooks.OnExit
func (c *CallTracer) OnExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.builder.Exit(output, gasUsed, msg)
}

// Hooks 返回 EVM 追踪钩子
func (c *CallTracer) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: c.OnEnter,
		OnExit:  c.OnExit,
	}
}

// Trace 返回构建完成的调用树
func (c *CallTracer) Trace(abortErr string) *trace.Trace {
	return c.builder.Finish(abortErr)
}
