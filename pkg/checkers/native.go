package checkers

import (
	"github.com/ethereum/go-ethereum/core/vm"

	"assetsim/pkg/assets"
	"assetsim/pkg/trace"
)

// NativeValue 原生币转账检查器：带值调用因余额不足失败
// 值从帧的调用方账户转出；CALLCODE 同样由调用方（自身存储上下文）付款
type NativeValue struct{ standardOverride }

func (NativeValue) Name() string { return "native-value" }

func (NativeValue) Matches(f *Frame) bool {
	c := f.Call
	if c.Success || c.Value == nil || c.Value.IsZero() {
		return false
	}
	if c.Kind != trace.Call && c.Kind != trace.CallCode && c.Kind != trace.Create && c.Kind != trace.Create2 {
		return false
	}
	return c.Error == vm.ErrInsufficientBalance.Error()
}

func (NativeValue) Extract(f *Frame) (Finding, error) {
	return Finding{
		Checker: "native-value",
		Candidates: []Candidate{{
			Identity: assets.BalanceOf(f.Call.From, assets.NativeAsset()),
			Hint:     f.Call.Value.Clone(),
		}},
	}, nil
}
