package simulator

import (
	"fmt"
	"strings"
)

// ExecutionMode 执行模式
type ExecutionMode int

const (
	// ModeLocal 使用进程内EVM执行（默认）
	ModeLocal ExecutionMode = iota
	// ModeRPC 委托节点通过 debug_traceCall 执行
	ModeRPC
)

// String 返回执行模式的字符串表示
func (m ExecutionMode) String() string {
	switch m {
	case ModeRPC:
		return "rpc"
	case ModeLocal:
		return "local"
	default:
		return "unknown"
	}
}

// ParseMode 解析执行模式名称
func ParseMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return ModeLocal, nil
	case "rpc", "remote":
		return ModeRPC, nil
	default:
		return ModeLocal, fmt.Errorf("unknown execution mode %q (want local or rpc)", s)
	}
}
