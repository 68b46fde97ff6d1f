package trace

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

var (
	errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0} // Error(string)
	panicSelector = []byte{0x4e, 0x48, 0x7b, 0x71} // Panic(uint256)
)

// Site 失败调用点：同一调用点以同一类失败结束视为“同一个revert”
type Site struct {
	Depth    int
	Kind     Kind
	From     common.Address
	To       common.Address
	Selector [4]byte
	Class    string
}

// SiteOf 返回帧 i 的失败调用点
func (t *Trace) SiteOf(i int) Site {
	f := t.Frame(i)
	if f == nil {
		return Site{}
	}
	sel, _ := f.Selector()
	return Site{
		Depth:    f.Depth,
		Kind:     f.Kind,
		From:     f.From,
		To:       f.To,
		Selector: sel,
		Class:    FailureClass(f),
	}
}

// String 返回调用点的可读形式
func (s Site) String() string {
	return fmt.Sprintf("%s %s->%s 0x%x @%d [%s]", s.Kind, s.From.Hex(), s.To.Hex(), s.Selector, s.Depth, s.Class)
}

// FailureClass 返回失败的类别
//
// Error(string) 保留原因文本，Panic 保留错误码，自定义错误只取选择器
// （自定义错误的参数常包含当前余额，会随覆盖值变化）。
func FailureClass(f *Frame) string {
	if f.Success {
		return ""
	}
	if !f.Reverted() {
		return "error:" + f.Error
	}
	payload := f.Output
	switch {
	case len(payload) == 0:
		return "revert:"
	case bytes.HasPrefix(payload, errorSelector):
		if reason, err := abi.UnpackRevert(payload); err == nil {
			return "revert:" + reason
		}
		return "revert:malformed"
	case bytes.HasPrefix(payload, panicSelector) && len(payload) >= 36:
		code := new(uint256.Int).SetBytes(payload[4:36])
		return "panic:" + code.Hex()
	case len(payload) >= 4:
		return "custom:0x" + hex.EncodeToString(payload[:4])
	default:
		return "revert:0x" + hex.EncodeToString(payload)
	}
}

// RevertReason 返回帧失败原因的可读形式
func RevertReason(f *Frame) string {
	if f == nil || f.Success {
		return ""
	}
	if !f.Reverted() {
		return f.Error
	}
	if len(f.Output) == 0 {
		return vm.ErrExecutionReverted.Error()
	}
	if reason, err := abi.UnpackRevert(f.Output); err == nil {
		return reason
	}
	return "0x" + hex.EncodeToString(f.Output)
}
