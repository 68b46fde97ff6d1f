// Package proxy 解析调用帧的有效逻辑地址
//
// 代理合约以自己的存储运行另一份代码。检查器需要匹配真正执行的逻辑合约，
// 而余额、授权仍记在被拨打的地址下，因此解析结果同时给出存储上下文与逻辑地址。
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"assetsim/pkg/simulator"
	"assetsim/pkg/trace"
)

// Method 逻辑地址的判定依据
type Method string

const (
	MethodSelf         Method = "self"         // 非代理，逻辑即被调用方
	MethodDelegateCall Method = "delegatecall" // 追踪树中的纯转发 DELEGATECALL
	MethodMinimalProxy Method = "eip1167"      // EIP-1167 最小代理字节码
	MethodImplSlot     Method = "eip1967"      // EIP-1967 实现槽位
	MethodBeacon       Method = "beacon"       // EIP-1967 信标槽位
)

// 最大解析层数（代理指向代理）
const maxHops = 4

var (
	// EIP-1967: bytes32(uint256(keccak256("eip1967.proxy.implementation")) - 1)
	ImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	// EIP-1967: bytes32(uint256(keccak256("eip1967.proxy.beacon")) - 1)
	BeaconSlot = common.HexToHash("0xa3f0ad74e5423aebfd80d3ef4346578335a9a72aeaee59ff6cb3582b35133d50")

	minimalProxyPrefix = common.FromHex("0x363d3d373d3d3d363d73")
	minimalProxySuffix = common.FromHex("0x5af43d82803e903d91602b57fd5bf3")

	implementationCall = crypto.Keccak256([]byte("implementation()"))[:4]
)

// Resolution 一个调用帧的解析结果
type Resolution struct {
	Frame    int
	Storage  common.Address // 存储上下文（余额记账地址）
	Code     common.Address // 有效逻辑地址
	Method   Method
	Resolved bool
	Reason   string // 未解析时的原因
}

// Resolver 代理解析器
type Resolver struct {
	reader simulator.StateReader
	log    log.Logger
}

// NewResolver 创建代理解析器
func NewResolver(reader simulator.StateReader, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.Root()
	}
	return &Resolver{reader: reader, log: logger}
}

// Resolve 解析帧 i 的有效逻辑地址
//
// 先看追踪树：帧的纯转发 DELEGATECALL 子帧即为逻辑合约，递归到链尾；多个不同目标视为歧义。
// 没有转发证据时依次检查 EIP-1167 字节码、EIP-1967 实现槽位与信标槽位。
// 歧义或无法读取信标不是错误，返回 Resolved=false；只有状态后端失败才返回 error。
func (r *Resolver) Resolve(ctx context.Context, block simulator.BlockRef, tr *trace.Trace, i int) (Resolution, error) {
	f := tr.Frame(i)
	if f == nil {
		return Resolution{Frame: i, Reason: "frame out of range"}, nil
	}
	res := Resolution{Frame: i, Storage: tr.StorageContext(i), Code: f.To, Method: MethodSelf, Resolved: true}

	target, ok, reason := forwardTarget(tr, i)
	if reason != "" {
		res.Resolved, res.Reason = false, reason
		r.log.Warn("[Proxy] ambiguous delegatecall forwarding", "frame", i, "callee", f.To, "reason", reason)
		return res, nil
	}
	if ok {
		res.Code, res.Method = target, MethodDelegateCall
		return res, nil
	}

	code := f.To
	for hop := 0; hop < maxHops; hop++ {
		next, method, err := r.staticTarget(ctx, block, code, res.Storage, hop == 0)
		if err != nil {
			var viewErr *simulator.ViewCallError
			if errors.As(err, &viewErr) {
				res.Resolved, res.Reason = false, err.Error()
				r.log.Warn("[Proxy] beacon lookup failed", "frame", i, "callee", f.To, "err", err)
				return res, nil
			}
			return res, err
		}
		if next == (common.Address{}) {
			break
		}
		code = next
		if res.Method == MethodSelf {
			res.Method = method
		}
	}
	res.Code = code
	return res, nil
}

// forwardTarget 沿纯转发 DELEGATECALL 链找到最终逻辑地址
func forwardTarget(tr *trace.Trace, i int) (common.Address, bool, string) {
	var target common.Address
	found := false
	for {
		children := tr.ForwardChildren(i)
		if len(children) == 0 {
			return target, found, ""
		}
		next := tr.Frame(children[0]).To
		for _, c := range children[1:] {
			if tr.Frame(c).To != next {
				return common.Address{}, false, fmt.Sprintf("frame %d forwards to %d distinct targets", i, len(children))
			}
		}
		target, found = next, true
		i = children[len(children)-1]
	}
}

// staticTarget 通过字节码与存储识别代理，返回零地址表示不是代理
// 存储槽位只在第一跳（被拨打合约的存储）上检查
func (r *Resolver) staticTarget(ctx context.Context, block simulator.BlockRef, code, storage common.Address, first bool) (common.Address, Method, error) {
	bytecode, err := r.reader.CodeAt(ctx, block, code)
	if err != nil {
		return common.Address{}, "", fmt.Errorf("read code of %s: %w", code.Hex(), err)
	}
	if impl, ok := MinimalProxyTarget(bytecode); ok {
		return impl, MethodMinimalProxy, nil
	}
	if !first || len(bytecode) == 0 {
		return common.Address{}, "", nil
	}

	slot, err := r.reader.StorageAt(ctx, block, storage, ImplementationSlot)
	if err != nil {
		return common.Address{}, "", fmt.Errorf("read implementation slot of %s: %w", storage.Hex(), err)
	}
	if impl := common.BytesToAddress(slot.Bytes()); impl != (common.Address{}) {
		return impl, MethodImplSlot, nil
	}

	slot, err = r.reader.StorageAt(ctx, block, storage, BeaconSlot)
	if err != nil {
		return common.Address{}, "", fmt.Errorf("read beacon slot of %s: %w", storage.Hex(), err)
	}
	beacon := common.BytesToAddress(slot.Bytes())
	if beacon == (common.Address{}) {
		return common.Address{}, "", nil
	}
	ret, err := r.reader.CallView(ctx, block, beacon, implementationCall, nil)
	if err != nil {
		return common.Address{}, "", err
	}
	if len(ret) < 32 {
		return common.Address{}, "", &simulator.ViewCallError{To: beacon, Reason: "implementation() returned short data"}
	}
	return common.BytesToAddress(ret[:32]), MethodBeacon, nil
}

// MinimalProxyTarget 识别 EIP-1167 最小代理字节码并返回实现地址
func MinimalProxyTarget(code []byte) (common.Address, bool) {
	if len(code) != len(minimalProxyPrefix)+common.AddressLength+len(minimalProxySuffix) {
		return common.Address{}, false
	}
	if !bytes.HasPrefix(code, minimalProxyPrefix) || !bytes.HasSuffix(code, minimalProxySuffix) {
		return common.Address{}, false
	}
	return common.BytesToAddress(code[len(minimalProxyPrefix) : len(minimalProxyPrefix)+common.AddressLength]), true
}
