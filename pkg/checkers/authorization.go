package checkers

import (
	"github.com/ethereum/go-ethereum/common"

	"assetsim/pkg/assets"
)

// ============ EIP-3009 ============

var (
	transferWithAuthorizationSelector = selectorOf(0xe3ee160e)
	receiveWithAuthorizationSelector  = selectorOf(0xef55bec6)

	// (from, to, value, validAfter, validBefore, nonce, v, r, s)
	authorizationArgs = arguments(addressType, addressType, uint256Type, uint256Type, uint256Type,
		bytes32Type, uint8Type, bytes32Type, bytes32Type)
)

// TransferWithAuthorization EIP-3009 签名授权转账检查器：签名者 from 的余额
// 签名本身无效导致的失败不会因余额提高而消失，搜索会以上限不可满足结束
type TransferWithAuthorization struct{ standardOverride }

func (TransferWithAuthorization) Name() string { return "eip3009-transferWithAuthorization" }

func (TransferWithAuthorization) Matches(f *Frame) bool {
	return hasSelector(f, transferWithAuthorizationSelector, authorizationArgs) ||
		hasSelector(f, receiveWithAuthorizationSelector, authorizationArgs)
}

func (TransferWithAuthorization) Extract(f *Frame) (Finding, error) {
	vals, err := unpack(f, authorizationArgs)
	if err != nil {
		return Finding{}, err
	}
	from := vals[0].(common.Address)
	amount, err := amountOf(vals[2])
	if err != nil {
		return Finding{}, err
	}
	return Finding{
		Checker:    "eip3009-transferWithAuthorization",
		Candidates: []Candidate{{Identity: assets.BalanceOf(from, assets.TokenAsset(f.Storage)), Hint: amount}},
	}, nil
}

// ============ Permit2 ============

var (
	// transferFrom(address from, address to, uint160 amount, address token)
	permit2TransferFromSelector = selectorOf(0x36c78516)
	permit2TransferFromArgs     = arguments(addressType, addressType, uint160Type, addressType)
)

// Permit2TransferFrom Uniswap Permit2 AllowanceTransfer 检查器
// 授权记在 Permit2 合约的账本中：allowance[owner][token][msg.sender]。
// 底层代币转账失败时失败帧会落在代币调用上，由 ERC-20 检查器处理。
type Permit2TransferFrom struct{ standardOverride }

func (Permit2TransferFrom) Name() string { return "permit2-transferFrom" }

func (Permit2TransferFrom) Matches(f *Frame) bool {
	return hasSelector(f, permit2TransferFromSelector, permit2TransferFromArgs)
}

func (Permit2TransferFrom) Extract(f *Frame) (Finding, error) {
	vals, err := unpack(f, permit2TransferFromArgs)
	if err != nil {
		return Finding{}, err
	}
	owner := vals[0].(common.Address)
	token := vals[3].(common.Address)
	amount, err := amountOf(vals[2])
	if err != nil {
		return Finding{}, err
	}
	id := assets.AllowanceOf(owner, f.Sender, assets.TokenAsset(token)).Via(f.Storage)
	return Finding{
		Checker:    "permit2-transferFrom",
		Candidates: []Candidate{{Identity: id, Hint: amount}},
	}, nil
}
