package checkers

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"assetsim/pkg/assets"
)

// standardOverride 提供按身份构造覆盖的默认实现
type standardOverride struct{}

func (standardOverride) BuildOverride(id assets.Identity, amount *uint256.Int) assets.Override {
	return StandardOverride(id, amount)
}

// ============ transferFrom(address,address,uint256) ============

var (
	transferFromSelector = selectorOf(0x23b872dd)
	transferFromArgs     = arguments(addressType, addressType, uint256Type)
)

// TransferFrom ERC-20 transferFrom 检查器
// 同一失败可能由 owner 余额或 owner->msg.sender 授权不足引起，报告需求对
type TransferFrom struct{ standardOverride }

func (TransferFrom) Name() string { return "erc20-transferFrom" }

func (TransferFrom) Matches(f *Frame) bool {
	return hasSelector(f, transferFromSelector, transferFromArgs)
}

func (TransferFrom) Extract(f *Frame) (Finding, error) {
	vals, err := unpack(f, transferFromArgs)
	if err != nil {
		return Finding{}, err
	}
	owner := vals[0].(common.Address)
	amount, err := amountOf(vals[2])
	if err != nil {
		return Finding{}, err
	}
	token := assets.TokenAsset(f.Storage)
	return Finding{
		Checker: "erc20-transferFrom",
		Candidates: []Candidate{
			{Identity: assets.BalanceOf(owner, token), Hint: amount},
			{Identity: assets.AllowanceOf(owner, f.Sender, token), Hint: amount},
		},
	}, nil
}

// ============ transfer(address,uint256) ============

var (
	transferSelector = selectorOf(0xa9059cbb)
	transferArgs     = arguments(addressType, uint256Type)
)

// Transfer ERC-20 transfer 检查器：msg.sender 的余额
type Transfer struct{ standardOverride }

func (Transfer) Name() string { return "erc20-transfer" }

func (Transfer) Matches(f *Frame) bool {
	return hasSelector(f, transferSelector, transferArgs)
}

func (Transfer) Extract(f *Frame) (Finding, error) {
	vals, err := unpack(f, transferArgs)
	if err != nil {
		return Finding{}, err
	}
	amount, err := amountOf(vals[1])
	if err != nil {
		return Finding{}, err
	}
	return Finding{
		Checker:    "erc20-transfer",
		Candidates: []Candidate{{Identity: assets.BalanceOf(f.Sender, assets.TokenAsset(f.Storage)), Hint: amount}},
	}, nil
}
