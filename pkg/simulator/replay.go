package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// ErrUnknownTx 交易不存在或尚未上链
var ErrUnknownTx = errors.New("unknown transaction")

// TxSource 重放已上链交易所需的RPC能力（*ethclient.Client 满足该接口）
type TxSource interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// FetchTx 获取已上链交易并恢复发送方，返回交易描述及其父区块
// 分叉状态取父区块末尾，同一区块内排在前面的交易不会被重放
func FetchTx(ctx context.Context, src TxSource, hash common.Hash) (TxSpec, BlockRef, error) {
	tx, pending, err := src.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxSpec{}, BlockRef{}, fmt.Errorf("%w: %s", ErrUnknownTx, hash.Hex())
		}
		return TxSpec{}, BlockRef{}, fmt.Errorf("%w: fetch transaction %s: %v", ErrBackend, hash.Hex(), err)
	}
	if pending {
		return TxSpec{}, BlockRef{}, fmt.Errorf("%w: %s is still pending", ErrUnknownTx, hash.Hex())
	}
	if tx.To() == nil {
		return TxSpec{}, BlockRef{}, fmt.Errorf("%w: %s is a contract creation", ErrMalformedTx, hash.Hex())
	}

	receipt, err := src.TransactionReceipt(ctx, hash)
	if err != nil {
		return TxSpec{}, BlockRef{}, fmt.Errorf("%w: fetch receipt %s: %v", ErrBackend, hash.Hex(), err)
	}
	if receipt.BlockNumber == nil || receipt.BlockNumber.Sign() == 0 {
		return TxSpec{}, BlockRef{}, fmt.Errorf("%w: receipt of %s has no parent block", ErrUnknownBlock, hash.Hex())
	}

	from, err := senderFromTx(tx)
	if err != nil {
		return TxSpec{}, BlockRef{}, fmt.Errorf("%w: derive sender: %v", ErrMalformedTx, err)
	}

	value, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return TxSpec{}, BlockRef{}, fmt.Errorf("%w: value overflows 256 bits", ErrMalformedTx)
	}

	spec := TxSpec{
		From:  from,
		To:    *tx.To(),
		Data:  common.CopyBytes(tx.Data()),
		Value: value,
		Gas:   tx.Gas(),
	}
	parent := new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	return spec, BlockRef{Number: parent}, nil
}

func senderFromTx(tx *types.Transaction) (common.Address, error) {
	if tx == nil {
		return common.Address{}, fmt.Errorf("tx is nil")
	}

	chainID := tx.ChainId()
	var signer types.Signer
	if chainID != nil && chainID.Sign() > 0 {
		signer = types.LatestSignerForChainID(chainID)
	} else {
		signer = types.HomesteadSigner{}
	}

	return types.Sender(signer, tx)
}
