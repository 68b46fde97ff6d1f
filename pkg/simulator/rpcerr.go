package simulator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
)

// ClassifyRPCError 把节点错误归类为适配器致命错误（ErrUnknownBlock 或 ErrBackend）
func ClassifyRPCError(method string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "header not found") || strings.Contains(msg, "unknown block") ||
		strings.Contains(msg, "block not found") || errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: %s: %v", ErrUnknownBlock, method, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrBackend, method, err)
}
