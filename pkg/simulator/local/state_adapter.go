package local

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"

	"assetsim/pkg/simulator"
)

// StateAdapter 实现 vm.StateDB 接口
//
// 分叉状态按需从 StateProvider 拉取，执行前叠加 StateOverride，执行中的变更只存在于内存。
// 每次模拟创建一个实例，不跨 goroutine 使用。
// vm.StateDB 无法返回错误，拉取失败会被锁存，执行结束后由 Err 取出。
type StateAdapter struct {
	ctx       context.Context
	block     simulator.BlockRef
	provider  StateProvider
	overrides simulator.StateOverride

	accounts map[common.Address]*AccountState
	fresh    map[common.Address]bool // 本次执行中新建的账户，存储不回源

	// 撤销日志：RevertToSnapshot 逆序执行
	journal   []func()
	revisions []int

	// Access lists (EIP-2929)
	accessedAddresses map[common.Address]struct{}
	accessedSlots     map[common.Address]map[common.Hash]struct{}

	// Transient storage (EIP-1153)
	transientStorage map[common.Address]map[common.Hash]common.Hash

	logs           []*types.Log
	created        map[common.Address]struct{}
	selfDestructed map[common.Address]struct{}
	refund         uint64

	err error
}

// NewStateAdapter 创建 StateAdapter；provider 为nil时分叉状态为空
func NewStateAdapter(ctx context.Context, block simulator.BlockRef, provider StateProvider, overrides simulator.StateOverride) *StateAdapter {
	if overrides == nil {
		overrides = make(simulator.StateOverride)
	}
	return &StateAdapter{
		ctx:               ctx,
		block:             block,
		provider:          provider,
		overrides:         overrides,
		accounts:          make(map[common.Address]*AccountState),
		fresh:             make(map[common.Address]bool),
		accessedAddresses: make(map[common.Address]struct{}),
		accessedSlots:     make(map[common.Address]map[common.Hash]struct{}),
		transientStorage:  make(map[common.Address]map[common.Hash]common.Hash),
		created:           make(map[common.Address]struct{}),
		selfDestructed:    make(map[common.Address]struct{}),
	}
}

// Err 返回执行期间锁存的第一个状态拉取错误
func (s *StateAdapter) Err() error {
	return s.err
}

func (s *StateAdapter) latch(err error) {
	if err != nil && s.err == nil {
		s.err = err
	}
}

// ============ 延迟加载辅助 ============

func (s *StateAdapter) getAccount(addr common.Address) *AccountState {
	if acc, ok := s.accounts[addr]; ok {
		return acc
	}
	acc := NewAccountState()
	if s.provider != nil && s.err == nil {
		if balance, err := s.provider.GetBalance(s.ctx, s.block, addr); err != nil {
			s.latch(fmt.Errorf("load balance of %s: %w", addr.Hex(), err))
		} else if balance != nil {
			acc.Balance = balance
		}
		if nonce, err := s.provider.GetNonce(s.ctx, s.block, addr); err != nil {
			s.latch(fmt.Errorf("load nonce of %s: %w", addr.Hex(), err))
		} else {
			acc.Nonce = nonce
		}
		if code, err := s.provider.GetCode(s.ctx, s.block, addr); err != nil {
			s.latch(fmt.Errorf("load code of %s: %w", addr.Hex(), err))
		} else if len(code) > 0 {
			acc.SetCode(code)
		}
	}
	if ov := s.overrides[addr]; ov != nil {
		if ov.Balance != nil {
			acc.Balance, _ = uint256.FromBig(ov.Balance.ToInt())
		}
		if ov.Nonce != nil {
			acc.Nonce = uint64(*ov.Nonce)
		}
		if ov.Code != nil {
			acc.SetCode(common.CopyBytes(ov.Code))
		}
	}
	s.accounts[addr] = acc
	return acc
}

func (s *StateAdapter) loadSlot(addr common.Address, acc *AccountState, key common.Hash) common.Hash {
	if v, ok := acc.Storage[key]; ok {
		return v
	}
	var value common.Hash
	if ov := s.overrides[addr]; ov != nil {
		if v, ok := ov.StateDiff[key]; ok {
			acc.Storage[key], acc.Origin[key] = v, v
			return v
		}
	}
	if !s.fresh[addr] && s.provider != nil && s.err == nil {
		v, err := s.provider.GetStorage(s.ctx, s.block, addr, key)
		if err != nil {
			s.latch(fmt.Errorf("load storage %s of %s: %w", key.Hex(), addr.Hex(), err))
		} else {
			value = v
		}
	}
	acc.Storage[key], acc.Origin[key] = value, value
	return value
}

// ============ 账户创建 ============

func (s *StateAdapter) CreateAccount(addr common.Address) {
	prev, hadPrev := s.accounts[addr]
	prevFresh := s.fresh[addr]
	acc := NewAccountState()
	if hadPrev {
		acc.Balance = new(uint256.Int).Set(prev.Balance)
	}
	s.accounts[addr] = acc
	s.fresh[addr] = true
	s.journal = append(s.journal, func() {
		if hadPrev {
			s.accounts[addr] = prev
		} else {
			delete(s.accounts, addr)
		}
		s.fresh[addr] = prevFresh
	})
}

func (s *StateAdapter) CreateContract(addr common.Address) {
	if _, ok := s.created[addr]; ok {
		return
	}
	s.created[addr] = struct{}{}
	s.journal = append(s.journal, func() { delete(s.created, addr) })
}

// ============ 余额操作 ============

func (s *StateAdapter) GetBalance(addr common.Address) *uint256.Int {
	return new(uint256.Int).Set(s.getAccount(addr).Balance)
}

func (s *StateAdapter) setBalance(addr common.Address, v *uint256.Int) uint256.Int {
	acc := s.getAccount(addr)
	prev := *acc.Balance
	acc.Balance = v
	s.journal = append(s.journal, func() { acc.Balance = &prev })
	return prev
}

func (s *StateAdapter) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	acc := s.getAccount(addr)
	return s.setBalance(addr, new(uint256.Int).Sub(acc.Balance, amount))
}

func (s *StateAdapter) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	acc := s.getAccount(addr)
	return s.setBalance(addr, new(uint256.Int).Add(acc.Balance, amount))
}

// ============ Nonce操作 ============

func (s *StateAdapter) GetNonce(addr common.Address) uint64 {
	return s.getAccount(addr).Nonce
}

func (s *StateAdapter) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	acc := s.getAccount(addr)
	prev := acc.Nonce
	acc.Nonce = nonce
	s.journal = append(s.journal, func() { acc.Nonce = prev })
}

// ============ 代码操作 ============

func (s *StateAdapter) GetCode(addr common.Address) []byte {
	return s.getAccount(addr).Code
}

func (s *StateAdapter) GetCodeHash(addr common.Address) common.Hash {
	acc := s.getAccount(addr)
	if acc.IsEmpty() && !s.touched(addr) {
		return common.Hash{}
	}
	return acc.CodeHash
}

func (s *StateAdapter) GetCodeSize(addr common.Address) int {
	return len(s.getAccount(addr).Code)
}

func (s *StateAdapter) SetCode(addr common.Address, code []byte) []byte {
	acc := s.getAccount(addr)
	prevCode, prevHash := acc.Code, acc.CodeHash
	acc.SetCode(code)
	s.journal = append(s.journal, func() { acc.Code, acc.CodeHash = prevCode, prevHash })
	return prevCode
}

// ============ 存储操作 ============

func (s *StateAdapter) GetState(addr common.Address, key common.Hash) common.Hash {
	return s.loadSlot(addr, s.getAccount(addr), key)
}

func (s *StateAdapter) GetStateAndCommittedState(addr common.Address, key common.Hash) (common.Hash, common.Hash) {
	acc := s.getAccount(addr)
	current := s.loadSlot(addr, acc, key)
	return current, acc.Origin[key]
}

func (s *StateAdapter) SetState(addr common.Address, key common.Hash, value common.Hash) common.Hash {
	acc := s.getAccount(addr)
	prev := s.loadSlot(addr, acc, key)
	acc.Storage[key] = value
	s.journal = append(s.journal, func() { acc.Storage[key] = prev })
	return prev
}

func (s *StateAdapter) GetStorageRoot(addr common.Address) common.Hash {
	// 不维护真实的 storage root
	return common.Hash{}
}

// ============ Transient Storage (EIP-1153) ============

func (s *StateAdapter) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return s.transientStorage[addr][key]
}

func (s *StateAdapter) SetTransientState(addr common.Address, key, value common.Hash) {
	slots := s.transientStorage[addr]
	if slots == nil {
		slots = make(map[common.Hash]common.Hash)
		s.transientStorage[addr] = slots
	}
	prev := slots[key]
	slots[key] = value
	s.journal = append(s.journal, func() { slots[key] = prev })
}

// ============ 账户销毁 ============

func (s *StateAdapter) SelfDestruct(addr common.Address) uint256.Int {
	acc := s.getAccount(addr)
	prev := *acc.Balance
	_, already := s.selfDestructed[addr]
	s.selfDestructed[addr] = struct{}{}
	acc.Balance = new(uint256.Int)
	s.journal = append(s.journal, func() {
		acc.Balance = &prev
		if !already {
			delete(s.selfDestructed, addr)
		}
	})
	return prev
}

func (s *StateAdapter) HasSelfDestructed(addr common.Address) bool {
	_, ok := s.selfDestructed[addr]
	return ok
}

func (s *StateAdapter) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	// EIP-6780: 只有在同一交易中创建的账户才能真正销毁
	if _, created := s.created[addr]; created {
		return s.SelfDestruct(addr), true
	}
	return *s.getAccount(addr).Balance, false
}

// ============ 账户存在性检查 ============

func (s *StateAdapter) touched(addr common.Address) bool {
	_, created := s.created[addr]
	return created || s.fresh[addr]
}

func (s *StateAdapter) Exist(addr common.Address) bool {
	return !s.getAccount(addr).IsEmpty() || s.touched(addr)
}

func (s *StateAdapter) Empty(addr common.Address) bool {
	return s.getAccount(addr).IsEmpty()
}

// ============ Access List (EIP-2929) ============

func (s *StateAdapter) AddressInAccessList(addr common.Address) bool {
	_, ok := s.accessedAddresses[addr]
	return ok
}

func (s *StateAdapter) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	_, addrOk := s.accessedAddresses[addr]
	_, slotOk := s.accessedSlots[addr][slot]
	return addrOk, slotOk
}

func (s *StateAdapter) AddAddressToAccessList(addr common.Address) {
	if _, ok := s.accessedAddresses[addr]; ok {
		return
	}
	s.accessedAddresses[addr] = struct{}{}
	s.journal = append(s.journal, func() { delete(s.accessedAddresses, addr) })
}

func (s *StateAdapter) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.AddAddressToAccessList(addr)
	slots := s.accessedSlots[addr]
	if slots == nil {
		slots = make(map[common.Hash]struct{})
		s.accessedSlots[addr] = slots
	}
	if _, ok := slots[slot]; ok {
		return
	}
	slots[slot] = struct{}{}
	s.journal = append(s.journal, func() { delete(slots, slot) })
}

// ============ Gas退款 ============

func (s *StateAdapter) AddRefund(gas uint64) {
	prev := s.refund
	s.refund += gas
	s.journal = append(s.journal, func() { s.refund = prev })
}

func (s *StateAdapter) SubRefund(gas uint64) {
	prev := s.refund
	if gas > s.refund {
		s.refund = 0
	} else {
		s.refund -= gas
	}
	s.journal = append(s.journal, func() { s.refund = prev })
}

func (s *StateAdapter) GetRefund() uint64 {
	return s.refund
}

// ============ 快照机制 ============

func (s *StateAdapter) Snapshot() int {
	id := len(s.revisions)
	s.revisions = append(s.revisions, len(s.journal))
	return id
}

func (s *StateAdapter) RevertToSnapshot(id int) {
	if id < 0 || id >= len(s.revisions) {
		return
	}
	target := s.revisions[id]
	for i := len(s.journal) - 1; i >= target; i-- {
		s.journal[i]()
	}
	s.journal = s.journal[:target]
	s.revisions = s.revisions[:id]
}

// ============ 日志 ============

func (s *StateAdapter) AddLog(l *types.Log) {
	l.Index = uint(len(s.logs))
	s.logs = append(s.logs, l)
	n := len(s.logs) - 1
	s.journal = append(s.journal, func() { s.logs = s.logs[:n] })
}

// Logs 返回执行产生的日志
func (s *StateAdapter) Logs() []*types.Log {
	return s.logs
}

func (s *StateAdapter) AddPreimage(hash common.Hash, preimage []byte) {}

// ============ Prepare ============

func (s *StateAdapter) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	s.transientStorage = make(map[common.Address]map[common.Hash]common.Hash)
	s.accessedAddresses = make(map[common.Address]struct{})
	s.accessedSlots = make(map[common.Address]map[common.Hash]struct{})

	s.accessedAddresses[sender] = struct{}{}
	if dest != nil {
		s.accessedAddresses[*dest] = struct{}{}
	}
	for _, addr := range precompiles {
		s.accessedAddresses[addr] = struct{}{}
	}
	for _, item := range txAccesses {
		s.accessedAddresses[item.Address] = struct{}{}
		for _, key := range item.StorageKeys {
			if s.accessedSlots[item.Address] == nil {
				s.accessedSlots[item.Address] = make(map[common.Hash]struct{})
			}
			s.accessedSlots[item.Address][key] = struct{}{}
		}
	}
	if rules.IsShanghai { // EIP-3651: warm coinbase
		s.accessedAddresses[coinbase] = struct{}{}
	}
}

// ============ 其他必需方法 ============

func (s *StateAdapter) PointCache() *utils.PointCache {
	return nil
}

func (s *StateAdapter) Witness() *stateless.Witness {
	return nil
}

func (s *StateAdapter) AccessEvents() *state.AccessEvents {
	return nil
}

func (s *StateAdapter) Finalise(deleteEmptyObjects bool) {}
