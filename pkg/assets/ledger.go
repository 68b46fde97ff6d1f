package assets

import "github.com/holiman/uint256"

// Entry 账本条目：需求与其对应的唯一覆盖
type Entry struct {
	Requirement Requirement
	Override    Override
}

// Ledger 单次发现运行内的需求账本
// 按发现顺序保存，同一身份只保留一条；金额只升不降，需求与覆盖一一对应
type Ledger struct {
	entries []*Entry
	index   map[Identity]int
}

// NewLedger 创建空账本
func NewLedger() *Ledger {
	return &Ledger{index: make(map[Identity]int)}
}

// Record 记录需求及其覆盖
// 身份已存在时仅在新金额更大时提升，返回值表示账本是否发生变化
func (l *Ledger) Record(req Requirement, ov Override) bool {
	if i, ok := l.index[req.Identity]; ok {
		e := l.entries[i]
		if req.Amount == nil || !req.Amount.Gt(e.Requirement.Amount) {
			return false
		}
		e.Requirement.Amount = new(uint256.Int).Set(req.Amount)
		e.Requirement.SetCurrent(e.Requirement.Current)
		e.Override = ov
		return true
	}
	l.index[req.Identity] = len(l.entries)
	l.entries = append(l.entries, &Entry{Requirement: req.Clone(), Override: ov})
	return true
}

// Lookup 返回指定身份的条目
func (l *Ledger) Lookup(id Identity) (Entry, bool) {
	i, ok := l.index[id]
	if !ok {
		return Entry{}, false
	}
	return *l.entries[i], true
}

// SetCurrent 更新指定身份的当前值
func (l *Ledger) SetCurrent(id Identity, current *uint256.Int) {
	if i, ok := l.index[id]; ok {
		l.entries[i].Requirement.SetCurrent(current)
	}
}

// Drop 移除指定身份（仅用于成功后的冗余裁剪）
func (l *Ledger) Drop(id Identity) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	delete(l.index, id)
	for j := i; j < len(l.entries); j++ {
		l.index[l.entries[j].Requirement.Identity] = j
	}
	return true
}

// Len 返回条目数
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Overrides 返回当前全部覆盖（发现顺序）
func (l *Ledger) Overrides() []Override {
	out := make([]Override, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Override
	}
	return out
}

// Requirements 返回需求副本（发现顺序）
func (l *Ledger) Requirements() []Requirement {
	out := make([]Requirement, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Requirement.Clone()
	}
	return out
}
