// Package raftlog 实现副本本地的 Raft 日志。
//
// 日志从 0 开始编号且没有空洞。所有修改都必须经过 Append，
// 这样两个副本只要在某个索引上的条目 term 相同，该索引之前的条目就完全一致。
package raftlog

import (
	"fmt"

	"github.com/go-errors/errors"
)

var (
	// 副本缺少中间的条目，Leader 需要用更小的索引重试
	ErrNotCaughtUp = errors.Errorf("日志未追上")
	// 前一个条目的 term 与 Leader 的不一致，Leader 需要继续回退
	ErrTermMismatch = errors.Errorf("前一个条目的 term 不匹配")
	ErrInvalidIndex = errors.Errorf("日志索引不能为负数")
)

// Log 不做任何加锁，调用方必须保证同一时刻只有一个协程访问。
type Log struct {
	entries Slice
}

func New() *Log {
	return &Log{entries: make(Slice, 0)}
}

// NewFromEntries 用已有条目构造日志，主要用于测试和恢复。
func NewFromEntries(entries []Entry) *Log {
	l := New()
	for _, e := range entries {
		l.entries = append(l.entries, e.clone())
	}
	return l
}

// Append 把 entry 写到 logIndex 处，prevLogTerm 是 Leader 认为 logIndex-1 处条目的 term。
//
// entry 为 nil 时只做一致性检查，不修改日志，返回 logIndex-1。
// 否则返回 logIndex。
func (l *Log) Append(logIndex int, prevLogTerm int, entry *Entry) (int, error) {
	if logIndex < 0 {
		return 0, errors.WrapPrefix(ErrInvalidIndex, fmt.Sprintf("index=%d", logIndex), 0)
	}
	if logIndex > len(l.entries) {
		return 0, errors.WrapPrefix(ErrNotCaughtUp,
			fmt.Sprintf("尝试写入索引 %d，但日志长度只有 %d", logIndex, len(l.entries)), 0)
	}
	if logIndex != 0 && l.entries[logIndex-1].Term != prevLogTerm {
		return 0, errors.WrapPrefix(ErrTermMismatch,
			fmt.Sprintf("索引 %d 处的 term 为 %d，但 prevLogTerm 为 %d",
				logIndex-1, l.entries[logIndex-1].Term, prevLogTerm), 0)
	}
	if entry == nil {
		return logIndex - 1, nil
	}

	newEntry := entry.clone()
	switch {
	case logIndex < len(l.entries) && l.entries[logIndex].Term != newEntry.Term:
		// 同一索引 term 不同，说明旧条目未被提交，连同其后的条目一起丢弃
		for i := logIndex; i < len(l.entries); i++ {
			l.entries[i] = Entry{}
		}
		l.entries = append(l.entries[:logIndex], newEntry)
	case logIndex < len(l.entries):
		// 重复的请求，原地覆盖，其后已确认给 Leader 的条目必须保留
		l.entries[logIndex] = newEntry
	default:
		l.entries = append(l.entries, newEntry)
	}
	return logIndex, nil
}

func (l *Log) Len() int {
	return len(l.entries)
}

// 日志为空时返回 -1
func (l *Log) LastIndex() int {
	return len(l.entries) - 1
}

// 最后一个条目的 term，日志为空时返回 0
func (l *Log) LastTerm() int {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

func (l *Log) At(index int) (Entry, bool) {
	if index < 0 || index >= len(l.entries) {
		return Entry{}, false
	}
	return l.entries[index].clone(), true
}

// Term 返回 index 处条目的 term，越界时返回 0
func (l *Log) Term(index int) int {
	if index < 0 || index >= len(l.entries) {
		return 0
	}
	return l.entries[index].Term
}

// Entries 返回 [start, end) 范围内条目的副本，范围会被裁剪到日志内
func (l *Log) Entries(start, end int) []Entry {
	if start < 0 {
		start = 0
	}
	if end > len(l.entries) {
		end = len(l.entries)
	}
	if start >= end {
		return nil
	}
	res := make([]Entry, 0, end-start)
	for _, e := range l.entries[start:end] {
		res = append(res, e.clone())
	}
	return res
}

// FirstIndexOfTerm 返回 index 所在 term 的第一个条目的索引
func (l *Log) FirstIndexOfTerm(index int) int {
	if index < 0 || index >= len(l.entries) {
		return -1
	}
	term := l.entries[index].Term
	for index > 0 && l.entries[index-1].Term == term {
		index--
	}
	return index
}
