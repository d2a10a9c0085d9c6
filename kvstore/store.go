// Package kvstore 是 Leader 执行命令时使用的内存键值状态机。
package kvstore

import (
	"fmt"
	"sync"

	"github.com/bitcapybara/raftkv"
	"github.com/google/btree"
)

const degree = 32

type item struct {
	key   string
	value string
}

func (it item) Less(than btree.Item) bool {
	return it.key < than.(item).key
}

// Store 按 key 有序保存数据，可并发访问
type Store struct {
	tree *btree.BTree
	mu   sync.RWMutex
}

var _ raftkv.Fsm = (*Store)(nil)

func New() *Store {
	return &Store{tree: btree.New(degree)}
}

// Apply 执行一个操作，Set 和 Delete 返回旧值，Get 返回当前值
func (s *Store) Apply(op raftkv.Operation) raftkv.Value {
	switch o := op.(type) {
	case raftkv.SetValue:
		return s.Put(o.Key, o.Value)
	case raftkv.GetValue:
		return s.Get(o.Key)
	case raftkv.DelValue:
		return s.Delete(o.Key)
	case raftkv.NoOp:
		return raftkv.Value{}
	default:
		panic(fmt.Sprintf("未知的操作类型 %T", op))
	}
}

func (s *Store) Put(key, value string) raftkv.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.tree.ReplaceOrInsert(item{key: key, value: value})
	return toValue(old)
}

func (s *Store) Get(key string) raftkv.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return toValue(s.tree.Get(item{key: key}))
}

func (s *Store) Delete(key string) raftkv.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return toValue(s.tree.Delete(item{key: key}))
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Keys 按顺序返回所有 key
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, s.tree.Len())
	s.tree.Ascend(func(i btree.Item) bool {
		keys = append(keys, i.(item).key)
		return true
	})
	return keys
}

func toValue(i btree.Item) raftkv.Value {
	if i == nil {
		return raftkv.Value{}
	}
	return raftkv.Some(i.(item).value)
}
