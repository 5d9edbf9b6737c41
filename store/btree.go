package store

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// BTreeStore BTree实现的数据项存储
type BTreeStore struct {
	tree *btree.BTree // 注意一下BTree的写操作是并发不安全的
	lock *sync.RWMutex
}

// entry 树中的结构
type entry struct {
	key  []byte
	item *Item
}

func (a *entry) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(*entry).key) == -1
}

// NewBTreeStore 初始化
func NewBTreeStore() *BTreeStore {
	return &BTreeStore{
		tree: btree.New(32),
		lock: &sync.RWMutex{},
	}
}

func (bt *BTreeStore) Put(key []byte, item *Item) *Item {
	it := &entry{key: key, item: item}
	bt.lock.Lock()
	oldEntry := bt.tree.ReplaceOrInsert(it) // 由于写入不安全这个位置需要加锁
	bt.lock.Unlock()
	if oldEntry == nil {
		return nil
	}
	return oldEntry.(*entry).item
}

func (bt *BTreeStore) Get(key []byte) *Item {
	it := &entry{key: key}
	bt.lock.RLock()
	treeEntry := bt.tree.Get(it)
	bt.lock.RUnlock()
	if treeEntry == nil {
		return nil
	}
	return treeEntry.(*entry).item
}

func (bt *BTreeStore) Delete(key []byte) (*Item, bool) {
	it := &entry{key: key}
	bt.lock.Lock()
	oldEntry := bt.tree.Delete(it)
	bt.lock.Unlock()
	if oldEntry == nil {
		return nil, false
	}
	return oldEntry.(*entry).item, true
}

func (bt *BTreeStore) Size() int {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	return bt.tree.Len()
}

func (bt *BTreeStore) Fold(fn func(key []byte, item *Item) bool) {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	bt.tree.Ascend(func(it btree.Item) bool {
		e := it.(*entry)
		return fn(e.key, e.item)
	})
}
