package store

import (
	"sync"

	goart "github.com/plar/go-adaptive-radix-tree"
)

// ARTStore 自适应基数树实现的数据项存储
type ARTStore struct {
	tree goart.Tree
	lock *sync.RWMutex
}

func NewARTStore() *ARTStore {
	return &ARTStore{
		tree: goart.New(),
		lock: new(sync.RWMutex),
	}
}

func (art *ARTStore) Put(key []byte, item *Item) *Item {
	art.lock.Lock()
	oldValue, _ := art.tree.Insert(key, item)
	art.lock.Unlock()
	if oldValue == nil {
		return nil
	}
	return oldValue.(*Item)
}

func (art *ARTStore) Get(key []byte) *Item {
	art.lock.RLock() // 读取锁
	defer art.lock.RUnlock()
	value, found := art.tree.Search(key)
	if !found {
		return nil
	}
	return value.(*Item)
}

func (art *ARTStore) Delete(key []byte) (*Item, bool) {
	art.lock.Lock()
	oldValue, deleted := art.tree.Delete(key)
	art.lock.Unlock()
	if oldValue == nil {
		return nil, false
	}
	return oldValue.(*Item), deleted
}

func (art *ARTStore) Size() int {
	art.lock.RLock()
	size := art.tree.Size()
	art.lock.RUnlock()
	return size
}

func (art *ARTStore) Fold(fn func(key []byte, item *Item) bool) {
	art.lock.RLock()
	defer art.lock.RUnlock()
	art.tree.ForEach(func(node goart.Node) bool {
		return fn(node.Key(), node.Value().(*Item))
	})
}
