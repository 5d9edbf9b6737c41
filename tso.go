package TxnDB

import (
	"sync"

	"TxnDB/store"
	"TxnDB/wal"
)

// TsOrder 时间戳排序并发控制器，两阶段锁的替代策略。
// 从不挂起调用者，冲突只会导致立即中止；写入即刻安装到共享存储，没有缓冲。
// 这里刻意不做Thomas写规则（静默丢弃过时写入），保守地一律中止。
type TsOrder struct {
	mu     *sync.Mutex
	nextTs uint64
	store  store.Store
	log    *wal.Log
}

func NewTsOrder(dataStore store.Store, log *wal.Log) *TsOrder {
	return &TsOrder{
		mu:     new(sync.Mutex),
		nextTs: 1,
		store:  dataStore,
		log:    log,
	}
}

// Begin 分配严格递增的开始时间戳
func (to *TsOrder) Begin() uint64 {
	to.mu.Lock()
	defer to.mu.Unlock()
	ts := to.nextTs
	to.nextTs++
	return ts
}

// Read 读取数据项。开始时间戳早于该项写时间戳时说明
// 这个视图已经被更晚的写者推翻，只能中止。
func (to *TsOrder) Read(txn *Txn, key []byte) ([]byte, error) {
	to.mu.Lock()
	defer to.mu.Unlock()

	item := to.store.Get(key)
	if item == nil {
		return nil, ErrKeyNotFound
	}
	if txn.startTs < item.WriteTs {
		return nil, ErrTsOrderConflict
	}
	if txn.startTs > item.ReadTs {
		item.ReadTs = txn.startTs
	}
	return item.Value, nil
}

// Write 写入数据项。更晚的事务已经读过或者写过该项时中止，
// 否则先写UPDATE日志再立即安装新值。
func (to *TsOrder) Write(txn *Txn, key []byte, value []byte) error {
	to.mu.Lock()
	defer to.mu.Unlock()

	item := to.store.Get(key)
	if item == nil {
		item = &store.Item{}
	}
	if txn.startTs < item.ReadTs || txn.startTs < item.WriteTs {
		return ErrTsOrderConflict
	}

	// 安装之前先落UPDATE日志，恢复的时候依靠它重做
	if _, err := to.log.Append(&wal.Record{
		TxnID:    txn.id,
		Type:     wal.RecordUpdate,
		Key:      key,
		OldValue: item.Value,
		Value:    value,
	}); err != nil {
		return err
	}

	if txn.startTs > item.WriteTs {
		item.WriteTs = txn.startTs
	}
	item.Value = value
	to.store.Put(key, item)
	return nil
}
