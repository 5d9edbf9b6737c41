package TxnDB

import (
	"log"
	"sync"

	"TxnDB/store"
	"TxnDB/wal"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"golang.org/x/exp/slices"
)

// TxnManager 事务管理器：持有事务生命周期，把读写分发给当前并发控制策略，
// 缓冲写入并通过日志驱动提交/中止。所有依赖都在构造时显式传入，没有包级全局状态。
type TxnManager struct {
	mu *sync.RWMutex
	// 只保留活跃事务，终止的事务对象整体丢弃
	txns map[uint64]*Txn
	// 已终止事务的终态，id到状态字节的紧凑映射
	closed    map[uint64]TxnState
	nextTxnID uint64

	cc    ConcurrencyType
	locks *LockManager
	tso   *TsOrder
	store store.Store
	log   *wal.Log

	// 活跃事务BEGIN序列号的最小堆，检查点截断用（惰性删除）
	beginHeap *priorityqueue.Queue
	seqToTxn  map[uint64]uint64

	// 事务终止回调，检查点用它跟踪活跃事务到终止
	onFinish func(txnID uint64)
}

func NewTxnManager(cc ConcurrencyType, locks *LockManager, tso *TsOrder,
	dataStore store.Store, walLog *wal.Log) *TxnManager {
	return &TxnManager{
		mu:        new(sync.RWMutex),
		txns:      make(map[uint64]*Txn),
		closed:    make(map[uint64]TxnState),
		nextTxnID: 1,
		cc:        cc,
		locks:     locks,
		tso:       tso,
		store:     dataStore,
		log:       walLog,
		beginHeap: priorityqueue.NewWith(UInt64Comparator),
		seqToTxn:  make(map[uint64]uint64),
	}
}

// Begin 分配一个ACTIVE事务并写入BEGIN记录
func (tm *TxnManager) Begin(level IsolationLevel) (uint64, error) {
	if level < ReadUncommitted || level > Serializable {
		return 0, ErrUnknownIsolationLevel
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	id := tm.nextTxnID
	tm.nextTxnID++
	txn := newTxn(id, level)

	seq, err := tm.log.Append(&wal.Record{TxnID: id, Type: wal.RecordBegin})
	if err != nil {
		return 0, err
	}
	txn.beginSeq = seq

	if tm.cc == TimestampOrdering {
		txn.startTs = tm.tso.Begin()
	}

	tm.txns[id] = txn
	tm.beginHeap.Enqueue(seq)
	tm.seqToTxn[seq] = id
	return id, nil
}

// Read 读取key。READ_UNCOMMITTED直接读共享项绕过并发控制；
// READ_COMMITTED每次都走当前策略；REPEATABLE_READ/SERIALIZABLE
// 对同一个key的首次读会被缓存，之后无视并发提交返回缓存值。
// 事务自己缓冲的写入优先可见。
func (tm *TxnManager) Read(txnID uint64, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyIsEmpty
	}
	txn, err := tm.lookup(txnID)
	if err != nil {
		return nil, err
	}

	// 读自己的写
	if tm.cc == TwoPhaseLocking {
		if value, ok := txn.pendingWrites[string(key)]; ok {
			return value, nil
		}
	}

	switch txn.level {
	case ReadUncommitted:
		item := tm.store.Get(key)
		if item == nil {
			return nil, ErrKeyNotFound
		}
		return item.Value, nil
	case ReadCommitted:
		return tm.readThrough(txn, key)
	case RepeatableRead, Serializable:
		if value, ok := txn.readCache[string(key)]; ok {
			return value, nil
		}
		value, err := tm.readThrough(txn, key)
		if err != nil {
			return nil, err
		}
		txn.readCache[string(key)] = value
		return value, nil
	default:
		return nil, ErrUnknownIsolationLevel
	}
}

// Write 写入key。锁策略下缓冲在事务私有区，提交时才可见；
// 时间戳排序下立即安装。
func (tm *TxnManager) Write(txnID uint64, key []byte, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	txn, err := tm.lookup(txnID)
	if err != nil {
		return err
	}

	if tm.cc == TwoPhaseLocking {
		if err := tm.locks.Acquire(txn.id, key, LockExclusive); err != nil {
			// 被选为死锁受害者，只会以事务中止的形式暴露
			tm.abort(txn)
			return err
		}
		txn.pendingWrites[string(key)] = value
		return nil
	}

	if err := tm.tso.Write(txn, key, value); err != nil {
		// 冲突或者日志IO失败都强制中止；时间戳排序下中止是拒绝而不是回滚
		tm.abort(txn)
		return err
	}
	return nil
}

// Commit 提交事务。锁策略：每个缓冲写一条UPDATE、一条COMMIT、Flush，
// 全部落盘之后才把写缓冲应用到共享存储并释放锁；flush之前任何失败都转为中止。
// COMMIT记录持久化之后提交才算成立。
func (tm *TxnManager) Commit(txnID uint64) error {
	txn, err := tm.lookup(txnID)
	if err != nil {
		return err
	}

	if tm.cc == TwoPhaseLocking {
		// 排序保证重放顺序稳定
		keys := make([]string, 0, len(txn.pendingWrites))
		for k := range txn.pendingWrites {
			keys = append(keys, k)
		}
		slices.Sort(keys)

		for _, k := range keys {
			var oldValue []byte
			if item := tm.store.Get([]byte(k)); item != nil {
				oldValue = item.Value
			}
			if _, err := tm.log.Append(&wal.Record{
				TxnID:    txn.id,
				Type:     wal.RecordUpdate,
				Key:      []byte(k),
				OldValue: oldValue,
				Value:    txn.pendingWrites[k],
			}); err != nil {
				tm.abort(txn)
				return err
			}
		}
	}

	if _, err := tm.log.Append(&wal.Record{TxnID: txn.id, Type: wal.RecordCommit}); err != nil {
		tm.abort(txn)
		return err
	}
	if err := tm.log.Flush(); err != nil {
		tm.abort(txn)
		return err
	}

	// COMMIT已经落盘，写缓冲此刻才对外可见
	if tm.cc == TwoPhaseLocking {
		for k, v := range txn.pendingWrites {
			tm.store.Put([]byte(k), &store.Item{Value: v})
		}
		tm.locks.ReleaseAll(txn.id)
	}

	tm.mu.Lock()
	txn.state = TxnCommitted
	delete(tm.txns, txn.id)
	tm.closed[txn.id] = TxnCommitted
	tm.mu.Unlock()
	tm.finish(txn.id)
	return nil
}

// Abort 中止事务，任何时刻都可以调用，总是干净地终止
func (tm *TxnManager) Abort(txnID uint64) error {
	txn, err := tm.lookup(txnID)
	if err != nil {
		return err
	}
	tm.abort(txn)
	return nil
}

// State 查询事务状态，终止的事务也可以查
func (tm *TxnManager) State(txnID uint64) (TxnState, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if txn, ok := tm.txns[txnID]; ok {
		return txn.state, nil
	}
	if state, ok := tm.closed[txnID]; ok {
		return state, nil
	}
	return 0, ErrTxnNotFound
}

// ActiveTxnIDs 当前所有活跃事务的id，升序
func (tm *TxnManager) ActiveTxnIDs() []uint64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	ids := make([]uint64, 0, len(tm.txns))
	for id := range tm.txns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OldestActiveSeq 活跃事务中最早的BEGIN序列号，没有活跃事务时返回0
func (tm *TxnManager) OldestActiveSeq() uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for !tm.beginHeap.Empty() {
		top, _ := tm.beginHeap.Peek()
		seq := top.(uint64)
		if _, ok := tm.txns[tm.seqToTxn[seq]]; ok {
			return seq
		}
		// 已经终止的事务惰性出堆
		tm.beginHeap.Dequeue()
		delete(tm.seqToTxn, seq)
	}
	return 0
}

// SetNextTxnID 恢复完成之后设置事务id计数，避免与日志中的id冲突
func (tm *TxnManager) SetNextTxnID(next uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if next > tm.nextTxnID {
		tm.nextTxnID = next
	}
}

// NextTxnID 下一个将被分配的事务id
func (tm *TxnManager) NextTxnID() uint64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.nextTxnID
}

// SetOnFinish 注册事务终止回调
func (tm *TxnManager) SetOnFinish(fn func(txnID uint64)) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.onFinish = fn
}

func (tm *TxnManager) lookup(txnID uint64) (*Txn, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	txn, ok := tm.txns[txnID]
	if !ok {
		if _, terminated := tm.closed[txnID]; terminated {
			return nil, ErrTxnClosed
		}
		return nil, ErrTxnNotFound
	}
	return txn, nil
}

// readThrough 经过当前策略读已提交数据项
func (tm *TxnManager) readThrough(txn *Txn, key []byte) ([]byte, error) {
	if tm.cc == TwoPhaseLocking {
		if err := tm.locks.Acquire(txn.id, key, LockShared); err != nil {
			tm.abort(txn)
			return nil, err
		}
		item := tm.store.Get(key)
		if item == nil {
			return nil, ErrKeyNotFound
		}
		return item.Value, nil
	}

	value, err := tm.tso.Read(txn, key)
	if err == ErrTsOrderConflict {
		tm.abort(txn)
		return nil, err
	}
	return value, err
}

// abort 内部中止路径：先落ABORT记录，再释放锁，最后进入终态。
// 释放永远发生在终态日志记录之后（两阶段纪律）。
func (tm *TxnManager) abort(txn *Txn) {
	if _, err := tm.log.Append(&wal.Record{TxnID: txn.id, Type: wal.RecordAbort}); err != nil {
		// 中止必须能完成，日志写不进去也要把内存状态收拾干净
		log.Println("append abort record failed:", err)
	}
	if tm.cc == TwoPhaseLocking {
		tm.locks.ReleaseAll(txn.id)
	}

	tm.mu.Lock()
	txn.state = TxnAborted
	delete(tm.txns, txn.id)
	tm.closed[txn.id] = TxnAborted
	tm.mu.Unlock()
	tm.finish(txn.id)
}

func (tm *TxnManager) finish(txnID uint64) {
	tm.mu.RLock()
	fn := tm.onFinish
	tm.mu.RUnlock()
	if fn != nil {
		fn(txnID)
	}
}
