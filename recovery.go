package TxnDB

import (
	"io"
	"log"
	"sync"

	"TxnDB/store"
	"TxnDB/wal"
)

// RecoveryManager 崩溃恢复：启动时通过日志重放和检查点快照重建一致状态。
// Recover在接受新事务之前同步运行一次；Checkpoint由外部调度器触发。
type RecoveryManager struct {
	mu    *sync.Mutex
	log   *wal.Log
	meta  *wal.MetaStore
	store store.Store
	tm    *TxnManager

	// 进行中的检查点：等待终止的事务集合。
	// inProgress在pending安装之前就置位，快照窗口内终止的事务
	// 由tryComplete按当前状态补剔除。
	inProgress bool
	pending    map[uint64]struct{}
	pendingSeq uint64 // 本次检查点的扫描起点/截断界限
}

func NewRecoveryManager(walLog *wal.Log, meta *wal.MetaStore,
	dataStore store.Store, tm *TxnManager) *RecoveryManager {
	return &RecoveryManager{
		mu:    new(sync.Mutex),
		log:   walLog,
		meta:  meta,
		store: dataStore,
		tm:    tm,
	}
}

// Recover 从最近一次完成的检查点开始重放日志。
// 先加载检查点快照，然后第一遍收集有COMMIT记录的事务，
// 第二遍按日志顺序重做它们的UPDATE（幂等）。
// 只有BEGIN/UPDATE或者以ABORT收尾的事务不会留下任何痕迹，
// 因为共享存储只被已提交事务的UPDATE重放修改。
func (rm *RecoveryManager) Recover() error {
	startSeq, err := rm.meta.CheckpointSeq()
	if err != nil {
		return err
	}
	if startSeq > 0 {
		if err := rm.meta.LoadSnapshot(func(key, value []byte) error {
			rm.store.Put(key, &store.Item{Value: value})
			return nil
		}); err != nil {
			return err
		}
	}

	// 第一遍：收集已提交事务，同时找到最大的事务id
	// 以及最近一次检查点列出的活跃事务
	committed := make(map[uint64]struct{})
	var listed []uint64
	var maxTxnID uint64
	scanner := rm.log.Scan(startSeq)
	for {
		rec, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if rec.TxnID > maxTxnID {
			maxTxnID = rec.TxnID
		}
		switch rec.Type {
		case wal.RecordCommit:
			committed[rec.TxnID] = struct{}{}
		case wal.RecordCheckpointBegin:
			listed = wal.DecodeTxnIDs(rec.Value)
		}
	}

	// 检查点列出的事务没有提交记录的话在重放中被丢弃
	var discarded int
	for _, id := range listed {
		if _, ok := committed[id]; !ok {
			discarded++
		}
	}
	if discarded > 0 {
		log.Printf("recovery: %d txns listed in the last checkpoint left no commit record, discarded", discarded)
	}

	// 第二遍：按日志顺序重做已提交事务的UPDATE，重放已应用的终值是安全的
	var redone int
	scanner = rm.log.Scan(startSeq)
	for {
		rec, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if rec.Type != wal.RecordUpdate {
			continue
		}
		if _, ok := committed[rec.TxnID]; !ok {
			continue
		}
		item := rm.store.Get(rec.Key)
		if item == nil {
			item = &store.Item{}
		}
		item.Value = rec.Value
		rm.store.Put(rec.Key, item)
		redone++
	}

	// 日志前缀被截断之后最大的事务id要从元数据里补回来
	savedNext, err := rm.meta.NextTxnID()
	if err != nil {
		return err
	}
	rm.tm.SetNextTxnID(maxTxnID + 1)
	rm.tm.SetNextTxnID(savedNext)
	log.Printf("recovery done: scan from seq %d, %d committed txns, %d updates redone",
		startSeq, len(committed), redone)
	return nil
}

// Checkpoint 写入CHECKPOINT_BEGIN（携带所有活跃事务id），把已提交数据快照
// 存入元数据存储，跟踪这些事务直到全部终止之后补上CHECKPOINT_END，
// 然后丢弃早于检查点时刻最老未决事务的日志前缀。
func (rm *RecoveryManager) Checkpoint() error {
	rm.mu.Lock()
	if rm.inProgress {
		rm.mu.Unlock()
		return ErrCheckpointInProgress
	}
	rm.inProgress = true
	rm.mu.Unlock()

	// 截断界限必须在写BEGIN之前确定：此刻活跃的事务，
	// 它们的UPDATE可能早于检查点（时间戳排序下即写即装），扫描必须覆盖
	oldest := rm.tm.OldestActiveSeq()
	active := rm.tm.ActiveTxnIDs()

	seq, err := rm.log.Append(&wal.Record{
		Type:  wal.RecordCheckpointBegin,
		Value: wal.EncodeTxnIDs(active),
	})
	if err != nil {
		rm.abortCheckpoint()
		return err
	}

	// 快照当前已提交状态；正在提交中的事务会被重放修正（重做幂等）
	if err := rm.meta.SaveSnapshot(func(fn func(key, value []byte) bool) {
		rm.store.Fold(func(key []byte, item *store.Item) bool {
			return fn(key, item.Value)
		})
	}); err != nil {
		rm.abortCheckpoint()
		return err
	}

	bound := seq
	if oldest > 0 && oldest < bound {
		bound = oldest
	}

	rm.mu.Lock()
	rm.pending = make(map[uint64]struct{}, len(active))
	for _, id := range active {
		rm.pending[id] = struct{}{}
	}
	rm.pendingSeq = bound
	rm.mu.Unlock()

	// 没有活跃事务的时候立即完成
	rm.tryComplete()
	return nil
}

// txnFinished 事务终止回调，检查点用它等待BEGIN记录里列出的事务
func (rm *RecoveryManager) txnFinished(txnID uint64) {
	rm.mu.Lock()
	if rm.pending != nil {
		delete(rm.pending, txnID)
	}
	rm.mu.Unlock()
	rm.tryComplete()
}

// abortCheckpoint 检查点中途失败，收回进行中标记
func (rm *RecoveryManager) abortCheckpoint() {
	rm.mu.Lock()
	rm.inProgress = false
	rm.pending = nil
	rm.mu.Unlock()
}

func (rm *RecoveryManager) tryComplete() {
	rm.mu.Lock()
	if !rm.inProgress || rm.pending == nil {
		rm.mu.Unlock()
		return
	}
	// 在快照窗口内终止的事务错过了回调，按当前状态补剔除
	for id := range rm.pending {
		if state, err := rm.tm.State(id); err != nil || state != TxnActive {
			delete(rm.pending, id)
		}
	}
	if len(rm.pending) > 0 {
		rm.mu.Unlock()
		return
	}
	bound := rm.pendingSeq
	rm.pending = nil
	rm.inProgress = false
	rm.mu.Unlock()

	if _, err := rm.log.Append(&wal.Record{Type: wal.RecordCheckpointEnd}); err != nil {
		log.Println("append checkpoint end failed:", err)
		return
	}
	if err := rm.log.Flush(); err != nil {
		log.Println("flush checkpoint failed:", err)
		return
	}
	// 标记落盘之后才允许丢弃前缀
	if err := rm.meta.SaveCheckpointSeq(bound); err != nil {
		log.Println("save checkpoint marker failed:", err)
		return
	}
	if err := rm.meta.SaveNextTxnID(rm.tm.NextTxnID()); err != nil {
		log.Println("save txn id counter failed:", err)
		return
	}
	if err := rm.log.Truncate(bound); err != nil {
		log.Println("truncate log failed:", err)
		return
	}
	log.Printf("checkpoint completed at seq %d", bound)
}
