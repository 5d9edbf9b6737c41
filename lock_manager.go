package TxnDB

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// LockMode 锁模式
type LockMode = byte

const (
	// LockShared 共享锁，允许任意多个事务同时持有
	LockShared LockMode = iota + 1
	// LockExclusive 排他锁，最多一个事务持有
	LockExclusive
)

// lockRequest 一次未决的锁请求
type lockRequest struct {
	txnID   uint64
	mode    LockMode
	granted bool
	victim  bool // 被选为死锁受害者
}

// lockEntry 锁表中一个资源的表项：持有者集合 + 按序排列的等待队列。
// 不变式：持有者要么是若干SHARED，要么是唯一一个EXCLUSIVE，绝不混合。
type lockEntry struct {
	granted map[uint64]LockMode
	waiters *linkedlistqueue.Queue // *lockRequest 先进先出
}

func newLockEntry() *lockEntry {
	return &lockEntry{
		granted: make(map[uint64]LockMode),
		waiters: linkedlistqueue.New(),
	}
}

// LockManager 两阶段锁策略的锁管理器。
// 事务运行期间只增加锁（增长阶段），全部锁只在提交/中止时一起释放（收缩阶段）。
type LockManager struct {
	mu   *sync.Mutex
	cond *sync.Cond
	// 资源key -> 锁表项，表项在持有者和等待者都为空时删除
	table map[string]*lockEntry
	// 事务 -> 它持有的所有锁，ReleaseAll用
	held map[uint64]map[string]LockMode
	// 事务 -> 它当前的未决请求（一个事务同时只会阻塞在一个请求上）
	waiting map[uint64]*lockRequest
	// 未决请求所在的资源key
	waitingKey map[uint64]string

	waits   *WaitForGraph
	waitSeq uint64 // 进入等待状态的全局次序

	detectInterval time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewLockManager 初始化锁管理器，detectInterval大于0的时候启动后台周期检测，
// 无论如何每次阻塞获取时都会检测一次。
func NewLockManager(detectInterval time.Duration) *LockManager {
	mu := new(sync.Mutex)
	lm := &LockManager{
		mu:             mu,
		cond:           sync.NewCond(mu),
		table:          make(map[string]*lockEntry),
		held:           make(map[uint64]map[string]LockMode),
		waiting:        make(map[uint64]*lockRequest),
		waitingKey:     make(map[uint64]string),
		waits:          NewWaitForGraph(),
		detectInterval: detectInterval,
		stopCh:         make(chan struct{}),
	}
	if detectInterval > 0 {
		go lm.detectLoop()
	}
	return lm
}

// Acquire 阻塞直到可授权，或者当前事务被选为死锁受害者时返回ErrDeadlockAbort。
// 同事务对兼容模式的重复请求是no-op，SHARED->EXCLUSIVE升级只在唯一持有者时立即完成。
func (lm *LockManager) Acquire(txnID uint64, key []byte, mode LockMode) error {
	k := string(key)
	lm.mu.Lock()
	defer lm.mu.Unlock()

	entry, ok := lm.table[k]
	if !ok {
		entry = newLockEntry()
		lm.table[k] = entry
	}

	// 同事务的重复请求
	var upgrading bool
	if heldMode, holds := lm.held[txnID][k]; holds {
		if heldMode == LockExclusive || mode == LockShared {
			return nil
		}
		// SHARED -> EXCLUSIVE 升级，唯一持有者时原地完成
		if len(entry.granted) == 1 {
			entry.granted[txnID] = LockExclusive
			lm.held[txnID][k] = LockExclusive
			return nil
		}
		// 其余持有者退出之后由promote完成升级
		upgrading = true
	}

	if lm.grantable(entry, txnID, mode) {
		lm.grant(entry, k, txnID, mode)
		return nil
	}

	// 阻塞路径：排队、建边、检测、等待。
	// 升级请求插到队首，排在等着它那把SHARED的请求前面
	req := &lockRequest{txnID: txnID, mode: mode}
	if upgrading {
		lm.enqueueFront(entry, req)
	} else {
		entry.waiters.Enqueue(req)
	}
	lm.waiting[txnID] = req
	lm.waitingKey[txnID] = k
	lm.waitSeq++
	lm.waits.SetWaiting(txnID, lm.waitSeq)
	lm.refreshEdges(entry)
	lm.detectAndResolve()

	for !req.granted && !req.victim {
		lm.cond.Wait()
	}

	if req.victim {
		lm.removeWaiter(entry, req)
		delete(lm.waiting, txnID)
		delete(lm.waitingKey, txnID)
		lm.waits.RemoveTxn(txnID)
		lm.promote(k, entry)
		return ErrDeadlockAbort
	}
	return nil
}

// ReleaseAll 在事务终止时一次性释放它持有的全部锁，没有提前释放
func (lm *LockManager) ReleaseAll(txnID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for k := range lm.held[txnID] {
		entry, ok := lm.table[k]
		if !ok {
			continue
		}
		delete(entry.granted, txnID)
		lm.promote(k, entry)
	}
	delete(lm.held, txnID)
	lm.waits.RemoveTxn(txnID)
	lm.cond.Broadcast()
}

// Holders 返回某个资源当前持有者集合的一份拷贝，调试与测试用
func (lm *LockManager) Holders(key []byte) map[uint64]LockMode {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	holders := make(map[uint64]LockMode)
	if entry, ok := lm.table[string(key)]; ok {
		for id, mode := range entry.granted {
			holders[id] = mode
		}
	}
	return holders
}

// Close 停止后台检测协程
func (lm *LockManager) Close() {
	lm.stopOnce.Do(func() {
		close(lm.stopCh)
	})
}

// 可授权当且仅当没有不兼容的模式被其他事务持有
func (lm *LockManager) grantable(entry *lockEntry, txnID uint64, mode LockMode) bool {
	for id, heldMode := range entry.granted {
		if id == txnID {
			continue
		}
		if heldMode == LockExclusive || mode == LockExclusive {
			return false
		}
	}
	return true
}

func (lm *LockManager) grant(entry *lockEntry, k string, txnID uint64, mode LockMode) {
	entry.granted[txnID] = mode
	if _, ok := lm.held[txnID]; !ok {
		lm.held[txnID] = make(map[string]LockMode)
	}
	lm.held[txnID][k] = mode
}

// promote 在持有者或者等待者变化之后按FIFO唤醒等待队列：
// 要么唤醒队首的一个EXCLUSIVE请求，要么批量唤醒连续的兼容SHARED请求。
func (lm *LockManager) promote(k string, entry *lockEntry) {
	for !entry.waiters.Empty() {
		head, _ := entry.waiters.Peek()
		req := head.(*lockRequest)
		if req.victim {
			// 受害者由它自己的协程移出队列
			break
		}
		if !lm.grantable(entry, req.txnID, req.mode) {
			break
		}
		entry.waiters.Dequeue()
		lm.grant(entry, k, req.txnID, req.mode)
		req.granted = true
		delete(lm.waiting, req.txnID)
		delete(lm.waitingKey, req.txnID)
		lm.waits.EndWait(req.txnID)
		if req.mode == LockExclusive {
			break
		}
	}
	if len(entry.granted) == 0 && entry.waiters.Empty() {
		delete(lm.table, k)
	} else {
		lm.refreshEdges(entry)
	}
	lm.cond.Broadcast()
}

// enqueueFront 将请求插到等待队列队首，gods的队列不支持头插，重建一次
func (lm *LockManager) enqueueFront(entry *lockEntry, req *lockRequest) {
	values := entry.waiters.Values()
	entry.waiters.Clear()
	entry.waiters.Enqueue(req)
	for _, v := range values {
		entry.waiters.Enqueue(v)
	}
}

// removeWaiter 将一个请求从等待队列中移出，gods的队列不支持从中间删除，重建一次
func (lm *LockManager) removeWaiter(entry *lockEntry, req *lockRequest) {
	values := entry.waiters.Values()
	entry.waiters.Clear()
	for _, v := range values {
		if v.(*lockRequest) == req {
			continue
		}
		entry.waiters.Enqueue(v)
	}
}

// refreshEdges 重建某个表项上所有等待者的出边：
// 等待者 -> 不兼容的持有者，以及 等待者 -> 队列中排在它前面的不兼容等待者
func (lm *LockManager) refreshEdges(entry *lockEntry) {
	values := entry.waiters.Values()
	for i, v := range values {
		req := v.(*lockRequest)
		if req.granted || req.victim {
			continue
		}
		lm.waits.ClearOutgoing(req.txnID)
		for id, heldMode := range entry.granted {
			if id == req.txnID {
				continue
			}
			if heldMode == LockExclusive || req.mode == LockExclusive {
				lm.waits.AddEdge(req.txnID, id)
			}
		}
		// FIFO授权意味着排在前面的不兼容请求也是依赖
		for j := 0; j < i; j++ {
			ahead := values[j].(*lockRequest)
			if ahead.granted || ahead.victim {
				continue
			}
			if ahead.mode == LockExclusive || req.mode == LockExclusive {
				lm.waits.AddEdge(req.txnID, ahead.txnID)
			}
		}
	}
}

// detectAndResolve 运行一次环检测，命中时标记受害者并唤醒它
func (lm *LockManager) detectAndResolve() {
	victim, found := lm.waits.DetectCycle()
	if !found {
		return
	}
	req, ok := lm.waiting[victim]
	if !ok {
		return
	}
	req.victim = true
	lm.cond.Broadcast()
}

func (lm *LockManager) detectLoop() {
	ticker := time.NewTicker(lm.detectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lm.mu.Lock()
			lm.detectAndResolve()
			lm.mu.Unlock()
		case <-lm.stopCh:
			return
		}
	}
}
