package TxnDB

import (
	"os"
	"path/filepath"
	"sync"

	"TxnDB/store"
	"TxnDB/wal"

	"github.com/gofrs/flock"
)

const fileLockName = "flock"

// DB 事务核心的实例：在共享的键值存储之上提供
// begin/read/write/commit/abort的事务接口，崩溃之后通过日志重放恢复。
// 页式磁盘存储、索引维护、SQL这些都是外部协作者，不在这里。
type DB struct {
	options  Options
	mu       *sync.RWMutex
	store    store.Store
	log      *wal.Log
	meta     *wal.MetaStore
	locks    *LockManager
	tso      *TsOrder
	txns     *TxnManager
	recovery *RecoveryManager
	fileLock *flock.Flock
	closed   bool
}

// Open 打开数据库实例，在接受新事务之前先同步执行一次恢复
func Open(options Options) (*DB, error) {
	// 对用户传入的配置进行校验
	if err := checkOptions(options); err != nil {
		return nil, err
	}
	// 判断数据目录是否存在
	if _, err := os.Stat(options.DirPath); os.IsNotExist(err) {
		if err := os.MkdirAll(options.DirPath, os.ModePerm); err != nil {
			return nil, err
		}
	}
	// 判断当前数据目录是否正在被其他进程使用
	fileLock := flock.New(filepath.Join(options.DirPath, fileLockName))
	hold, err := fileLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !hold {
		return nil, ErrDatabaseIsUsing
	}

	dataStore := store.NewStore(options.StoreType)
	walLog, err := wal.Open(options.DirPath, options.SegmentSize, options.SyncWrites)
	if err != nil {
		return nil, err
	}
	metaStore, err := wal.OpenMetaStore(options.DirPath, options.SyncWrites)
	if err != nil {
		return nil, err
	}

	// 并发控制策略按部署二选一
	var locks *LockManager
	var tso *TsOrder
	switch options.ConcurrencyControl {
	case TwoPhaseLocking:
		locks = NewLockManager(options.DetectInterval)
	case TimestampOrdering:
		tso = NewTsOrder(dataStore, walLog)
	}

	txns := NewTxnManager(options.ConcurrencyControl, locks, tso, dataStore, walLog)
	recovery := NewRecoveryManager(walLog, metaStore, dataStore, txns)
	txns.SetOnFinish(recovery.txnFinished)

	// 恢复只在启动时运行一次，完成之前不接受新事务
	if err := recovery.Recover(); err != nil {
		return nil, err
	}

	db := &DB{
		options:  options,
		mu:       new(sync.RWMutex),
		store:    dataStore,
		log:      walLog,
		meta:     metaStore,
		locks:    locks,
		tso:      tso,
		txns:     txns,
		recovery: recovery,
		fileLock: fileLock,
	}
	return db, nil
}

// Close 关闭数据库实例
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	if db.locks != nil {
		db.locks.Close()
	}
	if err := db.log.Close(); err != nil {
		return err
	}
	if err := db.meta.Close(); err != nil {
		return err
	}
	return db.fileLock.Unlock()
}

// Begin 按隔离级别开启一个事务
func (db *DB) Begin(level IsolationLevel) (uint64, error) {
	return db.txns.Begin(level)
}

// Read 在事务中读取key
func (db *DB) Read(txnID uint64, key []byte) ([]byte, error) {
	return db.txns.Read(txnID, key)
}

// Write 在事务中写入key
func (db *DB) Write(txnID uint64, key []byte, value []byte) error {
	return db.txns.Write(txnID, key, value)
}

// Commit 提交事务，返回nil时COMMIT记录已经落盘
func (db *DB) Commit(txnID uint64) error {
	return db.txns.Commit(txnID)
}

// Abort 中止事务
func (db *DB) Abort(txnID uint64) error {
	return db.txns.Abort(txnID)
}

// Put 自动提交的单键写入，内部走一个完整的事务
func (db *DB) Put(key []byte, value []byte) error {
	txn, err := db.Begin(ReadCommitted)
	if err != nil {
		return err
	}
	if err := db.Write(txn, key, value); err != nil {
		return err
	}
	return db.Commit(txn)
}

// Get 直接读已提交视图，给嵌入方用
func (db *DB) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyIsEmpty
	}
	item := db.store.Get(key)
	if item == nil {
		return nil, ErrKeyNotFound
	}
	return item.Value, nil
}

// Checkpoint 触发一次检查点，由外部调度器调用
func (db *DB) Checkpoint() error {
	return db.recovery.Checkpoint()
}

// Sync 把日志持久化到磁盘
func (db *DB) Sync() error {
	return db.log.Flush()
}
