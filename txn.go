package TxnDB

// TxnState 事务状态，终态不可再变
type TxnState = byte

const (
	// TxnActive 运行中
	TxnActive TxnState = iota + 1
	// TxnCommitted 已提交，终态
	TxnCommitted
	// TxnAborted 已中止，终态
	TxnAborted
)

// IsolationLevel 隔离级别，约定事务可以观察到哪些并发修改
type IsolationLevel = byte

const (
	// ReadUncommitted 直接读共享数据项，绕过并发控制
	ReadUncommitted IsolationLevel = iota + 1
	// ReadCommitted 每次读都经过当前策略读已提交项
	ReadCommitted
	// RepeatableRead 同一个key的首次读之后缓存，之后始终返回缓存值
	RepeatableRead
	// Serializable 行为同RepeatableRead，配合策略保证可串行化
	Serializable
)

// Txn 一个事务的私有状态，只被它自己的操作和Commit/Abort修改
type Txn struct {
	id    uint64
	state TxnState
	level IsolationLevel

	// 未提交的私有写缓冲(锁策略下提交时才可见)
	pendingWrites map[string][]byte
	// 快照型隔离级别的私有读缓存
	readCache map[string][]byte

	// 时间戳排序策略下的开始时间戳
	startTs uint64
	// BEGIN记录的序列号，检查点截断的依据
	beginSeq uint64
}

func newTxn(id uint64, level IsolationLevel) *Txn {
	return &Txn{
		id:            id,
		state:         TxnActive,
		level:         level,
		pendingWrites: make(map[string][]byte),
		readCache:     make(map[string][]byte),
	}
}
