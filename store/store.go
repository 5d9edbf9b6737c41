package store

// Item 共享存储中的一条数据项：当前已提交的值，
// 时间戳排序策略下还带有读时间戳和写时间戳。
type Item struct {
	Value   []byte
	ReadTs  uint64 // 读过该项的事务中最大的开始时间戳
	WriteTs uint64 // 写过该项的事务中最大的开始时间戳
}

// Store 共享数据项存储的抽象接口定义，
// 只允许通过当前并发控制策略的提交/写入路径来修改。
type Store interface {
	// Put 写入key对应的数据项，返回旧项
	Put(key []byte, item *Item) *Item
	// Get 根据key取出数据项
	Get(key []byte) *Item
	// Delete 删除数据项
	Delete(key []byte) (*Item, bool)
	// Size 存储中存在多少条数据
	Size() int
	// Fold 按key升序遍历所有数据项，fn返回false时终止
	Fold(fn func(key []byte, item *Item) bool)
}

type StoreType = int8

// 运行有多个存储实现
const (
	// BTree index
	BTree StoreType = iota + 1
	// ART 自适应基数树
	ART
)

func NewStore(typ StoreType) Store {
	switch typ {
	case BTree:
		return NewBTreeStore()
	case ART:
		return NewARTStore()
	default:
		panic("unhandled default case")
	}
}
