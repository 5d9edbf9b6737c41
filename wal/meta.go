package wal

import (
	"encoding/binary"
	"path/filepath"

	"go.etcd.io/bbolt"
)

const metaFileName = "txn-meta"

var (
	metaBucketName     = []byte("txn-meta")
	snapshotBucketName = []byte("checkpoint-snapshot")
	checkpointSeqKey   = []byte("checkpoint-seq")
	nextTxnIDKey       = []byte("next-txn-id")
)

// MetaStore 基于bbolt的元数据存储，保存最近一次完成的检查点的起始序列号
// 以及检查点时刻已提交数据的快照，两者都在恢复启动的时候被消费。
type MetaStore struct {
	db *bbolt.DB
}

// OpenMetaStore 打开元数据存储实例
func OpenMetaStore(dirPath string, syncWrites bool) (*MetaStore, error) {
	opts := bbolt.DefaultOptions
	opts.NoSync = !syncWrites
	db, err := bbolt.Open(filepath.Join(dirPath, metaFileName), 0644, opts)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(snapshotBucketName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &MetaStore{db: db}, nil
}

// SaveCheckpointSeq 持久化最近一次完成的检查点的起始序列号
func (ms *MetaStore) SaveCheckpointSeq(seq uint64) error {
	return ms.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, seq)
		return tx.Bucket(metaBucketName).Put(checkpointSeqKey, buf)
	})
}

// CheckpointSeq 读取检查点标记，没有检查点的时候返回0
func (ms *MetaStore) CheckpointSeq() (uint64, error) {
	var seq uint64
	err := ms.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(metaBucketName).Get(checkpointSeqKey)
		if len(value) == 8 {
			seq = binary.BigEndian.Uint64(value)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// SaveNextTxnID 持久化事务id计数，检查点截断日志之后恢复靠它不回退
func (ms *MetaStore) SaveNextTxnID(id uint64) error {
	return ms.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, id)
		return tx.Bucket(metaBucketName).Put(nextTxnIDKey, buf)
	})
}

// NextTxnID 读取持久化的事务id计数，没有的时候返回0
func (ms *MetaStore) NextTxnID() (uint64, error) {
	var id uint64
	err := ms.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(metaBucketName).Get(nextTxnIDKey)
		if len(value) == 8 {
			id = binary.BigEndian.Uint64(value)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SaveSnapshot 用检查点时刻的已提交数据整体替换快照桶
func (ms *MetaStore) SaveSnapshot(fold func(fn func(key, value []byte) bool)) error {
	return ms.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(snapshotBucketName); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket(snapshotBucketName)
		if err != nil {
			return err
		}
		var putErr error
		fold(func(key, value []byte) bool {
			if err := bucket.Put(key, value); err != nil {
				putErr = err
				return false
			}
			return true
		})
		return putErr
	})
}

// LoadSnapshot 遍历快照桶中的所有键值对
func (ms *MetaStore) LoadSnapshot(fn func(key, value []byte) error) error {
	return ms.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucketName).ForEach(func(k, v []byte) error {
			// bbolt的key/value只在事务内有效，这里必须拷贝
			key := make([]byte, len(k))
			copy(key, k)
			value := make([]byte, len(v))
			copy(value, v)
			return fn(key, value)
		})
	})
}

func (ms *MetaStore) Close() error {
	return ms.db.Close()
}
