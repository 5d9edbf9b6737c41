package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// RecordType 日志记录类型
type RecordType = byte

const (
	// RecordBegin 事务开始
	RecordBegin RecordType = iota + 1
	// RecordUpdate 数据更新，携带key、旧值、新值
	RecordUpdate
	// RecordCommit 事务提交，COMMIT落盘之后事务才算持久化
	RecordCommit
	// RecordAbort 事务中止
	RecordAbort
	// RecordCheckpointBegin 检查点开始，Value中编码当前所有活跃事务的id
	RecordCheckpointBegin
	// RecordCheckpointEnd 检查点结束
	RecordCheckpointEnd
)

// crc type seq txnID keySize oldSize valueSize
// 4 + 1 + 10 + 10 + 5 + 5 + 5 = 40
const maxRecordHeaderSize = 4 + 1 + binary.MaxVarintLen64*2 + binary.MaxVarintLen32*3

var (
	ErrInvalidCRC = errors.New("invalid crc value, log record maybe corrupted")
)

// Record 写入到日志文件中的一条记录，追加之后不可变
type Record struct {
	Seq      uint64     // 全局序列号，由Append分配，总序保证
	TxnID    uint64     // 所属事务id
	Type     RecordType // 记录类型
	Key      []byte     // UPDATE记录的key
	OldValue []byte     // UPDATE记录的旧值
	Value    []byte     // UPDATE记录的新值 / 检查点记录的活跃事务id列表
}

type recordHeader struct {
	crc       uint32 // 校验和
	recType   RecordType
	seq       uint64
	txnID     uint64
	keySize   uint32
	oldSize   uint32
	valueSize uint32
}

// EncodeRecord 对 Record 进行编码，返回字节数组及长度
//
//	+-------------+------------+------------+------------+-----------+-----------+------------+--------+----------+--------+
//	| crc 校验值  |  type 类型  |    seq     |   txnID    |  key size |  old size | value size |   key  | oldValue | value  |
//	+-------------+------------+------------+------------+-----------+-----------+------------+--------+----------+--------+
//	    4字节         1字节      变长(最大10)  变长(最大10)  变长(最大5)  变长(最大5)   变长(最大5)    变长       变长       变长
func EncodeRecord(rec *Record) ([]byte, int64) {
	header := make([]byte, maxRecordHeaderSize)

	// 第五个字节存储 Type
	header[4] = rec.Type
	var index = 5
	// 5 字节之后依次是序列号、事务id以及三段数据的长度信息，使用变长类型节省空间
	index += binary.PutUvarint(header[index:], rec.Seq)
	index += binary.PutUvarint(header[index:], rec.TxnID)
	index += binary.PutVarint(header[index:], int64(len(rec.Key)))
	index += binary.PutVarint(header[index:], int64(len(rec.OldValue)))
	index += binary.PutVarint(header[index:], int64(len(rec.Value)))

	var size = index + len(rec.Key) + len(rec.OldValue) + len(rec.Value)
	encBytes := make([]byte, size)

	copy(encBytes[:index], header[:index])
	copy(encBytes[index:], rec.Key)
	copy(encBytes[index+len(rec.Key):], rec.OldValue)
	copy(encBytes[index+len(rec.Key)+len(rec.OldValue):], rec.Value)

	// 对整条记录的数据进行 crc 校验
	crc := crc32.ChecksumIEEE(encBytes[4:])
	binary.LittleEndian.PutUint32(encBytes[:4], crc)

	return encBytes, int64(size)
}

// decodeRecordHeader 解出头部信息以及头部实际长度
func decodeRecordHeader(buf []byte) (*recordHeader, int64) {
	if len(buf) <= 5 {
		return nil, 0
	}

	header := &recordHeader{
		crc:     binary.LittleEndian.Uint32(buf[:4]),
		recType: buf[4],
	}

	var index = 5
	seq, n := binary.Uvarint(buf[index:])
	if n <= 0 {
		return nil, 0
	}
	header.seq = seq
	index += n

	txnID, n := binary.Uvarint(buf[index:])
	if n <= 0 {
		return nil, 0
	}
	header.txnID = txnID
	index += n

	keySize, n := binary.Varint(buf[index:])
	if n <= 0 {
		return nil, 0
	}
	header.keySize = uint32(keySize)
	index += n

	oldSize, n := binary.Varint(buf[index:])
	if n <= 0 {
		return nil, 0
	}
	header.oldSize = uint32(oldSize)
	index += n

	valueSize, n := binary.Varint(buf[index:])
	if n <= 0 {
		return nil, 0
	}
	header.valueSize = uint32(valueSize)
	index += n

	return header, int64(index)
}

// 获得Record的校验信息: 从第四个字节之后开始进行校验
func getRecordCRC(rec *Record, header []byte) uint32 {
	if rec == nil {
		return 0
	}
	crc := crc32.ChecksumIEEE(header[:])
	crc = crc32.Update(crc, crc32.IEEETable, rec.Key)
	crc = crc32.Update(crc, crc32.IEEETable, rec.OldValue)
	crc = crc32.Update(crc, crc32.IEEETable, rec.Value)

	return crc
}

// EncodeTxnIDs 将活跃事务id列表编码进检查点记录的Value
func EncodeTxnIDs(ids []uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64*(len(ids)+1))
	var index int
	index += binary.PutUvarint(buf[index:], uint64(len(ids)))
	for _, id := range ids {
		index += binary.PutUvarint(buf[index:], id)
	}
	return buf[:index]
}

// DecodeTxnIDs 从检查点记录的Value中解出活跃事务id列表
func DecodeTxnIDs(buf []byte) []uint64 {
	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil
	}
	index := n
	ids := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		id, n := binary.Uvarint(buf[index:])
		if n <= 0 {
			break
		}
		ids = append(ids, id)
		index += n
	}
	return ids
}
