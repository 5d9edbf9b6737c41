package wal

import (
	"TxnDB/fio"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
)

const LogFileNameSuffix = ".wal"

// LogFile 日志段文件，只允许追加写
type LogFile struct {
	FileId    uint32 // 文件id，按创建顺序递增
	WriteOff  int64  // 写偏移
	FirstSeq  uint64 // 段内第一条记录的序列号，Truncate时用于判断整段是否可丢弃
	LastSeq   uint64 // 段内最后一条记录的序列号
	IOManager fio.IOManager
}

func LogFileName(dirPath string, fileId uint32) string {
	return filepath.Join(dirPath, fmt.Sprintf("%09d", fileId)+LogFileNameSuffix)
}

// OpenLogFile 初始化并打开日志段文件
func OpenLogFile(dirPath string, fileId uint32, ioType fio.FileIOType) (*LogFile, error) {
	ioManager, err := fio.NewIOManager(LogFileName(dirPath, fileId), ioType)
	if err != nil {
		return nil, err
	}
	return &LogFile{
		FileId:    fileId,
		WriteOff:  0,
		IOManager: ioManager,
	}, nil
}

func (lf *LogFile) Sync() error {
	return lf.IOManager.Sync()
}

func (lf *LogFile) Close() error {
	return lf.IOManager.Close()
}

func (lf *LogFile) Write(buf []byte) error {
	n, err := lf.IOManager.Write(buf)
	if err != nil {
		return err
	}
	lf.WriteOff += int64(n)
	return nil
}

// ReadRecord 根据偏移读取一条Record，同时返回这条记录占用的总长度
func (lf *LogFile) ReadRecord(offset int64) (*Record, int64, error) {
	fileSize, err := lf.IOManager.Size()
	if err != nil {
		return nil, 0, err
	}
	var headerBytes int64 = maxRecordHeaderSize
	if offset+maxRecordHeaderSize > fileSize {
		// 文件末尾不足一个最大头部，按剩余长度读取
		headerBytes = fileSize - offset
	}
	if headerBytes <= 0 {
		return nil, 0, io.EOF
	}

	headerBuf, err := lf.readNBytes(headerBytes, offset)
	if err != nil {
		return nil, 0, err
	}
	header, headerSize := decodeRecordHeader(headerBuf)
	// 两种读取到了文件末尾的情况：header为空或者整个头部都是零
	if header == nil {
		return nil, 0, io.EOF
	}
	if header.crc == 0 && header.recType == 0 {
		return nil, 0, io.EOF
	}

	keySize, oldSize, valueSize := int64(header.keySize), int64(header.oldSize), int64(header.valueSize)
	var recordSize = headerSize + keySize + oldSize + valueSize

	rec := &Record{
		Seq:   header.seq,
		TxnID: header.txnID,
		Type:  header.recType,
	}
	if keySize > 0 || oldSize > 0 || valueSize > 0 {
		if offset+recordSize > fileSize {
			// 崩溃时可能留下半条记录
			return nil, 0, ErrInvalidCRC
		}
		buf, err := lf.readNBytes(keySize+oldSize+valueSize, offset+headerSize)
		if err != nil {
			return nil, 0, err
		}
		rec.Key = buf[:keySize]
		rec.OldValue = buf[keySize : keySize+oldSize]
		rec.Value = buf[keySize+oldSize:]
	}

	// 校验CRC，注意headerBuf是按最大头部长度读的，只能取实际头部的部分
	crc := getRecordCRC(rec, headerBuf[crc32.Size:headerSize])
	if crc != header.crc {
		return nil, 0, ErrInvalidCRC
	}

	return rec, recordSize, nil
}

func (lf *LogFile) readNBytes(n int64, offset int64) (b []byte, err error) {
	b = make([]byte, n)
	_, err = lf.IOManager.Read(b, offset)
	return
}
