package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func destroyLog(l *Log, dirPath string) {
	if l != nil {
		_ = l.Close()
	}
	if err := os.RemoveAll(dirPath); err != nil {
		panic(err)
	}
}

func TestLog_AppendScan(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "wal-test-append")
	l, err := Open(dir, 64*1024*1024, false)
	assert.Nil(t, err)
	defer destroyLog(l, dir)

	seq1, err := l.Append(&Record{TxnID: 1, Type: RecordBegin})
	assert.Nil(t, err)
	assert.Equal(t, uint64(1), seq1)

	seq2, err := l.Append(&Record{
		TxnID:    1,
		Type:     RecordUpdate,
		Key:      []byte("k1"),
		OldValue: []byte("old"),
		Value:    []byte("new"),
	})
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), seq2)

	seq3, err := l.Append(&Record{TxnID: 1, Type: RecordCommit})
	assert.Nil(t, err)
	assert.Equal(t, uint64(3), seq3)
	assert.Equal(t, uint64(4), l.NextSeq())

	// 扫描必须按序列号顺序返回全部记录
	scanner := l.Scan(1)
	rec, err := scanner.Next()
	assert.Nil(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Equal(t, RecordBegin, rec.Type)

	rec, err = scanner.Next()
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), rec.Seq)
	assert.Equal(t, []byte("k1"), rec.Key)
	assert.Equal(t, []byte("old"), rec.OldValue)
	assert.Equal(t, []byte("new"), rec.Value)

	rec, err = scanner.Next()
	assert.Nil(t, err)
	assert.Equal(t, uint64(3), rec.Seq)

	_, err = scanner.Next()
	assert.Equal(t, io.EOF, err)

	// 从中间的序列号开始扫描
	scanner = l.Scan(3)
	rec, err = scanner.Next()
	assert.Nil(t, err)
	assert.Equal(t, uint64(3), rec.Seq)
	_, err = scanner.Next()
	assert.Equal(t, io.EOF, err)
}

func TestLog_Restart(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "wal-test-restart")
	l, err := Open(dir, 64*1024*1024, false)
	assert.Nil(t, err)
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	for i := 0; i < 10; i++ {
		_, err := l.Append(&Record{
			TxnID: uint64(i + 1),
			Type:  RecordUpdate,
			Key:   []byte("key"),
			Value: []byte("value"),
		})
		assert.Nil(t, err)
	}
	assert.Nil(t, l.Close())

	// 重启之后序列号接着分配，已有记录全部可见
	l2, err := Open(dir, 64*1024*1024, false)
	assert.Nil(t, err)
	defer func() {
		_ = l2.Close()
	}()
	assert.Equal(t, uint64(11), l2.NextSeq())

	var count int
	scanner := l2.Scan(1)
	for {
		rec, err := scanner.Next()
		if err == io.EOF {
			break
		}
		assert.Nil(t, err)
		assert.Equal(t, uint64(count+1), rec.Seq)
		count++
	}
	assert.Equal(t, 10, count)
}

func TestLog_Rotation(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "wal-test-rotation")
	// 很小的段文件，强制轮转
	l, err := Open(dir, 256, false)
	assert.Nil(t, err)
	defer destroyLog(l, dir)

	for i := 0; i < 50; i++ {
		_, err := l.Append(&Record{
			TxnID: 1,
			Type:  RecordUpdate,
			Key:   []byte("rotation-key"),
			Value: []byte("rotation-value"),
		})
		assert.Nil(t, err)
	}
	assert.Greater(t, len(l.fileIds), 1)

	// 轮转不破坏总序
	var count int
	scanner := l.Scan(1)
	for {
		rec, err := scanner.Next()
		if err == io.EOF {
			break
		}
		assert.Nil(t, err)
		assert.Equal(t, uint64(count+1), rec.Seq)
		count++
	}
	assert.Equal(t, 50, count)
}

func TestLog_Truncate(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "wal-test-truncate")
	l, err := Open(dir, 256, false)
	assert.Nil(t, err)
	defer destroyLog(l, dir)

	for i := 0; i < 50; i++ {
		_, err := l.Append(&Record{
			TxnID: 1,
			Type:  RecordUpdate,
			Key:   []byte("truncate-key"),
			Value: []byte("truncate-value"),
		})
		assert.Nil(t, err)
	}
	before := len(l.fileIds)
	assert.Greater(t, before, 1)

	err = l.Truncate(30)
	assert.Nil(t, err)
	assert.Less(t, len(l.fileIds), before)

	// 序列号大于等于30的记录一条都不能少
	scanner := l.Scan(30)
	var count int
	for {
		rec, err := scanner.Next()
		if err == io.EOF {
			break
		}
		assert.Nil(t, err)
		assert.GreaterOrEqual(t, rec.Seq, uint64(30))
		count++
	}
	assert.Equal(t, 21, count)
}

func TestLog_TornTail(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "wal-test-torn")
	l, err := Open(dir, 64*1024*1024, false)
	assert.Nil(t, err)
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	for i := 0; i < 3; i++ {
		_, err := l.Append(&Record{
			TxnID: 1,
			Type:  RecordUpdate,
			Key:   []byte("k"),
			Value: []byte("v"),
		})
		assert.Nil(t, err)
	}
	activeId := l.activeFile.FileId
	assert.Nil(t, l.Close())

	// 模拟崩溃时写了一半的记录：只把完整编码的前一半追加到文件末尾
	torn, _ := EncodeRecord(&Record{
		Seq:   4,
		TxnID: 2,
		Type:  RecordUpdate,
		Key:   []byte("torn-key"),
		Value: make([]byte, 100),
	})
	fd, err := os.OpenFile(LogFileName(dir, activeId), os.O_WRONLY|os.O_APPEND, 0644)
	assert.Nil(t, err)
	_, err = fd.Write(torn[:len(torn)/2])
	assert.Nil(t, err)
	assert.Nil(t, fd.Close())

	// 重新打开时撕裂的尾部被截断，完整记录保留
	l2, err := Open(dir, 64*1024*1024, false)
	assert.Nil(t, err)
	defer func() {
		_ = l2.Close()
	}()
	assert.Equal(t, uint64(4), l2.NextSeq())

	var count int
	scanner := l2.Scan(1)
	for {
		_, err := scanner.Next()
		if err == io.EOF {
			break
		}
		assert.Nil(t, err)
		count++
	}
	assert.Equal(t, 3, count)

	// 截断之后继续追加不受影响
	seq, err := l2.Append(&Record{TxnID: 2, Type: RecordBegin})
	assert.Nil(t, err)
	assert.Equal(t, uint64(4), seq)
}
