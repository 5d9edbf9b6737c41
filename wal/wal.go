package wal

import (
	"TxnDB/fio"
	"errors"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrLogDirectoryCorrupted = errors.New("the wal directory may be corrupted")
)

// Log 持久化日志，追加写的记录序列，是整个事务核心持久性的依据。
// 序列号由Append统一分配，在所有段文件之上构成一个总序。
type Log struct {
	mu          *sync.RWMutex
	dirPath     string
	segmentSize int64
	syncWrites  bool
	activeFile  *LogFile            // 当前活跃段文件
	olderFiles  map[uint32]*LogFile // 非活跃段文件 -> 只用于读
	fileIds     []int               // 按顺序排列的段文件id
	nextSeq     uint64              // 下一条记录的序列号
}

// Open 打开目录下的日志，扫描已有的段文件恢复写偏移和序列号
func Open(dirPath string, segmentSize int64, syncWrites bool) (*Log, error) {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		if err := os.MkdirAll(dirPath, os.ModePerm); err != nil {
			return nil, err
		}
	}
	l := &Log{
		mu:          new(sync.RWMutex),
		dirPath:     dirPath,
		segmentSize: segmentSize,
		syncWrites:  syncWrites,
		olderFiles:  make(map[uint32]*LogFile),
		nextSeq:     1,
	}
	if err := l.loadLogFiles(); err != nil {
		return nil, err
	}
	if err := l.loadRecordOffsets(); err != nil {
		return nil, err
	}
	// 没有任何段文件的时候初始化第一个
	if l.activeFile == nil {
		if err := l.setActiveLogFile(0); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Append 追加一条记录并分配序列号，返回之前保证记录已经写入文件
func (l *Log) Append(rec *Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Seq = l.nextSeq
	encBytes, size := EncodeRecord(rec)

	// 活跃段文件写满之后轮转
	if l.activeFile.WriteOff+size > l.segmentSize && l.activeFile.WriteOff > 0 {
		if err := l.activeFile.Sync(); err != nil {
			return 0, err
		}
		l.olderFiles[l.activeFile.FileId] = l.activeFile
		if err := l.setActiveLogFile(l.activeFile.FileId + 1); err != nil {
			return 0, err
		}
	}

	if err := l.activeFile.Write(encBytes); err != nil {
		return 0, err
	}
	if l.activeFile.FirstSeq == 0 {
		l.activeFile.FirstSeq = rec.Seq
	}
	l.activeFile.LastSeq = rec.Seq
	l.nextSeq++

	if l.syncWrites {
		if err := l.activeFile.Sync(); err != nil {
			return 0, err
		}
	}
	return rec.Seq, nil
}

// Flush 持久化屏障，COMMIT记录在Flush返回之后才算落盘
func (l *Log) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.activeFile == nil {
		return nil
	}
	return l.activeFile.Sync()
}

// NextSeq 下一条将被分配的序列号
func (l *Log) NextSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq
}

// Scan 从fromSeq开始构造一个向前的惰性迭代器，可以重复调用重新扫描
func (l *Log) Scan(fromSeq uint64) *Scanner {
	l.mu.RLock()
	defer l.mu.RUnlock()

	files := make([]*LogFile, 0, len(l.fileIds))
	for _, fid := range l.fileIds {
		if f, ok := l.olderFiles[uint32(fid)]; ok {
			files = append(files, f)
		} else if l.activeFile != nil && l.activeFile.FileId == uint32(fid) {
			files = append(files, l.activeFile)
		}
	}
	return &Scanner{files: files, fromSeq: fromSeq}
}

// Truncate 丢弃序列号全部小于beforeSeq的非活跃段文件，只有检查点驱动
func (l *Log) Truncate(beforeSeq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	remainIds := l.fileIds[:0]
	for _, fid := range l.fileIds {
		f, ok := l.olderFiles[uint32(fid)]
		if !ok || f.LastSeq == 0 || f.LastSeq >= beforeSeq {
			remainIds = append(remainIds, fid)
			continue
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Remove(LogFileName(l.dirPath, f.FileId)); err != nil {
			return err
		}
		delete(l.olderFiles, f.FileId)
	}
	l.fileIds = remainIds
	return nil
}

// Close 关闭所有段文件
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.activeFile == nil {
		return nil
	}
	if err := l.activeFile.Sync(); err != nil {
		return err
	}
	if err := l.activeFile.Close(); err != nil {
		return err
	}
	for _, f := range l.olderFiles {
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) setActiveLogFile(fileId uint32) error {
	logFile, err := OpenLogFile(l.dirPath, fileId, fio.StandardFIO)
	if err != nil {
		return err
	}
	l.activeFile = logFile
	l.fileIds = append(l.fileIds, int(fileId))
	return nil
}

func (l *Log) loadLogFiles() error {
	dirEntries, err := os.ReadDir(l.dirPath)
	if err != nil {
		return err
	}
	var fileIds []int
	for _, entry := range dirEntries {
		if strings.HasSuffix(entry.Name(), LogFileNameSuffix) {
			splitNames := strings.Split(entry.Name(), ".")
			fileId, err := strconv.Atoi(splitNames[0])
			if err != nil {
				return ErrLogDirectoryCorrupted
			}
			fileIds = append(fileIds, fileId)
		}
	}
	sort.Ints(fileIds)
	l.fileIds = fileIds

	for i, fid := range fileIds {
		logFile, err := OpenLogFile(l.dirPath, uint32(fid), fio.StandardFIO)
		if err != nil {
			return err
		}
		if i == len(fileIds)-1 {
			l.activeFile = logFile
		} else {
			l.olderFiles[uint32(fid)] = logFile
		}
	}
	return nil
}

// loadRecordOffsets 扫描每个段文件，恢复写偏移、段内序列号范围以及全局的nextSeq。
// 活跃文件末尾如果有崩溃留下的半条记录，直接截断丢弃。
func (l *Log) loadRecordOffsets() error {
	for i, fid := range l.fileIds {
		var logFile *LogFile
		if l.activeFile != nil && uint32(fid) == l.activeFile.FileId {
			logFile = l.activeFile
		} else {
			logFile = l.olderFiles[uint32(fid)]
		}

		var offset int64 = 0
		for {
			rec, size, err := logFile.ReadRecord(offset)
			if err != nil {
				if err == io.EOF {
					break
				}
				if errors.Is(err, ErrInvalidCRC) && i == len(l.fileIds)-1 {
					// 崩溃撕裂的尾部，截断到最后一条完整记录
					if err := os.Truncate(LogFileName(l.dirPath, logFile.FileId), offset); err != nil {
						return err
					}
					break
				}
				return err
			}
			if logFile.FirstSeq == 0 {
				logFile.FirstSeq = rec.Seq
			}
			logFile.LastSeq = rec.Seq
			if rec.Seq >= l.nextSeq {
				l.nextSeq = rec.Seq + 1
			}
			offset += size
		}
		logFile.WriteOff = offset
	}
	return nil
}

// Scanner 日志的惰性前向迭代器
type Scanner struct {
	files   []*LogFile
	fromSeq uint64
	idx     int
	offset  int64
}

// Next 返回下一条记录，扫描结束时返回io.EOF
func (s *Scanner) Next() (*Record, error) {
	for {
		if s.idx >= len(s.files) {
			return nil, io.EOF
		}
		file := s.files[s.idx]
		rec, size, err := file.ReadRecord(s.offset)
		if err != nil {
			if err == io.EOF {
				s.idx++
				s.offset = 0
				continue
			}
			if errors.Is(err, ErrInvalidCRC) && s.idx == len(s.files)-1 {
				// 尾部残缺记录视为日志结束
				return nil, io.EOF
			}
			return nil, err
		}
		s.offset += size
		if rec.Seq < s.fromSeq {
			continue
		}
		return rec, nil
	}
}
