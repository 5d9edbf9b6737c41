package TxnDB

import (
	"errors"
	"os"
	"time"

	"TxnDB/store"

	"gopkg.in/yaml.v2"
)

// ConcurrencyType 并发控制策略，部署时二选一，事务运行过程中不可切换
type ConcurrencyType = int8

const (
	// TwoPhaseLocking 两阶段锁策略，冲突时阻塞等待，依靠死锁检测兜底
	TwoPhaseLocking ConcurrencyType = iota + 1
	// TimestampOrdering 时间戳排序策略，从不阻塞，冲突时直接中止
	TimestampOrdering
)

type Options struct {
	DirPath            string          // 数据库数据目录
	SegmentSize        int64           // 日志段文件大小
	SyncWrites         bool            // 是否每次追加都持久化
	StoreType          store.StoreType // 数据项存储类型
	ConcurrencyControl ConcurrencyType // 并发控制策略
	DetectInterval     time.Duration   // 后台死锁检测周期，0表示只在阻塞获取时检测
}

// DefaultOptions 一个默认的options
var DefaultOptions = Options{
	DirPath:            os.TempDir(),
	SegmentSize:        64 * 1024 * 1024,
	SyncWrites:         false,
	StoreType:          store.BTree,
	ConcurrencyControl: TwoPhaseLocking,
	DetectInterval:     0,
}

func checkOptions(options Options) error {
	if options.DirPath == "" {
		return errors.New("database dir path is none")
	}
	if options.SegmentSize <= 0 {
		return errors.New("database segment size must be greater than 0")
	}
	if options.ConcurrencyControl != TwoPhaseLocking && options.ConcurrencyControl != TimestampOrdering {
		return errors.New("unknown concurrency control strategy")
	}
	return nil
}

// optionsFile 配置文件中的字段
type optionsFile struct {
	DirPath            string `yaml:"dir_path"`
	SegmentSize        int64  `yaml:"segment_size"`
	SyncWrites         bool   `yaml:"sync_writes"`
	StoreType          string `yaml:"store_type"`          // btree / art
	ConcurrencyControl string `yaml:"concurrency_control"` // locking / timestamp
	DetectIntervalMs   int64  `yaml:"detect_interval_ms"`
}

// LoadOptions 使用 yaml.v2 解析配置文件，缺省字段取DefaultOptions
func LoadOptions(configPath string) (Options, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return Options{}, err
	}

	fileOpts := &optionsFile{}
	if err := yaml.Unmarshal(data, fileOpts); err != nil {
		return Options{}, err
	}

	options := DefaultOptions
	if fileOpts.DirPath != "" {
		options.DirPath = fileOpts.DirPath
	}
	if fileOpts.SegmentSize > 0 {
		options.SegmentSize = fileOpts.SegmentSize
	}
	options.SyncWrites = fileOpts.SyncWrites
	switch fileOpts.StoreType {
	case "", "btree":
		options.StoreType = store.BTree
	case "art":
		options.StoreType = store.ART
	default:
		return Options{}, errors.New("unknown store type: " + fileOpts.StoreType)
	}
	switch fileOpts.ConcurrencyControl {
	case "", "locking":
		options.ConcurrencyControl = TwoPhaseLocking
	case "timestamp":
		options.ConcurrencyControl = TimestampOrdering
	default:
		return Options{}, errors.New("unknown concurrency control: " + fileOpts.ConcurrencyControl)
	}
	if fileOpts.DetectIntervalMs > 0 {
		options.DetectInterval = time.Duration(fileOpts.DetectIntervalMs) * time.Millisecond
	}
	return options, nil
}
