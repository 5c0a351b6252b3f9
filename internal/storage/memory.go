package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const memoryRetention = 512

// MemoryReadingRepository 将记录追加写入本地 JSON Lines 文件，并在内存中保留最近的记录。
type MemoryReadingRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ReadingRecord
}

// NewMemoryReadingRepository 创建仓库并从磁盘恢复历史记录。
func NewMemoryReadingRepository(dataDir string) (*MemoryReadingRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryReadingRepository{dataFile: filepath.Join(dataDir, "readings.jsonl")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录解签结果。
func (m *MemoryReadingRepository) Save(_ context.Context, record ReadingRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	record.Lots = append([]int64(nil), record.Lots...)
	record.Sender = NormalizeSender(record.Sender)

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化解签记录失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开解签日志失败: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入解签日志失败: %w", err)
	}

	m.records = append([]ReadingRecord{record}, m.records...)
	if len(m.records) > memoryRetention {
		m.records = m.records[:memoryRetention]
	}
	return nil
}

// ListLatest 返回最近的记录，按时间倒序排列。
func (m *MemoryReadingRepository) ListLatest(_ context.Context, limit int) ([]ReadingRecord, error) {
	return m.filter(NormalizeLimit(limit), func(ReadingRecord) bool { return true }), nil
}

// ListBySender 返回指定求签者最近的记录。
func (m *MemoryReadingRepository) ListBySender(_ context.Context, sender string, limit int) ([]ReadingRecord, error) {
	sender = NormalizeSender(sender)
	return m.filter(NormalizeLimit(limit), func(r ReadingRecord) bool {
		return r.Sender == sender
	}), nil
}

// Close 无需释放资源。
func (m *MemoryReadingRepository) Close() error {
	return nil
}

func (m *MemoryReadingRepository) filter(limit int, keep func(ReadingRecord) bool) []ReadingRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]ReadingRecord, 0, limit)
	for _, r := range m.records {
		if len(results) == limit {
			break
		}
		if keep(r) {
			r.Lots = append([]int64(nil), r.Lots...)
			results = append(results, r)
		}
	}
	return results
}

func (m *MemoryReadingRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取解签日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var restored []ReadingRecord
	for scanner.Scan() {
		var record ReadingRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		record.Sender = NormalizeSender(record.Sender)
		restored = append(restored, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析解签日志失败: %w", err)
	}

	// 文件按写入顺序排列，内存中按时间倒序。
	for i, j := 0, len(restored)-1; i < j; i, j = i+1, j-1 {
		restored[i], restored[j] = restored[j], restored[i]
	}
	if len(restored) > memoryRetention {
		restored = restored[:memoryRetention]
	}
	m.records = restored
	return nil
}
