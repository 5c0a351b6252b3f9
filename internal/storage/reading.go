package storage

import (
	"context"
	"errors"
	"strings"
)

// DefaultListLimit 是未指定 limit 时返回的记录条数。
const DefaultListLimit = 20

// MaxListLimit 限制单次查询返回的记录条数。
const MaxListLimit = 500

// ErrInvalidRecord 表示记录缺少必填字段。
var ErrInvalidRecord = errors.New("解签记录不完整")

// ReadingRecord 表示一次解签的落库结构。
type ReadingRecord struct {
	ID             string  `json:"id"`
	EnvelopeID     string  `json:"envelope_id,omitempty"`
	Sender         string  `json:"sender"`
	Source         string  `json:"source"`
	Lots           []int64 `json:"lots"`
	Sum            string  `json:"sum"`
	PhraseIndex    int     `json:"phrase_index"`
	Interpretation string  `json:"interpretation"`
	CreatedAt      int64   `json:"created_at"`
}

// Validate 检查必填字段。
func (r ReadingRecord) Validate() error {
	if r.ID == "" || r.Sum == "" || r.Interpretation == "" || r.CreatedAt <= 0 {
		return ErrInvalidRecord
	}
	return nil
}

// ReadingRepository 抽象解签历史的持久化接口。
type ReadingRepository interface {
	Save(ctx context.Context, record ReadingRecord) error
	ListLatest(ctx context.Context, limit int) ([]ReadingRecord, error)
	ListBySender(ctx context.Context, sender string, limit int) ([]ReadingRecord, error)
	Close() error
}

// NormalizeLimit 将 limit 约束到 [1, MaxListLimit]。
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// NormalizeSender 返回发送方地址的存储形式：去掉空白并转为小写。
// 所有仓库按该形式写入与查询，地址大小写不影响查找。
func NormalizeSender(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}
