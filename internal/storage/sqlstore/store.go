// Package sqlstore implements storage.ReadingRepository over database/sql.
// The queries use `?` placeholders and portable column types so the same
// store serves both the MySQL and SQLite backends.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"Fortune-Oracle/internal/storage"
)

const selectColumns = `SELECT id, envelope_id, sender, source, lots, lot_sum, phrase_index, interpretation, created_at
    FROM readings`

// ReadingStore 使用关系型数据库保存解签历史。
type ReadingStore struct {
	db *sql.DB
}

var _ storage.ReadingRepository = (*ReadingStore)(nil)

// New 包装一个已完成迁移的数据库连接。
func New(db *sql.DB) *ReadingStore {
	return &ReadingStore{db: db}
}

// DB 返回底层连接。
func (s *ReadingStore) DB() *sql.DB {
	return s.db
}

// Save 写入一条解签记录。
func (s *ReadingStore) Save(ctx context.Context, record storage.ReadingRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	lots, err := json.Marshal(nonNilLots(record.Lots))
	if err != nil {
		return fmt.Errorf("序列化签数失败: %w", err)
	}

	const stmt = `INSERT INTO readings
    (id, envelope_id, sender, source, lots, lot_sum, phrase_index, interpretation, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.EnvelopeID,
		storage.NormalizeSender(record.Sender),
		record.Source,
		string(lots),
		record.Sum,
		record.PhraseIndex,
		record.Interpretation,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入解签记录失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条解签记录。
func (s *ReadingStore) ListLatest(ctx context.Context, limit int) ([]storage.ReadingRecord, error) {
	return s.query(ctx, selectColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, storage.NormalizeLimit(limit))
}

// ListBySender 查询指定求签者最近的解签记录。
func (s *ReadingStore) ListBySender(ctx context.Context, sender string, limit int) ([]storage.ReadingRecord, error) {
	return s.query(ctx, selectColumns+` WHERE sender = ? ORDER BY created_at DESC, id DESC LIMIT ?`, storage.NormalizeSender(sender), storage.NormalizeLimit(limit))
}

func (s *ReadingStore) query(ctx context.Context, q string, args ...any) ([]storage.ReadingRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("查询解签记录失败: %w", err)
	}
	defer rows.Close()

	records := make([]storage.ReadingRecord, 0)
	for rows.Next() {
		var (
			record storage.ReadingRecord
			lots   string
		)
		if err := rows.Scan(&record.ID, &record.EnvelopeID, &record.Sender, &record.Source, &lots, &record.Sum, &record.PhraseIndex, &record.Interpretation, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析解签记录失败: %w", err)
		}
		if err := json.Unmarshal([]byte(lots), &record.Lots); err != nil {
			return nil, fmt.Errorf("解析签数失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历解签记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *ReadingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nonNilLots(lots []int64) []int64 {
	if lots == nil {
		return []int64{}
	}
	return lots
}
