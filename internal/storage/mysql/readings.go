package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"Fortune-Oracle/deploy/migrations"
	"Fortune-Oracle/internal/storage/sqlmigrate"
	"Fortune-Oracle/internal/storage/sqlstore"
)

// Open 建立连接池、执行迁移并返回解签历史仓库。
func Open(ctx context.Context, cfg Config) (*sqlstore.ReadingStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := prepare(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func prepare(ctx context.Context, db *sql.DB) (*sqlstore.ReadingStore, error) {
	if err := sqlmigrate.Apply(ctx, db, migrations.Files); err != nil {
		return nil, fmt.Errorf("执行 MySQL 迁移失败: %w", err)
	}
	return sqlstore.New(db), nil
}
