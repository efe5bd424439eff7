package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/iabetor/narrator/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB 是任务进度数据库连接。
type DB struct {
	*sql.DB
	path string
}

// Open 打开或创建数据库。
// dbPath 为空时使用 ~/.narrator/narrator.db。
func Open(dbPath string) (*DB, error) {
	if dbPath == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			dbPath = filepath.Join(home, ".narrator", "narrator.db")
		} else {
			dbPath = "./narrator.db"
		}
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 流水线与指标读取可能并发访问，SQLite 只允许一个写连接
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("执行 %s 失败: %w", p, err)
		}
	}

	logger.Infof("[database] 数据库已打开: %s", dbPath)
	return &DB{DB: db, path: dbPath}, nil
}

// ShrinkMemory 让 SQLite 释放连接上可回收的页缓存，内存紧张时由治理器调用。
func (db *DB) ShrinkMemory(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "PRAGMA shrink_memory"); err != nil {
		return fmt.Errorf("[database] 释放页缓存失败: %w", err)
	}
	return nil
}

// Path 返回数据库文件路径。
func (db *DB) Path() string {
	return db.path
}

// gooseLogger 将 goose 的输出转到全局 logger。
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	logger.Debugf("[database] goose: "+format, v...)
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	logger.Errorf("[database] goose: "+format, v...)
}

// Migrate 执行内嵌的 goose 迁移。
func (db *DB) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("设置迁移方言失败: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}

	version, err := goose.GetDBVersion(db.DB)
	if err != nil {
		return fmt.Errorf("读取迁移版本失败: %w", err)
	}
	logger.Infof("[database] 数据库迁移完成 (version=%d)", version)
	return nil
}

// Close 关闭数据库连接。
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}
