package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// ParseDatabaseURL 解析 DATABASE_URL：sqlite://path、mysql://dsn 或裸 MySQL DSN。
func ParseDatabaseURL(raw string) (driverName string, dsn string, err error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", "", errors.New("DATABASE_URL 不能为空")
	case strings.HasPrefix(raw, "sqlite://"):
		path := strings.TrimPrefix(raw, "sqlite://")
		if strings.TrimSpace(path) == "" {
			return "", "", errors.New("sqlite 路径不能为空")
		}
		return "sqlite", path, nil
	case strings.HasPrefix(raw, "mysql://"):
		return "mysql", strings.TrimPrefix(raw, "mysql://"), nil
	case strings.Contains(raw, "@tcp(") || strings.Contains(raw, "@unix("):
		return "mysql", raw, nil
	default:
		return "", "", fmt.Errorf("无法识别的 DATABASE_URL：%s", raw)
	}
}

// OpenDB 按 DATABASE_URL 打开数据库并返回方言。wait 为 MySQL 等待就绪的最长时间，0 表示只 ping 一次。
func OpenDB(databaseURL string, wait time.Duration) (*sql.DB, Dialect, error) {
	driverName, dsn, err := ParseDatabaseURL(databaseURL)
	if err != nil {
		return nil, "", err
	}
	if driverName == "sqlite" {
		db, err := OpenSQLite(dsn)
		if err != nil {
			return nil, "", err
		}
		return db, DialectSQLite, nil
	}
	db, err := OpenMySQL(dsn, wait)
	if err != nil {
		return nil, "", err
	}
	return db, DialectMySQL, nil
}

// normalizeMySQLDSN 强制 parseTime 与 UTC，订单时间、支付时间读写一致。
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql.ParseDSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["time_zone"] = "'+00:00'"
	return cfg.FormatDSN(), nil
}

// OpenMySQL 打开连接池并等待数据库就绪。库名不存在或鉴权失败立即返回，不做等待。
func OpenMySQL(dsn string, wait time.Duration) (*sql.DB, error) {
	dsn, err := normalizeMySQLDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open(mysql): %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)

	if err := waitMySQL(db, wait); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func waitMySQL(db *sql.DB, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	backoff := 200 * time.Millisecond
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := db.PingContext(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if mysqlConfigError(err) || !time.Now().Add(backoff).Before(deadline) {
			return fmt.Errorf("db.Ping(mysql): %w", err)
		}
		if attempt == 1 {
			slog.Info("等待 MySQL 就绪", "timeout", wait.String(), "err", err)
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, 2*time.Second)
	}
}

// mysqlConfigError 判断重试无意义的错误：1044/1045 鉴权失败，1049 库不存在。
func mysqlConfigError(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case 1044, 1045, 1049:
		return true
	}
	return false
}

func OpenSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite 路径不能为空")
	}

	// 路径可带 driver 参数（?_pragma=busy_timeout(30000)），建目录前先去掉。
	filePath, _, _ := strings.Cut(path, "?")
	if filePath != ":memory:" && !strings.HasPrefix(filePath, "file::memory:") {
		if dir := filepath.Dir(filePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建 sqlite 数据目录失败: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open(sqlite): %w", err)
	}
	// 单连接：订单与佣金事务串行写入，避免 SQLITE_BUSY。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping(sqlite): %w", err)
	}
	_, _ = db.ExecContext(ctx, `PRAGMA journal_mode=WAL`)
	return db, nil
}
