package store

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Dialect 区分生产 MySQL 与单机 SQLite 的语法差异。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// forUpdateClause 用于事务内锁定订单、优惠券、余额行；SQLite 单连接写入无需行锁。
func forUpdateClause(d Dialect) string {
	if d == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// insertIgnoreVerb 用于推广轨迹与佣金这类按唯一键去重的写入。
func insertIgnoreVerb(d Dialect) string {
	if d == DialectSQLite {
		return "INSERT OR IGNORE"
	}
	return "INSERT IGNORE"
}

// isDuplicateKeyError 识别唯一约束冲突（MySQL 1062 / SQLite UNIQUE constraint failed）。
func isDuplicateKeyError(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
