package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrEntryNotFound = errors.New("audit entry not found")

// IDGenerator 行 ID 生成器
type IDGenerator interface {
	NextID() int64
}

// Store 审计日志仓储。条目只增不改，保留清理按时间戳批量删除。
type Store struct {
	db    *sql.DB
	idGen IDGenerator
}

// NewStore 创建仓储
func NewStore(db *sql.DB, idGen IDGenerator) *Store {
	return &Store{db: db, idGen: idGen}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const insertQuery = `
		INSERT INTO compareware.audit_logs
		(id, transaction_id, user_id, action, entity_type, entity_id,
		 old_values, new_values, ip, user_agent, request_id,
		 operations_count, start_time_ms, end_time_ms, duration_ms,
		 operations_detail, status, error_message, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

// Append 写入一条审计日志。传入 tx 时参与该事务（步骤内日志与业务行同生共死），
// 否则走连接池（终态日志，刻意独立于业务事务，回滚后仍可留痕）。
func (s *Store) Append(ctx context.Context, entry *Entry, tx *sql.Tx) (*Entry, error) {
	if entry == nil {
		return nil, errors.New("audit: entry is nil")
	}
	if entry.ID == 0 {
		entry.ID = s.idGen.NextID()
	}
	if entry.CreatedAtMs == 0 {
		entry.CreatedAtMs = time.Now().UnixMilli()
	}

	var ex execer = s.db
	if tx != nil {
		ex = tx
	}

	_, err := ex.ExecContext(ctx, insertQuery,
		entry.ID, entry.TransactionID, entry.UserID, entry.Action,
		entry.EntityType, entry.EntityID, entry.OldValues, entry.NewValues,
		entry.IP, entry.UserAgent, entry.RequestID,
		entry.OperationsCount, entry.StartTimeMs, entry.EndTimeMs, entry.DurationMs,
		entry.OperationsDetail, entry.Status, entry.ErrorMessage, entry.CreatedAtMs,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

const selectColumns = `id, transaction_id, user_id, action, entity_type, entity_id,
		 old_values, new_values, ip, user_agent, request_id,
		 operations_count, start_time_ms, end_time_ms, duration_ms,
		 operations_detail, status, error_message, created_at_ms`

// FindByTransaction 按事务 ID 查询（时间倒序）
func (s *Store) FindByTransaction(ctx context.Context, transactionID string) ([]*Entry, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM compareware.audit_logs
		WHERE transaction_id = $1
		ORDER BY created_at_ms DESC, id DESC
	`
	return s.queryEntries(ctx, query, transactionID)
}

// FindByUser 按用户分页查询
func (s *Store) FindByUser(ctx context.Context, userID int64, page, limit int) ([]*Entry, error) {
	limit, offset := pageBounds(page, limit)
	query := fmt.Sprintf(`
		SELECT `+selectColumns+`
		FROM compareware.audit_logs
		WHERE user_id = $1
		ORDER BY created_at_ms DESC, id DESC
		LIMIT %d OFFSET %d
	`, limit, offset)
	return s.queryEntries(ctx, query, userID)
}

// FindByEntity 按实体查询（时间倒序）
func (s *Store) FindByEntity(ctx context.Context, entityType, entityID string) ([]*Entry, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM compareware.audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at_ms DESC, id DESC
	`
	return s.queryEntries(ctx, query, entityType, entityID)
}

// FindByAction 按动作与时间范围分页查询。from/to 为 Unix 毫秒，0 表示不限。
func (s *Store) FindByAction(ctx context.Context, action string, fromMs, toMs int64, page, limit int) ([]*Entry, error) {
	var (
		where  = []string{"action = $1"}
		args   = []interface{}{action}
		argIdx = 2
	)
	if fromMs > 0 {
		where = append(where, fmt.Sprintf("created_at_ms >= $%d", argIdx))
		args = append(args, fromMs)
		argIdx++
	}
	if toMs > 0 {
		where = append(where, fmt.Sprintf("created_at_ms <= $%d", argIdx))
		args = append(args, toMs)
		argIdx++
	}

	limit, offset := pageBounds(page, limit)
	query := fmt.Sprintf(`
		SELECT `+selectColumns+`
		FROM compareware.audit_logs
		WHERE %s
		ORDER BY created_at_ms DESC, id DESC
		LIMIT %d OFFSET %d
	`, strings.Join(where, " AND "), limit, offset)
	return s.queryEntries(ctx, query, args...)
}

// FindFailed 查询窗口期内的失败条目
func (s *Store) FindFailed(ctx context.Context, windowHours int) ([]*Entry, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	cutoff := time.Now().Add(-time.Duration(windowHours) * time.Hour).UnixMilli()
	query := `
		SELECT ` + selectColumns + `
		FROM compareware.audit_logs
		WHERE status = $1 AND created_at_ms >= $2
		ORDER BY created_at_ms DESC, id DESC
	`
	return s.queryEntries(ctx, query, StatusError, cutoff)
}

// StatRow 按动作+实体+状态分组的统计行
type StatRow struct {
	Action        string  `json:"action"`
	EntityType    string  `json:"entityType"`
	Status        string  `json:"status"`
	Count         int64   `json:"count"`
	AvgDurationMs float64 `json:"avgDurationMs"`
	MaxDurationMs int64   `json:"maxDurationMs"`
}

// Stats 窗口期内的分组统计
func (s *Store) Stats(ctx context.Context, windowDays int) ([]*StatRow, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -windowDays).UnixMilli()
	query := `
		SELECT action, entity_type, status,
		       COUNT(*) AS cnt,
		       COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
		       COALESCE(MAX(duration_ms), 0) AS max_duration_ms
		FROM compareware.audit_logs
		WHERE created_at_ms >= $1
		GROUP BY action, entity_type, status
		ORDER BY cnt DESC
	`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query audit stats: %w", err)
	}
	defer rows.Close()

	var stats []*StatRow
	for rows.Next() {
		var row StatRow
		if err := rows.Scan(&row.Action, &row.EntityType, &row.Status,
			&row.Count, &row.AvgDurationMs, &row.MaxDurationMs); err != nil {
			return nil, fmt.Errorf("scan audit stats: %w", err)
		}
		stats = append(stats, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// Purge 删除早于保留期的条目，返回删除行数。按时间戳删除，可重复执行。
func (s *Store) Purge(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, errors.New("audit: retention days must be positive")
	}
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM compareware.audit_logs WHERE created_at_ms < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit entries: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.TransactionID, &e.UserID, &e.Action,
			&e.EntityType, &e.EntityID, &e.OldValues, &e.NewValues,
			&e.IP, &e.UserAgent, &e.RequestID,
			&e.OperationsCount, &e.StartTimeMs, &e.EndTimeMs, &e.DurationMs,
			&e.OperationsDetail, &e.Status, &e.ErrorMessage, &e.CreatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func pageBounds(page, limit int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// CreateTableSQL 提供 audit_logs 表结构（可用于初始化/迁移）
const CreateTableSQL = `
CREATE SCHEMA IF NOT EXISTS compareware;
CREATE TABLE IF NOT EXISTS compareware.audit_logs (
  id BIGINT PRIMARY KEY,
  transaction_id VARCHAR(64) NOT NULL,
  user_id BIGINT NOT NULL DEFAULT 0,
  action VARCHAR(64) NOT NULL,
  entity_type VARCHAR(32) NOT NULL,
  entity_id VARCHAR(64) NOT NULL DEFAULT '',
  old_values TEXT NOT NULL DEFAULT '',
  new_values TEXT NOT NULL DEFAULT '',
  ip VARCHAR(64) NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  request_id VARCHAR(128) NOT NULL DEFAULT '',
  operations_count INT NOT NULL DEFAULT 0,
  start_time_ms BIGINT NOT NULL DEFAULT 0,
  end_time_ms BIGINT NOT NULL DEFAULT 0,
  duration_ms BIGINT NOT NULL DEFAULT 0,
  operations_detail TEXT NOT NULL DEFAULT '',
  status VARCHAR(16) NOT NULL DEFAULT 'SUCCESS',
  error_message TEXT NOT NULL DEFAULT '',
  created_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_txn ON compareware.audit_logs(transaction_id);
CREATE INDEX IF NOT EXISTS idx_audit_logs_user_ts ON compareware.audit_logs(user_id, created_at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_audit_logs_entity ON compareware.audit_logs(entity_type, entity_id, created_at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_audit_logs_action_ts ON compareware.audit_logs(action, created_at_ms DESC);
`
