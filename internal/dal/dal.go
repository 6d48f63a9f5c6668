package dal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Huitrn/Compareware-sub002/pkg/logger"
)

var (
	ErrTableNotAllowed = errors.New("table not in allow list")
	ErrBadIdentifier   = errors.New("invalid identifier")
	ErrRowNotFound     = errors.New("row not found")
)

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DAL 通用 CRUD。表名走允许列表，列名走标识符白名单正则，
// 值一律经占位符绑定。每次调用经过校验钩子并输出一条运维日志
// （独立于审计日志）。
type DAL struct {
	db        *sql.DB
	log       *logger.Logger
	validator Validator
	schema    string
	tables    map[string]struct{}
}

// New 创建数据访问层。allowedTables 之外的表一律拒绝。
func New(db *sql.DB, log *logger.Logger, validator Validator, schema string, allowedTables []string) *DAL {
	if validator == nil {
		validator = NoopValidator{}
	}
	tables := make(map[string]struct{}, len(allowedTables))
	for _, t := range allowedTables {
		tables[t] = struct{}{}
	}
	return &DAL{
		db:        db,
		log:       log,
		validator: validator,
		schema:    schema,
		tables:    tables,
	}
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (d *DAL) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return d.db
}

// Create 插入一行，values 为列名到值的映射
func (d *DAL) Create(ctx context.Context, tx *sql.Tx, table string, values map[string]interface{}) (int64, error) {
	qualified, err := d.qualify(table)
	if err != nil {
		return 0, err
	}
	clean, validated, err := d.runValidator(values)
	if err != nil {
		return 0, fmt.Errorf("validate %s create: %w", table, err)
	}
	columns, args, err := orderedColumns(clean)
	if err != nil {
		return 0, err
	}
	if len(columns) == 0 {
		return 0, errors.New("create requires at least one column")
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualified, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	res, err := d.conn(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", table, err)
	}
	rows, _ := res.RowsAffected()
	d.logOp("create", table, rows, validated)
	return rows, nil
}

// FindByID 按主键读取一行，返回列名到值的映射
func (d *DAL) FindByID(ctx context.Context, tx *sql.Tx, table, idColumn string, id interface{}) (map[string]interface{}, error) {
	qualified, err := d.qualify(table)
	if err != nil {
		return nil, err
	}
	if !identifierRe.MatchString(idColumn) {
		return nil, fmt.Errorf("%w: %q", ErrBadIdentifier, idColumn)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", qualified, idColumn)
	rows, err := d.conn(tx).QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	defer rows.Close()

	result, err := scanRows(rows, 1)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrRowNotFound
	}
	d.logOp("find_by_id", table, 1, false)
	return result[0], nil
}

// Update 按主键更新指定列，返回影响行数
func (d *DAL) Update(ctx context.Context, tx *sql.Tx, table, idColumn string, id interface{}, values map[string]interface{}) (int64, error) {
	qualified, err := d.qualify(table)
	if err != nil {
		return 0, err
	}
	if !identifierRe.MatchString(idColumn) {
		return 0, fmt.Errorf("%w: %q", ErrBadIdentifier, idColumn)
	}
	clean, validated, err := d.runValidator(values)
	if err != nil {
		return 0, fmt.Errorf("validate %s update: %w", table, err)
	}
	columns, args, err := orderedColumns(clean)
	if err != nil {
		return 0, err
	}
	if len(columns) == 0 {
		return 0, errors.New("update requires at least one column")
	}

	assignments := make([]string, len(columns))
	for i, col := range columns {
		assignments[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		qualified, strings.Join(assignments, ", "), idColumn, len(args))

	res, err := d.conn(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	rows, _ := res.RowsAffected()
	d.logOp("update", table, rows, validated)
	return rows, nil
}

// Delete 按主键删除，返回影响行数
func (d *DAL) Delete(ctx context.Context, tx *sql.Tx, table, idColumn string, id interface{}) (int64, error) {
	qualified, err := d.qualify(table)
	if err != nil {
		return 0, err
	}
	if !identifierRe.MatchString(idColumn) {
		return 0, fmt.Errorf("%w: %q", ErrBadIdentifier, idColumn)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", qualified, idColumn)
	res, err := d.conn(tx).ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	rows, _ := res.RowsAffected()
	d.logOp("delete", table, rows, false)
	return rows, nil
}

// FindAll 分页读取整表
func (d *DAL) FindAll(ctx context.Context, tx *sql.Tx, table string, limit, offset int) ([]map[string]interface{}, error) {
	qualified, err := d.qualify(table)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d OFFSET %d", qualified, limit, offset)
	rows, err := d.conn(tx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find all %s: %w", table, err)
	}
	defer rows.Close()

	result, err := scanRows(rows, limit)
	if err != nil {
		return nil, err
	}
	d.logOp("find_all", table, int64(len(result)), false)
	return result, nil
}

// Count 统计行数
func (d *DAL) Count(ctx context.Context, tx *sql.Tx, table string) (int64, error) {
	qualified, err := d.qualify(table)
	if err != nil {
		return 0, err
	}

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", qualified)
	if err := d.conn(tx).QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	d.logOp("count", table, count, false)
	return count, nil
}

func (d *DAL) qualify(table string) (string, error) {
	if _, ok := d.tables[table]; !ok {
		return "", fmt.Errorf("%w: %q", ErrTableNotAllowed, table)
	}
	if d.schema == "" {
		return table, nil
	}
	return d.schema + "." + table, nil
}

func (d *DAL) runValidator(values map[string]interface{}) (map[string]interface{}, bool, error) {
	if _, noop := d.validator.(NoopValidator); noop {
		return values, false, nil
	}
	clean, err := d.validator.Validate(values)
	if err != nil {
		return nil, true, err
	}
	return clean, true, nil
}

func (d *DAL) logOp(op, table string, rows int64, validated bool) {
	if d.log == nil {
		return
	}
	d.log.Infof("dal "+op, map[string]interface{}{
		"table":     table,
		"rows":      rows,
		"validated": validated,
	})
}

// orderedColumns 列名按字典序排列，保证生成的 SQL 可复现
func orderedColumns(values map[string]interface{}) ([]string, []interface{}, error) {
	columns := make([]string, 0, len(values))
	for col := range values {
		if !identifierRe.MatchString(col) {
			return nil, nil, fmt.Errorf("%w: %q", ErrBadIdentifier, col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	args := make([]interface{}, len(columns))
	for i, col := range columns {
		args[i] = values[col]
	}
	return columns, args, nil
}

func scanRows(rows *sql.Rows, capacity int) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]interface{}
	for rows.Next() {
		raw := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			v := raw[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		result = append(result, row)
		if capacity > 0 && len(result) >= capacity {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
