// Package txn 事务编排引擎（saga 顺序执行 + 单连接回滚 + 审计留痕）
package txn

import (
	"context"
	"database/sql"
	"time"

	"github.com/Huitrn/Compareware-sub002/internal/audit"
)

// Kind 操作类型
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindInsert     Kind = "INSERT"
	KindUpdate     Kind = "UPDATE"
	KindExternal   Kind = "EXTERNAL"
)

// Outcome 操作结果
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeError   Outcome = "ERROR"
)

// Status 事务状态
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusCommitted  Status = "COMMITTED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Operation 一个事务步骤。声明式命令结构：名称、类型、入参快照与执行函数。
// 步骤之间只通过 Scope 的具名结果传递数据，不做位置索引。
type Operation struct {
	Name    string
	Kind    Kind
	Payload map[string]interface{}

	// Run 在共享事务上执行步骤。返回值写入 Scope，后续步骤按名字读取。
	Run func(ctx context.Context, tx *sql.Tx, sc *Scope) (interface{}, error)

	// AuditEntry 可选。返回的条目在步骤成功后写入同一事务，
	// 与业务行一起提交或回滚。
	AuditEntry func(sc *Scope, result interface{}) *audit.Entry
}

// Scope 一次 saga 执行的结果集。结果按步骤名存取。
type Scope struct {
	txnID   string
	order   []string
	results map[string]interface{}
}

func newScope(txnID string) *Scope {
	return &Scope{
		txnID:   txnID,
		results: make(map[string]interface{}),
	}
}

// TransactionID 当前事务 ID
func (s *Scope) TransactionID() string {
	return s.txnID
}

// Result 按步骤名读取结果
func (s *Scope) Result(name string) (interface{}, bool) {
	v, ok := s.results[name]
	return v, ok
}

// Ordered 按执行顺序返回所有结果
func (s *Scope) Ordered() []interface{} {
	out := make([]interface{}, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.results[name])
	}
	return out
}

func (s *Scope) set(name string, v interface{}) {
	if _, exists := s.results[name]; !exists {
		s.order = append(s.order, name)
	}
	s.results[name] = v
}

// OperationRecord 步骤执行记录。写入后只读。
type OperationRecord struct {
	Name        string                 `json:"name"`
	Kind        Kind                   `json:"kind"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Outcome     Outcome                `json:"outcome"`
	ErrorDetail string                 `json:"errorDetail,omitempty"`
}

// Transaction 引擎内部的事务簿记。一次 ExecuteSaga 调用独占，
// 提交或回滚后立即从活跃集合移除。
type Transaction struct {
	ID        string
	Saga      string
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Records   []OperationRecord
}

// Snapshot 活跃事务的观测快照
type Snapshot struct {
	ID              string    `json:"id"`
	Saga            string    `json:"saga"`
	Status          Status    `json:"status"`
	StartTime       time.Time `json:"startTime"`
	OperationsCount int       `json:"operationsCount"`
}
