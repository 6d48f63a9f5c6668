package txn

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Huitrn/Compareware-sub002/internal/audit"
	"github.com/Huitrn/Compareware-sub002/internal/metrics"
	apperrors "github.com/Huitrn/Compareware-sub002/pkg/errors"
	"github.com/Huitrn/Compareware-sub002/pkg/logger"
	"github.com/Huitrn/Compareware-sub002/pkg/tracing"
)

// Recorder 引擎使用的审计写入接口
type Recorder interface {
	Append(ctx context.Context, entry *audit.Entry, tx *sql.Tx) (*audit.Entry, error)
}

// Saga 一次待执行的事务描述
type Saga struct {
	Name       string // 如 CREATE_ORDER / CANCEL_ORDER
	UserID     int64
	EntityType string
	EntityID   string

	// ResolveEntityID 可选。实体 ID 在执行中才产生时（如新订单号），
	// 终态审计条目通过它从结果集取值。
	ResolveEntityID func(sc *Scope) string

	IP        string
	UserAgent string
	RequestID string

	Operations []Operation
}

const (
	defaultSagaTimeout  = 30 * time.Second
	defaultAuditTimeout = 5 * time.Second
)

// Manager saga 事务管理器。持有连接池与活跃事务簿记，
// 每个进程构造一次并注入各服务。
type Manager struct {
	db      *sql.DB
	auditor Recorder
	log     *logger.Logger
	metrics *metrics.Metrics

	sagaTimeout  time.Duration
	auditTimeout time.Duration

	mu     sync.Mutex
	active map[string]*Transaction
}

// Option 管理器可选配置
type Option func(*Manager)

// WithSagaTimeout 整个 saga（全部顺序步骤）的超时
func WithSagaTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sagaTimeout = d
		}
	}
}

// WithAuditTimeout 终态审计写入的独立超时
func WithAuditTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.auditTimeout = d
		}
	}
}

// NewManager 创建事务管理器
func NewManager(db *sql.DB, auditor Recorder, log *logger.Logger, m *metrics.Metrics, opts ...Option) *Manager {
	mgr := &Manager{
		db:           db,
		auditor:      auditor,
		log:          log,
		metrics:      m,
		sagaTimeout:  defaultSagaTimeout,
		auditTimeout: defaultAuditTimeout,
		active:       make(map[string]*Transaction),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr
}

// NewTransactionID 生成事务 ID（毫秒时间前缀 + 随机后缀），
// 可直接用作审计关联键与幂等键。
func (m *Manager) NewTransactionID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("txn-%d-%012d", time.Now().UnixMilli(), time.Now().UnixNano()%1e12)
	}
	return fmt.Sprintf("txn-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}

// ExecuteSaga 顺序执行全部步骤。任一步骤失败即停止，整个事务回滚；
// 全部成功则提交。两种结局都会在独立连接上写一条终态审计日志。
// 返回值始终带事务 ID，失败时 Scope 含已完成步骤的部分结果。
func (m *Manager) ExecuteSaga(ctx context.Context, saga Saga) (*Scope, string, error) {
	txnID := m.NewTransactionID()
	sc := newScope(txnID)

	if len(saga.Operations) == 0 {
		return sc, txnID, apperrors.New(apperrors.CodeInvalidParam, "saga has no operations")
	}
	seen := make(map[string]struct{}, len(saga.Operations))
	for _, op := range saga.Operations {
		if op.Name == "" || op.Run == nil {
			return sc, txnID, apperrors.New(apperrors.CodeInvalidParam, "operation requires name and run function")
		}
		if _, dup := seen[op.Name]; dup {
			return sc, txnID, apperrors.Newf(apperrors.CodeInvalidParam, "duplicate operation name: %s", op.Name)
		}
		seen[op.Name] = struct{}{}
	}

	t := &Transaction{
		ID:        txnID,
		Saga:      saga.Name,
		Status:    StatusActive,
		StartTime: time.Now(),
	}
	m.register(t)
	defer m.unregister(txnID)

	m.metrics.IncSagaStarted(saga.Name)

	ctx = logger.ContextWithTransactionID(ctx, txnID)
	ctx, cancel := context.WithTimeout(ctx, m.sagaTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "saga."+saga.Name)
	defer span.End()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		wrapped := apperrors.Wrap(apperrors.CodePersistence, fmt.Errorf("begin tx: %w", err))
		m.finish(ctx, t, saga, sc, wrapped)
		return sc, txnID, wrapped
	}

	for _, op := range saga.Operations {
		result, opErr := m.runOperation(ctx, tx, op, sc)
		if opErr == nil && op.AuditEntry != nil {
			if entry := op.AuditEntry(sc, result); entry != nil {
				if entry.TransactionID == "" {
					entry.TransactionID = txnID
				}
				if _, auditErr := m.auditor.Append(ctx, entry, tx); auditErr != nil {
					// 步骤内审计行与业务行同属一个原子单元，写不进去就是步骤失败
					opErr = apperrors.Wrap(apperrors.CodePersistence, auditErr)
				}
			}
		}

		record := OperationRecord{
			Name:    op.Name,
			Kind:    op.Kind,
			Payload: op.Payload,
			Outcome: OutcomeSuccess,
		}
		if opErr != nil {
			record.Outcome = OutcomeError
			record.ErrorDetail = opErr.Error()
			m.recordStep(t, record)

			m.rollback(tx, txnID)
			tracing.SetError(ctx, opErr)
			m.finish(ctx, t, saga, sc, opErr)
			return sc, txnID, opErr
		}

		sc.set(op.Name, result)
		m.recordStep(t, record)
	}

	if err := tx.Commit(); err != nil {
		wrapped := apperrors.Wrap(apperrors.CodePersistence, fmt.Errorf("commit: %w", err))
		tracing.SetError(ctx, wrapped)
		m.finish(ctx, t, saga, sc, wrapped)
		return sc, txnID, wrapped
	}

	m.finish(ctx, t, saga, sc, nil)
	return sc, txnID, nil
}

// ActiveTransactions 活跃事务快照，可与在途 saga 并发调用
func (m *Manager) ActiveTransactions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.active))
	for _, t := range m.active {
		out = append(out, Snapshot{
			ID:              t.ID,
			Saga:            t.Saga,
			Status:          t.Status,
			StartTime:       t.StartTime,
			OperationsCount: len(t.Records),
		})
	}
	return out
}

// runOperation 执行单个步骤，panic 一律转为步骤错误，保证回滚与审计路径可达
func (m *Manager) runOperation(ctx context.Context, tx *sql.Tx, op Operation, sc *Scope) (result interface{}, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = apperrors.Newf(apperrors.CodeInternal, "operation %s panicked: %v", op.Name, v)
		}
	}()
	if ctx.Err() != nil {
		return nil, apperrors.Wrap(apperrors.CodeTimeout, ctx.Err())
	}
	return op.Run(ctx, tx, sc)
}

func (m *Manager) rollback(tx *sql.Tx, txnID string) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		m.log.WithError(err).WithField("txnID", txnID).Error("rollback failed")
	}
}

// finish 收尾：更新状态、写终态审计、更新指标。sagaErr 为 nil 表示已提交。
// Transaction 在活跃表里对 ActiveTransactions 可见，状态字段必须持锁更新。
func (m *Manager) finish(ctx context.Context, t *Transaction, saga Saga, sc *Scope, sagaErr error) {
	m.mu.Lock()
	t.EndTime = time.Now()
	if sagaErr != nil {
		t.Status = StatusRolledBack
	} else {
		t.Status = StatusCommitted
	}
	m.mu.Unlock()

	outcome := audit.StatusSuccess
	if sagaErr != nil {
		outcome = audit.StatusError
	}

	m.metrics.ObserveSaga(saga.Name, outcome, t.EndTime.Sub(t.StartTime))
	m.writeTerminalEntry(t, saga, sc, sagaErr)

	log := m.log.WithContext(ctx).WithField("saga", saga.Name)
	if sagaErr != nil {
		log.WithError(sagaErr).Warn("saga rolled back")
		return
	}
	log.Infof("saga committed", map[string]interface{}{"operations": len(t.Records)})
}

// writeTerminalEntry 在独立连接上写终态审计日志。
// 审计持久化相对业务正确性是尽力而为：失败只记日志和指标，
// 绝不反向影响已提交或已回滚的业务事务。
func (m *Manager) writeTerminalEntry(t *Transaction, saga Saga, sc *Scope, sagaErr error) {
	action := audit.ActionSagaSuccess
	status := audit.StatusSuccess
	errMsg := ""
	if sagaErr != nil {
		action = audit.ActionSagaFailed
		status = audit.StatusError
		errMsg = sagaErr.Error()
	}

	entityType := saga.EntityType
	if entityType == "" {
		entityType = audit.EntityTransaction
	}
	entityID := saga.EntityID
	if saga.ResolveEntityID != nil {
		if resolved := saga.ResolveEntityID(sc); resolved != "" {
			entityID = resolved
		}
	}

	entry := audit.NewEntry(t.ID, action, entityType).
		WithEntity(entityID).
		WithUser(saga.UserID).
		WithRequest(saga.IP, saga.UserAgent, saga.RequestID)
	entry.Status = status
	entry.ErrorMessage = errMsg
	entry.OperationsCount = len(t.Records)
	entry.StartTimeMs = t.StartTime.UnixMilli()
	entry.EndTimeMs = t.EndTime.UnixMilli()
	entry.DurationMs = t.EndTime.Sub(t.StartTime).Milliseconds()
	if detail, err := json.Marshal(t.Records); err == nil {
		entry.OperationsDetail = string(detail)
	}

	// 终态日志使用独立的 context：saga 超时后仍要留痕
	auditCtx, cancel := context.WithTimeout(context.Background(), m.auditTimeout)
	defer cancel()

	if _, err := m.auditor.Append(auditCtx, entry, nil); err != nil {
		m.metrics.IncAuditWriteError()
		m.log.WithError(err).WithField("txnID", t.ID).Error("terminal audit write failed")
	}
}

// recordStep 追加步骤记录。ActiveTransactions 会并发读 Records 长度。
func (m *Manager) recordStep(t *Transaction, rec OperationRecord) {
	m.mu.Lock()
	t.Records = append(t.Records, rec)
	m.mu.Unlock()
}

func (m *Manager) register(t *Transaction) {
	m.mu.Lock()
	m.active[t.ID] = t
	n := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveSagas(n)
}

func (m *Manager) unregister(txnID string) {
	m.mu.Lock()
	delete(m.active, txnID)
	n := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveSagas(n)
}
