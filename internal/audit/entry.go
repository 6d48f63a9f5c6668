// Package audit 审计日志存储（append-only）
package audit

import (
	"encoding/json"
	"time"
)

// 审计动作标签
const (
	ActionUserValidated    = "USER_VALIDATED"
	ActionStockValidated   = "STOCK_VALIDATED"
	ActionStockReserved    = "STOCK_RESERVED"
	ActionStockReleased    = "STOCK_RELEASED"
	ActionOrderCreated     = "ORDER_CREATED"
	ActionOrderCancelled   = "ORDER_CANCELLED"
	ActionPaymentProcessed = "PAYMENT_PROCESSED"
	ActionPaymentDeclined  = "PAYMENT_DECLINED"

	// 事务终态系统日志
	ActionSagaSuccess = "DISTRIBUTED_TRANSACTION_SUCCESS"
	ActionSagaFailed  = "DISTRIBUTED_TRANSACTION_FAILED"
)

// 实体类型
const (
	EntityOrder       = "ORDER"
	EntityProduct     = "PRODUCT"
	EntityUser        = "USER"
	EntityPayment     = "PAYMENT"
	EntityTransaction = "TRANSACTION"
)

// 终态状态
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Entry 一条审计日志。写入后不可变，修正以追加新条目表达。
type Entry struct {
	ID               int64  `json:"id"`
	TransactionID    string `json:"transactionId"`
	UserID           int64  `json:"userId"`
	Action           string `json:"action"`
	EntityType       string `json:"entityType"`
	EntityID         string `json:"entityId,omitempty"`
	OldValues        string `json:"oldValues,omitempty"` // JSON 快照（已脱敏）
	NewValues        string `json:"newValues,omitempty"` // JSON 快照（已脱敏）
	IP               string `json:"ip,omitempty"`
	UserAgent        string `json:"userAgent,omitempty"`
	RequestID        string `json:"requestId,omitempty"`
	OperationsCount  int    `json:"operationsCount"`
	StartTimeMs      int64  `json:"startTimeMs,omitempty"`
	EndTimeMs        int64  `json:"endTimeMs,omitempty"`
	DurationMs       int64  `json:"durationMs"`
	OperationsDetail string `json:"operationsDetail,omitempty"` // 序列化的步骤记录
	Status           string `json:"status"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	CreatedAtMs      int64  `json:"createdAt"`
}

// NewEntry 创建审计日志条目
func NewEntry(transactionID, action, entityType string) *Entry {
	return &Entry{
		TransactionID: transactionID,
		Action:        action,
		EntityType:    entityType,
		Status:        StatusSuccess,
		CreatedAtMs:   time.Now().UnixMilli(),
	}
}

// WithEntity 设置实体 ID
func (e *Entry) WithEntity(entityID string) *Entry {
	if e == nil {
		return nil
	}
	e.EntityID = entityID
	return e
}

// WithUser 设置用户 ID
func (e *Entry) WithUser(userID int64) *Entry {
	if e == nil {
		return nil
	}
	e.UserID = userID
	return e
}

// WithRequest 设置请求来源信息
func (e *Entry) WithRequest(ip, userAgent, requestID string) *Entry {
	if e == nil {
		return nil
	}
	e.IP = ip
	e.UserAgent = userAgent
	e.RequestID = requestID
	return e
}

// WithOldValues 设置变更前快照（自动脱敏）
func (e *Entry) WithOldValues(values map[string]interface{}) *Entry {
	if e == nil {
		return nil
	}
	e.OldValues = marshalSnapshot(values)
	return e
}

// WithNewValues 设置变更后快照（自动脱敏）
func (e *Entry) WithNewValues(values map[string]interface{}) *Entry {
	if e == nil {
		return nil
	}
	e.NewValues = marshalSnapshot(values)
	return e
}

// WithError 标记为失败并记录原因
func (e *Entry) WithError(errMsg string) *Entry {
	if e == nil {
		return nil
	}
	e.Status = StatusError
	e.ErrorMessage = errMsg
	return e
}

func marshalSnapshot(values map[string]interface{}) string {
	if values == nil {
		return ""
	}
	safe := SanitizeValues(values)
	b, err := json.Marshal(safe)
	if err != nil {
		return "{}"
	}
	return string(b)
}
