// Package events 向 Redis 发布订单/事务生命周期事件
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Huitrn/Compareware-sub002/pkg/logger"
	"github.com/Huitrn/Compareware-sub002/pkg/tracing"
)

// 事件类型
const (
	EventOrderCreated   = "ORDER_CREATED"
	EventOrderCancelled = "ORDER_CANCELLED"
	EventSagaCommitted  = "SAGA_COMMITTED"
	EventSagaRolledBack = "SAGA_ROLLED_BACK"
)

const defaultUserChannelFormat = "private:user:%d:events"

// Publisher 事件发布器。写入一条 stream 供下游消费（通知、报表），
// 同时向用户私有频道推送。发布失败只记日志，不影响业务结果。
type Publisher struct {
	client        *redis.Client
	stream        string
	channelFormat string
	log           *logger.Logger
}

// NewPublisher 创建发布器
func NewPublisher(client *redis.Client, stream string, log *logger.Logger) *Publisher {
	if stream == "" {
		stream = "compareware:order-events"
	}
	return &Publisher{
		client:        client,
		stream:        stream,
		channelFormat: defaultUserChannelFormat,
		log:           log,
	}
}

// Event 一条对外事件
type Event struct {
	Type          string      `json:"type"`
	TransactionID string      `json:"transactionId"`
	UserID        int64       `json:"userId"`
	OrderID       int64       `json:"orderId,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	TimestampMs   int64       `json:"timestamp"`
}

// Publish 发布事件（stream + 用户频道），尽力而为
func (p *Publisher) Publish(ctx context.Context, event *Event) {
	if p == nil || p.client == nil || event == nil {
		return
	}
	if event.TimestampMs == 0 {
		event.TimestampMs = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logError(ctx, "marshal event", err)
		return
	}

	values := map[string]interface{}{
		"type":    event.Type,
		"txnId":   event.TransactionID,
		"payload": string(payload),
	}
	if traceID := tracing.TraceIDFromContext(ctx); traceID != "" {
		values["_traceId"] = traceID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}).Err(); err != nil {
		p.logError(ctx, "xadd event", err)
	}

	if event.UserID > 0 {
		channel := fmt.Sprintf(p.channelFormat, event.UserID)
		if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
			p.logError(ctx, "publish user event", err)
		}
	}
}

// PublishOrderCreated 下单成功事件
func (p *Publisher) PublishOrderCreated(ctx context.Context, txnID string, userID, orderID int64, data interface{}) {
	p.Publish(ctx, &Event{
		Type:          EventOrderCreated,
		TransactionID: txnID,
		UserID:        userID,
		OrderID:       orderID,
		Data:          data,
	})
}

// PublishOrderCancelled 取消订单事件
func (p *Publisher) PublishOrderCancelled(ctx context.Context, txnID string, userID, orderID int64, reason string) {
	p.Publish(ctx, &Event{
		Type:          EventOrderCancelled,
		TransactionID: txnID,
		UserID:        userID,
		OrderID:       orderID,
		Data:          map[string]interface{}{"reason": reason},
	})
}

// PublishSagaCommitted 事务提交终态事件
func (p *Publisher) PublishSagaCommitted(ctx context.Context, txnID string, userID int64, saga string) {
	p.Publish(ctx, &Event{
		Type:          EventSagaCommitted,
		TransactionID: txnID,
		UserID:        userID,
		Data:          map[string]interface{}{"saga": saga},
	})
}

// PublishSagaRolledBack 事务回滚终态事件，携带失败码
func (p *Publisher) PublishSagaRolledBack(ctx context.Context, txnID string, userID int64, saga, code string) {
	p.Publish(ctx, &Event{
		Type:          EventSagaRolledBack,
		TransactionID: txnID,
		UserID:        userID,
		Data:          map[string]interface{}{"saga": saga, "code": code},
	})
}

func (p *Publisher) logError(ctx context.Context, op string, err error) {
	if p.log == nil {
		return
	}
	p.log.WithContext(ctx).WithError(err).Warn("event publish failed: " + op)
}
