// Package service 订单服务：组装下单/取消两类 saga 并暴露读取接口
package service

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/Huitrn/Compareware-sub002/internal/audit"
	"github.com/Huitrn/Compareware-sub002/internal/events"
	"github.com/Huitrn/Compareware-sub002/internal/metrics"
	"github.com/Huitrn/Compareware-sub002/internal/payment"
	"github.com/Huitrn/Compareware-sub002/internal/repository"
	"github.com/Huitrn/Compareware-sub002/internal/txn"
	apperrors "github.com/Huitrn/Compareware-sub002/pkg/errors"
	"github.com/Huitrn/Compareware-sub002/pkg/logger"
)

// IDGenerator ID 生成器接口
type IDGenerator interface {
	NextID() int64
}

// OrderService 订单服务
type OrderService struct {
	manager   *txn.Manager
	users     *repository.UserRepository
	products  *repository.ProductRepository
	orders    *repository.OrderRepository
	auditing  *audit.Store
	gateway   payment.Gateway
	publisher *events.Publisher
	idGen     IDGenerator
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewOrderService 创建订单服务
func NewOrderService(
	manager *txn.Manager,
	users *repository.UserRepository,
	products *repository.ProductRepository,
	orders *repository.OrderRepository,
	auditing *audit.Store,
	gateway payment.Gateway,
	idGen IDGenerator,
	m *metrics.Metrics,
	log *logger.Logger,
) *OrderService {
	return &OrderService{
		manager:  manager,
		users:    users,
		products: products,
		orders:   orders,
		auditing: auditing,
		gateway:  gateway,
		idGen:    idGen,
		metrics:  m,
		log:      log,
	}
}

// SetPublisher 注入事件发布器
func (s *OrderService) SetPublisher(publisher *events.Publisher) {
	s.publisher = publisher
}

// RequestMeta 请求来源信息，写入审计条目
type RequestMeta struct {
	IP        string
	UserAgent string
	RequestID string
}

// OrderDraft 待创建订单
type OrderDraft struct {
	ShippingAddress string `json:"shippingAddress"`
	BillingAddress  string `json:"billingAddress"`
	PaymentMethod   string `json:"paymentMethod"`
	TotalAmount     int64  `json:"totalAmount"` // 分；0 表示由明细计算
}

// ItemRequest 待创建订单明细
type ItemRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int64 `json:"quantity"`
	UnitPrice int64 `json:"unitPrice"` // 分
}

// CreateOrderResponse 下单结果
type CreateOrderResponse struct {
	Success       bool                  `json:"success"`
	TransactionID string                `json:"transactionId"`
	Order         *repository.Order     `json:"order,omitempty"`
	Payment       *payment.ChargeResult `json:"payment,omitempty"`
}

// saga 名，也出现在终态事件和终态审计条目里
const (
	sagaCreateOrder = "CREATE_ORDER"
	sagaCancelOrder = "CANCEL_ORDER"
)

// 步骤名。saga 结果按这些名字存取。
const (
	stepValidateUser   = "validate_user"
	stepValidateStock  = "validate_stock"
	stepReserveStock   = "reserve_stock"
	stepCreateOrder    = "create_order"
	stepProcessPayment = "process_payment"

	stepValidateCancellable = "validate_cancellable"
	stepMarkCancelled       = "mark_cancelled"
	stepReleaseStock        = "release_stock"
)

// CreateOrder 下单 saga：校验用户 → 校验库存 → 预留库存 → 落单 → 扣款。
// 任一步骤失败整体回滚。支付是唯一不可回滚的外部副作用，放在最后，
// 它失败时不需要补偿。
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, draft *OrderDraft, items []*ItemRequest, meta RequestMeta) (*CreateOrderResponse, string, error) {
	if userID <= 0 || draft == nil || len(items) == 0 {
		return nil, "", apperrors.New(apperrors.CodeInvalidParam, "userId, order draft and items are required")
	}
	for _, item := range items {
		if item.ProductID <= 0 || item.Quantity <= 0 || item.UnitPrice < 0 {
			return nil, "", apperrors.Newf(apperrors.CodeInvalidParam,
				"invalid item: product=%d quantity=%d unitPrice=%d", item.ProductID, item.Quantity, item.UnitPrice)
		}
	}

	totalAmount := draft.TotalAmount
	if totalAmount <= 0 {
		totalAmount = 0
		for _, item := range items {
			totalAmount += item.UnitPrice * item.Quantity
		}
	}

	orderID := s.idGen.NextID()
	saga := txn.Saga{
		Name:       sagaCreateOrder,
		UserID:     userID,
		EntityType: audit.EntityOrder,
		EntityID:   strconv.FormatInt(orderID, 10),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		RequestID:  meta.RequestID,
		Operations: []txn.Operation{
			s.opValidateUser(userID),
			s.opValidateStock(items),
			s.opReserveStock(userID, orderID, items),
			s.opCreateOrder(userID, orderID, totalAmount, draft, items),
			s.opProcessPayment(userID, orderID, totalAmount, draft.PaymentMethod),
		},
	}

	sc, txnID, err := s.manager.ExecuteSaga(ctx, saga)
	if err != nil {
		s.recordPaymentDecline(ctx, txnID, userID, orderID, err, meta)
		if s.publisher != nil {
			s.publisher.PublishSagaRolledBack(ctx, txnID, userID, sagaCreateOrder, string(apperrors.CodeOf(err)))
		}
		return nil, txnID, err
	}

	order, _ := resultAs[*repository.Order](sc, stepCreateOrder)
	charge, _ := resultAs[*payment.ChargeResult](sc, stepProcessPayment)

	s.metrics.IncOrderCreated()
	if s.publisher != nil {
		s.publisher.PublishOrderCreated(ctx, txnID, userID, orderID, order)
		s.publisher.PublishSagaCommitted(ctx, txnID, userID, sagaCreateOrder)
	}

	return &CreateOrderResponse{
		Success:       true,
		TransactionID: txnID,
		Order:         order,
		Payment:       charge,
	}, txnID, nil
}

func (s *OrderService) opValidateUser(userID int64) txn.Operation {
	return txn.Operation{
		Name:    stepValidateUser,
		Kind:    txn.KindValidation,
		Payload: map[string]interface{}{"userId": userID},
		Run: func(ctx context.Context, tx *sql.Tx, sc *txn.Scope) (interface{}, error) {
			user, err := s.users.FindByIDTx(ctx, tx, userID)
			if errors.Is(err, repository.ErrUserNotFound) {
				return nil, apperrors.Newf(apperrors.CodeUserNotFound, "user %d not found", userID)
			}
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodePersistence, err)
			}
			if user.Status != repository.UserActive {
				return nil, apperrors.Newf(apperrors.CodeValidationFailed, "user %d is not active", userID)
			}
			return user, nil
		},
	}
}

func (s *OrderService) opValidateStock(items []*ItemRequest) txn.Operation {
	return txn.Operation{
		Name:    stepValidateStock,
		Kind:    txn.KindValidation,
		Payload: itemsPayload(items),
		Run: func(ctx context.Context, tx *sql.Tx, sc *txn.Scope) (interface{}, error) {
			// 首个缺货即中止，不再校验剩余明细
			products := make([]*repository.Product, 0, len(items))
			for _, item := range items {
				product, err := s.products.GetProductTx(ctx, tx, item.ProductID)
				if errors.Is(err, repository.ErrProductNotFound) {
					return nil, apperrors.Newf(apperrors.CodeProductNotFound, "product %d not found", item.ProductID)
				}
				if err != nil {
					return nil, apperrors.Wrap(apperrors.CodePersistence, err)
				}
				if product.StockQuantity < item.Quantity {
					return nil, apperrors.Newf(apperrors.CodeInsufficientStock,
						"product %d has %d in stock, %d requested", item.ProductID, product.StockQuantity, item.Quantity)
				}
				products = append(products, product)
			}
			return products, nil
		},
	}
}

func (s *OrderService) opReserveStock(userID, orderID int64, items []*ItemRequest) txn.Operation {
	return txn.Operation{
		Name:    stepReserveStock,
		Kind:    txn.KindUpdate,
		Payload: itemsPayload(items),
		Run: func(ctx context.Context, tx *sql.Tx, sc *txn.Scope) (interface{}, error) {
			for _, item := range items {
				err := s.products.ReserveStock(ctx, tx, item.ProductID, item.Quantity)
				if errors.Is(err, repository.ErrStockConflict) {
					// 校验步骤刚通过也可能走到这里：库存被并发 saga 抢走
					s.metrics.IncStockConflict()
					return nil, apperrors.Newf(apperrors.CodeConcurrencyConflict,
						"stock for product %d taken by a concurrent order", item.ProductID)
				}
				if err != nil {
					return nil, apperrors.Wrap(apperrors.CodePersistence, err)
				}
			}
			return len(items), nil
		},
		AuditEntry: func(sc *txn.Scope, result interface{}) *audit.Entry {
			return audit.NewEntry("", audit.ActionStockReserved, audit.EntityOrder).
				WithEntity(strconv.FormatInt(orderID, 10)).
				WithUser(userID).
				WithNewValues(map[string]interface{}{"items": itemsSnapshot(items)})
		},
	}
}

func (s *OrderService) opCreateOrder(userID, orderID, totalAmount int64, draft *OrderDraft, items []*ItemRequest) txn.Operation {
	return txn.Operation{
		Name: stepCreateOrder,
		Kind: txn.KindInsert,
		Payload: map[string]interface{}{
			"orderId":     orderID,
			"userId":      userID,
			"totalAmount": totalAmount,
		},
		Run: func(ctx context.Context, tx *sql.Tx, sc *txn.Scope) (interface{}, error) {
			now := time.Now().UnixMilli()
			order := &repository.Order{
				OrderID:         orderID,
				UserID:          userID,
				TotalAmount:     totalAmount,
				Status:          repository.OrderPending,
				ShippingAddress: draft.ShippingAddress,
				BillingAddress:  draft.BillingAddress,
				PaymentMethod:   draft.PaymentMethod,
				CreateTimeMs:    now,
				UpdateTimeMs:    now,
			}
			if err := s.orders.InsertOrder(ctx, tx, order); err != nil {
				return nil, apperrors.Wrap(apperrors.CodePersistence, err)
			}

			rows := make([]*repository.OrderItem, 0, len(items))
			for _, item := range items {
				rows = append(rows, &repository.OrderItem{
					OrderID:   orderID,
					ProductID: item.ProductID,
					Quantity:  item.Quantity,
					UnitPrice: item.UnitPrice,
					Subtotal:  item.UnitPrice * item.Quantity,
				})
			}
			if err := s.orders.InsertOrderItems(ctx, tx, rows); err != nil {
				return nil, apperrors.Wrap(apperrors.CodePersistence, err)
			}
			return order, nil
		},
		AuditEntry: func(sc *txn.Scope, result interface{}) *audit.Entry {
			return audit.NewEntry("", audit.ActionOrderCreated, audit.EntityOrder).
				WithEntity(strconv.FormatInt(orderID, 10)).
				WithUser(userID).
				WithNewValues(map[string]interface{}{
					"totalAmount": totalAmount,
					"status":      repository.OrderPending,
					"items":       itemsSnapshot(items),
				})
		},
	}
}

func (s *OrderService) opProcessPayment(userID, orderID, totalAmount int64, method string) txn.Operation {
	return txn.Operation{
		Name: stepProcessPayment,
		Kind: txn.KindExternal,
		Payload: map[string]interface{}{
			"orderId": orderID,
			"amount":  totalAmount,
			"method":  method,
		},
		Run: func(ctx context.Context, tx *sql.Tx, sc *txn.Scope) (interface{}, error) {
			result, err := s.gateway.Charge(ctx, &payment.ChargeRequest{
				TransactionID: sc.TransactionID(),
				OrderID:       orderID,
				UserID:        userID,
				AmountCents:   totalAmount,
				Method:        method,
			})
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodeExternalService, err)
			}
			if !result.Approved {
				return nil, apperrors.Newf(apperrors.CodePaymentDeclined,
					"payment declined: %s", result.DeclineCode)
			}
			return result, nil
		},
		AuditEntry: func(sc *txn.Scope, result interface{}) *audit.Entry {
			entry := audit.NewEntry("", audit.ActionPaymentProcessed, audit.EntityPayment).
				WithUser(userID).
				WithNewValues(map[string]interface{}{
					"orderId": orderID,
					"amount":  totalAmount,
					"method":  method,
				})
			if charge, ok := result.(*payment.ChargeResult); ok {
				entry.WithEntity(charge.PaymentID)
			}
			return entry
		},
	}
}

// recordPaymentDecline 拒付发生时业务事务整体回滚，步骤内的审计行随之消失，
// 因此在连接池上补写一条 PAYMENT_DECLINED 留痕。
func (s *OrderService) recordPaymentDecline(ctx context.Context, txnID string, userID, orderID int64, sagaErr error, meta RequestMeta) {
	if apperrors.CodeOf(sagaErr) != apperrors.CodePaymentDeclined {
		return
	}
	s.metrics.IncPaymentDeclined()

	entry := audit.NewEntry(txnID, audit.ActionPaymentDeclined, audit.EntityPayment).
		WithUser(userID).
		WithRequest(meta.IP, meta.UserAgent, meta.RequestID).
		WithNewValues(map[string]interface{}{"orderId": orderID}).
		WithError(sagaErr.Error())
	if _, err := s.auditing.Append(ctx, entry, nil); err != nil {
		s.metrics.IncAuditWriteError()
		s.log.WithContext(ctx).WithError(err).Error("payment decline audit write failed")
	}
}

// CancelOrderResponse 取消结果
type CancelOrderResponse struct {
	Success       bool              `json:"success"`
	TransactionID string            `json:"transactionId"`
	Order         *repository.Order `json:"order,omitempty"`
}

// CancelOrder 取消 saga：状态校验 → 置为已取消 → 归还库存。
// 归还库存是下单时库存预留的显式补偿动作。
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64, reason string, userID int64, meta RequestMeta) (*CancelOrderResponse, string, error) {
	if orderID <= 0 {
		return nil, "", apperrors.New(apperrors.CodeInvalidParam, "orderId is required")
	}
	if reason == "" {
		reason = "unspecified"
	}

	saga := txn.Saga{
		Name:       sagaCancelOrder,
		UserID:     userID,
		EntityType: audit.EntityOrder,
		EntityID:   strconv.FormatInt(orderID, 10),
		IP:         meta.IP,
		UserAgent:  meta.UserAgent,
		RequestID:  meta.RequestID,
		Operations: []txn.Operation{
			s.opValidateCancellable(orderID),
			s.opMarkCancelled(orderID, userID, reason),
			s.opReleaseStock(orderID, userID),
		},
	}

	sc, txnID, err := s.manager.ExecuteSaga(ctx, saga)
	if err != nil {
		if s.publisher != nil {
			s.publisher.PublishSagaRolledBack(ctx, txnID, userID, sagaCancelOrder, string(apperrors.CodeOf(err)))
		}
		return nil, txnID, err
	}

	order, _ := resultAs[*repository.Order](sc, stepMarkCancelled)

	s.metrics.IncOrderCancelled()
	if s.publisher != nil {
		s.publisher.PublishOrderCancelled(ctx, txnID, userID, orderID, reason)
		s.publisher.PublishSagaCommitted(ctx, txnID, userID, sagaCancelOrder)
	}

	return &CancelOrderResponse{
		Success:       true,
		TransactionID: txnID,
		Order:         order,
	}, txnID, nil
}

func (s *OrderService) opValidateCancellable(orderID int64) txn.Operation {
	return txn.Operation{
		Name:    stepValidateCancellable,
		Kind:    txn.KindValidation,
		Payload: map[string]interface{}{"orderId": orderID},
		Run: func(ctx context.Context, tx *sql.Tx, sc *txn.Scope) (interface{}, error) {
			order, err := s.orders.GetOrderTx(ctx, tx, orderID)
			if errors.Is(err, repository.ErrOrderNotFound) {
				return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %d not found", orderID)
			}
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodePersistence, err)
			}
			if order.Status != repository.OrderPending && order.Status != repository.OrderProcessing {
				return nil, apperrors.Newf(apperrors.CodeOrderNotCancellable,
					"order %d in status %s cannot be cancelled", orderID, order.Status)
			}
			return order, nil
		},
	}
}

func (s *OrderService) opMarkCancelled(orderID, userID int64, reason string) txn.Operation {
	return txn.Operation{
		Name:    stepMarkCancelled,
		Kind:    txn.KindUpdate,
		Payload: map[string]interface{}{"orderId": orderID, "reason": reason},
		Run: func(ctx context.Context, tx *sql.Tx, sc *txn.Scope) (interface{}, error) {
			now := time.Now().UnixMilli()
			err := s.orders.MarkCancelled(ctx, tx, orderID, reason, now)
			if errors.Is(err, repository.ErrOrderNotCancellable) {
				return nil, apperrors.Newf(apperrors.CodeOrderNotCancellable,
					"order %d state changed before cancellation", orderID)
			}
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodePersistence, err)
			}

			previous, _ := resultAs[*repository.Order](sc, stepValidateCancellable)
			cancelled := *previous
			cancelled.Status = repository.OrderCancelled
			cancelled.CancellationReason = reason
			cancelled.CancelledAtMs = now
			cancelled.UpdateTimeMs = now
			return &cancelled, nil
		},
		AuditEntry: func(sc *txn.Scope, result interface{}) *audit.Entry {
			entry := audit.NewEntry("", audit.ActionOrderCancelled, audit.EntityOrder).
				WithEntity(strconv.FormatInt(orderID, 10)).
				WithUser(userID).
				WithNewValues(map[string]interface{}{
					"status": repository.OrderCancelled,
					"reason": reason,
				})
			if previous, ok := resultAs[*repository.Order](sc, stepValidateCancellable); ok {
				entry.WithOldValues(map[string]interface{}{"status": previous.Status})
			}
			return entry
		},
	}
}

func (s *OrderService) opReleaseStock(orderID, userID int64) txn.Operation {
	return txn.Operation{
		Name:    stepReleaseStock,
		Kind:    txn.KindUpdate,
		Payload: map[string]interface{}{"orderId": orderID},
		Run: func(ctx context.Context, tx *sql.Tx, sc *txn.Scope) (interface{}, error) {
			items, err := s.orders.ListOrderItemsTx(ctx, tx, orderID)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodePersistence, err)
			}
			for _, item := range items {
				if err := s.products.ReleaseStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
					if errors.Is(err, repository.ErrStockConflict) {
						return nil, apperrors.Newf(apperrors.CodeConcurrencyConflict,
							"reserved stock for product %d already released", item.ProductID)
					}
					return nil, apperrors.Wrap(apperrors.CodePersistence, err)
				}
			}
			return len(items), nil
		},
		AuditEntry: func(sc *txn.Scope, result interface{}) *audit.Entry {
			entry := audit.NewEntry("", audit.ActionStockReleased, audit.EntityOrder).
				WithEntity(strconv.FormatInt(orderID, 10)).
				WithUser(userID)
			if n, ok := result.(int); ok {
				entry.WithNewValues(map[string]interface{}{"itemsReleased": n})
			}
			return entry
		},
	}
}

// OrderHistory 订单 + 明细 + 审计轨迹
type OrderHistory struct {
	Order   *repository.Order      `json:"order"`
	Items   []*repository.OrderItem `json:"items"`
	History []*audit.Entry          `json:"history"`
}

// GetOrderWithHistory 只读组合查询：订单行、明细与全部相关审计条目（新在前）
func (s *OrderService) GetOrderWithHistory(ctx context.Context, orderID int64) (*OrderHistory, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %d not found", orderID)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, err)
	}

	items, err := s.orders.ListOrderItems(ctx, orderID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, err)
	}

	history, err := s.auditing.FindByEntity(ctx, audit.EntityOrder, strconv.FormatInt(orderID, 10))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodePersistence, err)
	}

	return &OrderHistory{Order: order, Items: items, History: history}, nil
}

func itemsPayload(items []*ItemRequest) map[string]interface{} {
	return map[string]interface{}{"items": itemsSnapshot(items)}
}

func itemsSnapshot(items []*ItemRequest) []interface{} {
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]interface{}{
			"productId": item.ProductID,
			"quantity":  item.Quantity,
			"unitPrice": item.UnitPrice,
		})
	}
	return out
}

func resultAs[T any](sc *txn.Scope, name string) (T, bool) {
	var zero T
	v, ok := sc.Result(name)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, ok
}
