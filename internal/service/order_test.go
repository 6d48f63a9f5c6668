package service

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Huitrn/Compareware-sub002/internal/audit"
	"github.com/Huitrn/Compareware-sub002/internal/events"
	"github.com/Huitrn/Compareware-sub002/internal/payment"
	"github.com/Huitrn/Compareware-sub002/internal/repository"
	"github.com/Huitrn/Compareware-sub002/internal/txn"
	apperrors "github.com/Huitrn/Compareware-sub002/pkg/errors"
	"github.com/Huitrn/Compareware-sub002/pkg/logger"
)

type fixedIDGen struct {
	id int64
}

func (g *fixedIDGen) NextID() int64 {
	g.id++
	return g.id
}

func newTestService(t *testing.T, gateway payment.Gateway) (*OrderService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}

	log := logger.New("test", io.Discard)
	store := audit.NewStore(db, &fixedIDGen{})
	manager := txn.NewManager(db, store, log, nil)
	users := repository.NewUserRepository(db)
	products := repository.NewProductRepository(db)
	orders := repository.NewOrderRepository(db)

	// 订单号从 100 开始
	svc := NewOrderService(manager, users, products, orders, store, gateway, &fixedIDGen{id: 99}, nil, log)
	return svc, mock, func() { db.Close() }
}

func userRows(status int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "email", "name", "status"}).
		AddRow(7, "u1@example.com", "U1", status)
}

func productRows(stock int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"product_id", "name", "price_cents", "stock_quantity", "reserved_quantity"}).
		AddRow(1, "P1", 1000, stock, 0)
}

func orderRows(status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"order_id", "user_id", "total_amount", "status", "shipping_address", "billing_address",
		"payment_method", "cancellation_reason", "cancelled_at_ms", "create_time_ms", "update_time_ms",
	}).AddRow(100, 7, 2000, status, "1 Main St", "1 Main St", "CARD", "", 0, 1000, 1000)
}

func itemRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"order_id", "product_id", "quantity", "unit_price", "subtotal"}).
		AddRow(100, 1, 2, 1000, 2000)
}

const (
	auditInsert = `INSERT INTO compareware\.audit_logs`
	orderInsert = `INSERT INTO compareware\.orders`
	itemsInsert = `INSERT INTO compareware\.order_items`
	userSelect  = `(?s)SELECT .+ FROM compareware\.users`
	prodSelect  = `(?s)SELECT .+ FROM compareware\.products`
	prodUpdate  = `UPDATE compareware\.products`
	orderSelect = `(?s)SELECT .+ FROM compareware\.orders`
	orderUpdate = `UPDATE compareware\.orders`
	itemsSelect = `(?s)SELECT .+ FROM compareware\.order_items`
)

func TestCreateOrder_HappyPath(t *testing.T) {
	svc, mock, done := newTestService(t, &payment.StaticGateway{})
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(userSelect).WithArgs(int64(7)).WillReturnRows(userRows(repository.UserActive))
	mock.ExpectQuery(prodSelect).WithArgs(int64(1)).WillReturnRows(productRows(5))
	mock.ExpectExec(prodUpdate).WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // STOCK_RESERVED
	mock.ExpectExec(orderInsert).
		WithArgs(int64(100), int64(7), int64(2000), repository.OrderPending,
			"1 Main St", "1 Main St", "CARD", "", int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(itemsInsert).
		WithArgs(int64(100), int64(1), int64(2), int64(1000), int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // ORDER_CREATED
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // PAYMENT_PROCESSED
	mock.ExpectCommit()
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // terminal, pool

	draft := &OrderDraft{ShippingAddress: "1 Main St", BillingAddress: "1 Main St", PaymentMethod: "CARD"}
	items := []*ItemRequest{{ProductID: 1, Quantity: 2, UnitPrice: 1000}}

	resp, txnID, err := svc.CreateOrder(context.Background(), 7, draft, items, RequestMeta{IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !resp.Success || resp.TransactionID != txnID {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Order.OrderID != 100 {
		t.Fatalf("expected order id 100, got %d", resp.Order.OrderID)
	}
	if resp.Order.TotalAmount != 2000 {
		t.Fatalf("expected total 2000 computed from items, got %d", resp.Order.TotalAmount)
	}
	if resp.Order.Status != repository.OrderPending {
		t.Fatalf("expected PENDING, got %s", resp.Order.Status)
	}
	if resp.Payment == nil || !resp.Payment.Approved {
		t.Fatalf("expected approved payment, got %+v", resp.Payment)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateOrder_InsufficientStockAborts(t *testing.T) {
	svc, mock, done := newTestService(t, &payment.StaticGateway{})
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(userSelect).WithArgs(int64(7)).WillReturnRows(userRows(repository.UserActive))
	mock.ExpectQuery(prodSelect).WithArgs(int64(1)).WillReturnRows(productRows(1))
	mock.ExpectRollback()
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // terminal, pool

	draft := &OrderDraft{PaymentMethod: "CARD"}
	items := []*ItemRequest{{ProductID: 1, Quantity: 2, UnitPrice: 1000}}

	_, txnID, err := svc.CreateOrder(context.Background(), 7, draft, items, RequestMeta{})
	if err == nil {
		t.Fatal("expected insufficient stock error")
	}
	if apperrors.CodeOf(err) != apperrors.CodeInsufficientStock {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %s", apperrors.CodeOf(err))
	}
	if txnID == "" {
		t.Fatal("expected transaction id even on failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateOrder_ReserveConflict(t *testing.T) {
	svc, mock, done := newTestService(t, &payment.StaticGateway{})
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(userSelect).WithArgs(int64(7)).WillReturnRows(userRows(repository.UserActive))
	mock.ExpectQuery(prodSelect).WithArgs(int64(1)).WillReturnRows(productRows(5))
	// 校验刚通过，但并发事务抢走了库存
	mock.ExpectExec(prodUpdate).WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1))

	draft := &OrderDraft{PaymentMethod: "CARD"}
	items := []*ItemRequest{{ProductID: 1, Quantity: 2, UnitPrice: 1000}}

	_, _, err := svc.CreateOrder(context.Background(), 7, draft, items, RequestMeta{})
	if apperrors.CodeOf(err) != apperrors.CodeConcurrencyConflict {
		t.Fatalf("expected CONCURRENCY_CONFLICT, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateOrder_PaymentDeclineRollsBack(t *testing.T) {
	svc, mock, done := newTestService(t, &payment.StaticGateway{DeclineOver: 1500})
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(userSelect).WithArgs(int64(7)).WillReturnRows(userRows(repository.UserActive))
	mock.ExpectQuery(prodSelect).WithArgs(int64(1)).WillReturnRows(productRows(5))
	mock.ExpectExec(prodUpdate).WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(orderInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(itemsInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	// 拒付：业务行整体回滚
	mock.ExpectRollback()
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // terminal, pool
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // PAYMENT_DECLINED, pool

	draft := &OrderDraft{PaymentMethod: "CARD"}
	items := []*ItemRequest{{ProductID: 1, Quantity: 2, UnitPrice: 1000}}

	_, txnID, err := svc.CreateOrder(context.Background(), 7, draft, items, RequestMeta{})
	if apperrors.CodeOf(err) != apperrors.CodePaymentDeclined {
		t.Fatalf("expected PAYMENT_DECLINED, got %v", err)
	}
	if txnID == "" {
		t.Fatal("expected transaction id for declined saga")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateOrder_EmitsTerminalSagaEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	svc, mock, done := newTestService(t, &payment.StaticGateway{DeclineOver: 1500})
	defer done()
	svc.SetPublisher(events.NewPublisher(client, "test:order-events", logger.New("test", io.Discard)))

	mock.ExpectBegin()
	mock.ExpectQuery(userSelect).WithArgs(int64(7)).WillReturnRows(userRows(repository.UserActive))
	mock.ExpectQuery(prodSelect).WithArgs(int64(1)).WillReturnRows(productRows(5))
	mock.ExpectExec(prodUpdate).WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(orderInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(itemsInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // terminal, pool
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // PAYMENT_DECLINED, pool

	draft := &OrderDraft{PaymentMethod: "CARD"}
	items := []*ItemRequest{{ProductID: 1, Quantity: 2, UnitPrice: 1000}}

	_, txnID, err := svc.CreateOrder(context.Background(), 7, draft, items, RequestMeta{})
	if apperrors.CodeOf(err) != apperrors.CodePaymentDeclined {
		t.Fatalf("expected PAYMENT_DECLINED, got %v", err)
	}

	entries, xerr := client.XRange(context.Background(), "test:order-events", "-", "+").Result()
	if xerr != nil {
		t.Fatalf("xrange: %v", xerr)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 terminal event for rolled-back saga, got %d", len(entries))
	}
	if entries[0].Values["type"] != events.EventSagaRolledBack {
		t.Fatalf("expected %s, got %v", events.EventSagaRolledBack, entries[0].Values["type"])
	}
	if entries[0].Values["txnId"] != txnID {
		t.Fatalf("expected event bound to %s, got %v", txnID, entries[0].Values["txnId"])
	}

	var event events.Event
	if err := json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &event); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	data, _ := event.Data.(map[string]interface{})
	if data["saga"] != "CREATE_ORDER" || data["code"] != string(apperrors.CodePaymentDeclined) {
		t.Fatalf("unexpected event data: %v", data)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateOrder_InactiveUserRejected(t *testing.T) {
	svc, mock, done := newTestService(t, &payment.StaticGateway{})
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(userSelect).WithArgs(int64(7)).WillReturnRows(userRows(repository.UserFrozen))
	mock.ExpectRollback()
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1))

	draft := &OrderDraft{PaymentMethod: "CARD"}
	items := []*ItemRequest{{ProductID: 1, Quantity: 1, UnitPrice: 1000}}

	_, _, err := svc.CreateOrder(context.Background(), 7, draft, items, RequestMeta{})
	if apperrors.CodeOf(err) != apperrors.CodeValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateOrder_RejectsInvalidInput(t *testing.T) {
	svc, _, done := newTestService(t, &payment.StaticGateway{})
	defer done()

	draft := &OrderDraft{PaymentMethod: "CARD"}

	if _, _, err := svc.CreateOrder(context.Background(), 0, draft, []*ItemRequest{{ProductID: 1, Quantity: 1}}, RequestMeta{}); err == nil {
		t.Fatal("expected error for missing user")
	}
	if _, _, err := svc.CreateOrder(context.Background(), 7, draft, nil, RequestMeta{}); err == nil {
		t.Fatal("expected error for empty items")
	}
	_, _, err := svc.CreateOrder(context.Background(), 7, draft,
		[]*ItemRequest{{ProductID: 1, Quantity: 0, UnitPrice: 1000}}, RequestMeta{})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidParam {
		t.Fatalf("expected INVALID_PARAM for zero quantity, got %v", err)
	}
}

func TestCancelOrder_RestoresStock(t *testing.T) {
	svc, mock, done := newTestService(t, &payment.StaticGateway{})
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(orderSelect).WithArgs(int64(100)).WillReturnRows(orderRows(repository.OrderPending))
	mock.ExpectExec(orderUpdate).
		WithArgs(int64(100), repository.OrderCancelled, "changed my mind", sqlmock.AnyArg(),
			repository.OrderPending, repository.OrderProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // ORDER_CANCELLED
	mock.ExpectQuery(itemsSelect).WithArgs(int64(100)).WillReturnRows(itemRows())
	mock.ExpectExec(prodUpdate).WithArgs(int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // STOCK_RELEASED
	mock.ExpectCommit()
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1)) // terminal, pool

	resp, _, err := svc.CancelOrder(context.Background(), 100, "changed my mind", 7, RequestMeta{})
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if resp.Order.Status != repository.OrderCancelled {
		t.Fatalf("expected CANCELLED, got %s", resp.Order.Status)
	}
	if resp.Order.CancellationReason != "changed my mind" {
		t.Fatalf("expected reason recorded, got %q", resp.Order.CancellationReason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCancelOrder_NotCancellableStatus(t *testing.T) {
	svc, mock, done := newTestService(t, &payment.StaticGateway{})
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(orderSelect).WithArgs(int64(100)).WillReturnRows(orderRows(repository.OrderShipped))
	mock.ExpectRollback()
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1))

	_, _, err := svc.CancelOrder(context.Background(), 100, "", 7, RequestMeta{})
	if apperrors.CodeOf(err) != apperrors.CodeOrderNotCancellable {
		t.Fatalf("expected ORDER_NOT_CANCELLABLE, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCancelOrder_NotFound(t *testing.T) {
	svc, mock, done := newTestService(t, &payment.StaticGateway{})
	defer done()

	emptyRows := sqlmock.NewRows([]string{
		"order_id", "user_id", "total_amount", "status", "shipping_address", "billing_address",
		"payment_method", "cancellation_reason", "cancelled_at_ms", "create_time_ms", "update_time_ms",
	})
	mock.ExpectBegin()
	mock.ExpectQuery(orderSelect).WithArgs(int64(999)).WillReturnRows(emptyRows)
	mock.ExpectRollback()
	mock.ExpectExec(auditInsert).WillReturnResult(sqlmock.NewResult(0, 1))

	_, _, err := svc.CancelOrder(context.Background(), 999, "", 7, RequestMeta{})
	if apperrors.CodeOf(err) != apperrors.CodeOrderNotFound {
		t.Fatalf("expected ORDER_NOT_FOUND, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetOrderWithHistory(t *testing.T) {
	svc, mock, done := newTestService(t, &payment.StaticGateway{})
	defer done()

	mock.ExpectQuery(orderSelect).WithArgs(int64(100)).WillReturnRows(orderRows(repository.OrderPending))
	mock.ExpectQuery(itemsSelect).WithArgs(int64(100)).WillReturnRows(itemRows())
	mock.ExpectQuery(`(?s)SELECT .+ FROM compareware\.audit_logs\s+WHERE entity_type = \$1 AND entity_id = \$2`).
		WithArgs(audit.EntityOrder, "100").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "transaction_id", "user_id", "action", "entity_type", "entity_id",
			"old_values", "new_values", "ip", "user_agent", "request_id",
			"operations_count", "start_time_ms", "end_time_ms", "duration_ms",
			"operations_detail", "status", "error_message", "created_at_ms",
		}).AddRow(1, "txn-1-abc", 7, audit.ActionOrderCreated, audit.EntityOrder, "100",
			"", "", "", "", "", 0, 0, 0, 0, "", audit.StatusSuccess, "", 1000))

	history, err := svc.GetOrderWithHistory(context.Background(), 100)
	if err != nil {
		t.Fatalf("get order with history: %v", err)
	}
	if history.Order.OrderID != 100 {
		t.Fatalf("expected order 100, got %d", history.Order.OrderID)
	}
	if len(history.Items) != 1 || history.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items: %+v", history.Items)
	}
	if len(history.History) != 1 || history.History[0].Action != audit.ActionOrderCreated {
		t.Fatalf("unexpected history: %+v", history.History)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
