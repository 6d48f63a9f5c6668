package main

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/Huitrn/Compareware-sub002/internal/audit"
	"github.com/Huitrn/Compareware-sub002/internal/dal"
	"github.com/Huitrn/Compareware-sub002/internal/metrics"
	"github.com/Huitrn/Compareware-sub002/internal/service"
	"github.com/Huitrn/Compareware-sub002/internal/txn"
	apperrors "github.com/Huitrn/Compareware-sub002/pkg/errors"
	"github.com/Huitrn/Compareware-sub002/pkg/health"
	"github.com/Huitrn/Compareware-sub002/pkg/logger"
	"github.com/Huitrn/Compareware-sub002/pkg/response"
)

type api struct {
	svc           *service.OrderService
	auditing      *audit.Store
	manager       *txn.Manager
	admin         *dal.DAL
	metrics       *metrics.Metrics
	health        *health.Health
	log           *logger.Logger
	retentionDays int
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/orders", a.handleCreateOrder)
	mux.HandleFunc("PUT /v1/orders/{id}/cancel", a.handleCancelOrder)
	mux.HandleFunc("GET /v1/orders/{id}/history", a.handleOrderHistory)

	mux.HandleFunc("GET /v1/audit/transaction/{id}", a.handleAuditByTransaction)
	mux.HandleFunc("GET /v1/audit/user/{id}", a.handleAuditByUser)
	mux.HandleFunc("GET /v1/audit/entity/{type}/{id}", a.handleAuditByEntity)
	mux.HandleFunc("GET /v1/audit/action/{action}", a.handleAuditByAction)
	mux.HandleFunc("GET /v1/audit/failed", a.handleAuditFailed)
	mux.HandleFunc("GET /v1/audit/stats", a.handleAuditStats)
	mux.HandleFunc("DELETE /v1/audit/cleanup", a.handleAuditCleanup)

	mux.HandleFunc("GET /v1/transactions/active", a.handleActiveTransactions)

	mux.HandleFunc("GET /v1/admin/{table}", a.handleAdminList)
	mux.HandleFunc("GET /v1/admin/{table}/{id}", a.handleAdminGet)

	mux.HandleFunc("GET /health", a.health.LiveHandler())
	mux.HandleFunc("GET /ready", a.health.ReadyHandler())
	mux.Handle("GET /metrics", a.metrics.Handler())

	return mux
}

// sagaErrorBody 错误响应体。saga 已启动时附带事务 ID，便于按审计日志排障。
type sagaErrorBody struct {
	Code          apperrors.Code `json:"code"`
	Message       string         `json:"message"`
	Retryable     bool           `json:"retryable"`
	TransactionID string         `json:"transactionId,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
}

func (a *api) writeSagaError(w http.ResponseWriter, r *http.Request, txnID string, err error) {
	be := apperrors.AsError(err, apperrors.CodeInternal)
	response.WriteJSON(w, be.HTTPStatus(), &sagaErrorBody{
		Code:          be.Code,
		Message:       be.Message,
		Retryable:     be.Retryable,
		TransactionID: txnID,
		RequestID:     response.RequestIDFromRequest(r),
	})
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: response.RequestIDFromRequest(r),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// createOrderRequest 下单请求
type createOrderRequest struct {
	UserID          int64                  `json:"userId"`
	ShippingAddress string                 `json:"shippingAddress"`
	BillingAddress  string                 `json:"billingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	TotalAmount     int64                  `json:"totalAmount"`
	Items           []*service.ItemRequest `json:"items"`
}

func (a *api) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}

	draft := &service.OrderDraft{
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		PaymentMethod:   req.PaymentMethod,
		TotalAmount:     req.TotalAmount,
	}
	resp, txnID, err := a.svc.CreateOrder(r.Context(), req.UserID, draft, req.Items, requestMeta(r))
	if err != nil {
		a.writeSagaError(w, r, txnID, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, resp)
}

// cancelOrderRequest 取消请求
type cancelOrderRequest struct {
	UserID int64  `json:"userId"`
	Reason string `json:"reason"`
}

func (a *api) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req cancelOrderRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.WriteErrorCode(w, r, apperrors.CodeInvalidRequest, "invalid JSON body: "+err.Error())
			return
		}
	}

	resp, txnID, err := a.svc.CancelOrder(r.Context(), orderID, req.Reason, req.UserID, requestMeta(r))
	if err != nil {
		a.writeSagaError(w, r, txnID, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, resp)
}

func (a *api) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	history, err := a.svc.GetOrderWithHistory(r.Context(), orderID)
	if err != nil {
		response.WriteError(w, r, apperrors.AsError(err, apperrors.CodeInternal))
		return
	}
	response.WriteJSON(w, http.StatusOK, history)
}

func (a *api) handleAuditByTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("id")
	if txnID == "" {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "transaction id required")
		return
	}
	entries, err := a.auditing.FindByTransaction(r.Context(), txnID)
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodePersistence, err))
		return
	}
	response.WriteJSON(w, http.StatusOK, entries)
}

func (a *api) handleAuditByUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	page, limit := pagination(r)
	entries, err := a.auditing.FindByUser(r.Context(), userID, page, limit)
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodePersistence, err))
		return
	}
	response.WriteJSON(w, http.StatusOK, entries)
}

func (a *api) handleAuditByEntity(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("type")
	entityID := r.PathValue("id")
	if entityType == "" || entityID == "" {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "entity type and id required")
		return
	}
	entries, err := a.auditing.FindByEntity(r.Context(), strings.ToUpper(entityType), entityID)
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodePersistence, err))
		return
	}
	response.WriteJSON(w, http.StatusOK, entries)
}

func (a *api) handleAuditByAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	if action == "" {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "action required")
		return
	}
	fromMs, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	toMs, _ := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	page, limit := pagination(r)

	entries, err := a.auditing.FindByAction(r.Context(), strings.ToUpper(action), fromMs, toMs, page, limit)
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodePersistence, err))
		return
	}
	response.WriteJSON(w, http.StatusOK, entries)
}

func (a *api) handleAuditFailed(w http.ResponseWriter, r *http.Request) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	if hours <= 0 {
		hours = 24
	}
	entries, err := a.auditing.FindFailed(r.Context(), hours)
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodePersistence, err))
		return
	}
	response.WriteJSON(w, http.StatusOK, entries)
}

func (a *api) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 7
	}
	stats, err := a.auditing.Stats(r.Context(), days)
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodePersistence, err))
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"windowDays": days,
		"stats":      stats,
	})
}

func (a *api) handleAuditCleanup(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = a.retentionDays
	}
	deleted, err := a.auditing.Purge(r.Context(), days)
	if err != nil {
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodePersistence, err))
		return
	}
	a.metrics.AddAuditPurged(deleted)
	a.log.Infof("audit cleanup requested", map[string]interface{}{
		"deleted":       deleted,
		"olderThanDays": days,
	})
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":       deleted,
		"olderThanDays": days,
	})
}

func (a *api) handleActiveTransactions(w http.ResponseWriter, r *http.Request) {
	active := a.manager.ActiveTransactions()
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(active),
		"transactions": active,
	})
}

// 表名到主键列的映射，与 DAL 表白名单一致
var adminIDColumns = map[string]string{
	"products":    "product_id",
	"users":       "user_id",
	"orders":      "order_id",
	"order_items": "order_id",
}

func (a *api) handleAdminList(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	rows, err := a.admin.FindAll(r.Context(), nil, table, limit, offset)
	if err != nil {
		a.writeAdminError(w, r, err)
		return
	}
	total, err := a.admin.Count(r.Context(), nil, table)
	if err != nil {
		a.writeAdminError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"total": total,
		"rows":  rows,
	})
}

func (a *api) handleAdminGet(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	id := r.PathValue("id")
	idColumn, ok := adminIDColumns[table]
	if !ok {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "unknown table: "+table)
		return
	}

	row, err := a.admin.FindByID(r.Context(), nil, table, idColumn, id)
	if err != nil {
		a.writeAdminError(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, row)
}

func (a *api) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dal.ErrTableNotAllowed), errors.Is(err, dal.ErrBadIdentifier):
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, err.Error())
	case errors.Is(err, dal.ErrRowNotFound):
		response.WriteErrorCode(w, r, apperrors.CodeNotFound, err.Error())
	default:
		response.WriteError(w, r, apperrors.Wrap(apperrors.CodePersistence, err))
	}
}

func pathID(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(key), 10, 64)
	if err != nil || id <= 0 {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, key+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func pagination(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return page, limit
}
