package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPGateway_Charge(t *testing.T) {
	var received ChargeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/charge" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(&ChargeResult{Approved: true, PaymentID: "pay-1"})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, time.Second)
	result, err := g.Charge(context.Background(), &ChargeRequest{
		TransactionID: "txn-1-abc",
		OrderID:       100,
		UserID:        7,
		AmountCents:   2000,
		Method:        "CARD",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if !result.Approved || result.PaymentID != "pay-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if received.TransactionID != "txn-1-abc" || received.AmountCents != 2000 {
		t.Fatalf("unexpected forwarded request: %+v", received)
	}
}

func TestHTTPGateway_Decline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&ChargeResult{Approved: false, DeclineCode: "INSUFFICIENT_FUNDS"})
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, time.Second)
	result, err := g.Charge(context.Background(), &ChargeRequest{AmountCents: 2000})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Approved {
		t.Fatal("expected decline")
	}
	if result.DeclineCode != "INSUFFICIENT_FUNDS" {
		t.Fatalf("expected decline code, got %q", result.DeclineCode)
	}
}

func TestHTTPGateway_Non200IsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	g := NewHTTPGateway(server.URL, time.Second)
	if _, err := g.Charge(context.Background(), &ChargeRequest{}); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestStaticGateway(t *testing.T) {
	g := &StaticGateway{DeclineOver: 1500}

	result, err := g.Charge(context.Background(), &ChargeRequest{TransactionID: "txn-1-abc", AmountCents: 1000})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if !result.Approved || result.PaymentID != "pay-txn-1-abc" {
		t.Fatalf("unexpected result: %+v", result)
	}

	result, err = g.Charge(context.Background(), &ChargeRequest{AmountCents: 2000})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Approved || result.DeclineCode != "AMOUNT_LIMIT" {
		t.Fatalf("expected AMOUNT_LIMIT decline, got %+v", result)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Charge(ctx, &ChargeRequest{}); err == nil {
		t.Fatal("expected context error")
	}
}
