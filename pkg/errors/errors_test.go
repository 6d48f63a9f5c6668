package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := Newf(CodeInsufficientStock, "product %d has %d in stock", 9, 1)
	if err.Error() != "[INSUFFICIENT_STOCK] product 9 has 1 in stock" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestRetryable(t *testing.T) {
	if !New(CodeConcurrencyConflict, "x").Retryable {
		t.Fatal("CONCURRENCY_CONFLICT must be retryable")
	}
	if !New(CodeTimeout, "x").Retryable {
		t.Fatal("TIMEOUT must be retryable")
	}
	if New(CodePaymentDeclined, "x").Retryable {
		t.Fatal("PAYMENT_DECLINED must not be retryable")
	}
	if New(CodeValidationFailed, "x").Retryable {
		t.Fatal("VALIDATION_FAILED must not be retryable")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != CodeOK {
		t.Fatal("nil error must map to OK")
	}
	if CodeOf(New(CodeOrderNotFound, "x")) != CodeOrderNotFound {
		t.Fatal("expected ORDER_NOT_FOUND")
	}
	wrapped := fmt.Errorf("outer: %w", New(CodePaymentDeclined, "declined"))
	if CodeOf(wrapped) != CodePaymentDeclined {
		t.Fatal("expected code extracted through wrapping")
	}
	if CodeOf(fmt.Errorf("plain")) != CodeInternal {
		t.Fatal("plain errors map to INTERNAL")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidParam:        http.StatusBadRequest,
		CodeInsufficientStock:   http.StatusBadRequest,
		CodeOrderNotCancellable: http.StatusBadRequest,
		CodeOrderNotFound:       http.StatusNotFound,
		CodeUserNotFound:        http.StatusNotFound,
		CodeConcurrencyConflict: http.StatusConflict,
		CodePaymentDeclined:     http.StatusPaymentRequired,
		CodeExternalService:     http.StatusBadGateway,
		CodePersistence:         http.StatusInternalServerError,
		CodeTimeout:             http.StatusGatewayTimeout,
	}
	for code, want := range cases {
		if got := New(code, "x").HTTPStatus(); got != want {
			t.Fatalf("code %s: expected %d, got %d", code, want, got)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(CodePersistence, nil) != nil {
		t.Fatal("wrapping nil must return nil")
	}
}

func TestAsError(t *testing.T) {
	be := AsError(fmt.Errorf("boom"), CodePersistence)
	if be.Code != CodePersistence {
		t.Fatalf("expected fallback code, got %s", be.Code)
	}
	original := New(CodeUserNotFound, "x")
	if AsError(fmt.Errorf("wrap: %w", original), CodeInternal) != original {
		t.Fatal("expected original business error extracted")
	}
}
