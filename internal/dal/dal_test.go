package dal

import (
	"context"
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Huitrn/Compareware-sub002/pkg/logger"
)

func newTestDAL(t *testing.T, validator Validator) (*DAL, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	log := logger.New("test", io.Discard)
	d := New(db, log, validator, "compareware", []string{"products", "users"})
	return d, mock, func() { db.Close() }
}

func TestDAL_CreateOrdersColumnsDeterministically(t *testing.T) {
	d, mock, done := newTestDAL(t, nil)
	defer done()

	// 列按字典序绑定：name, price_cents, product_id
	query := regexp.QuoteMeta(`INSERT INTO compareware.products (name, price_cents, product_id) VALUES ($1, $2, $3)`)
	mock.ExpectExec(query).
		WithArgs("P1", int64(1000), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows, err := d.Create(context.Background(), nil, "products", map[string]interface{}{
		"product_id":  int64(1),
		"name":        "P1",
		"price_cents": int64(1000),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 row, got %d", rows)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDAL_RejectsUnknownTable(t *testing.T) {
	d, _, done := newTestDAL(t, nil)
	defer done()

	_, err := d.Create(context.Background(), nil, "audit_logs", map[string]interface{}{"id": 1})
	if !errors.Is(err, ErrTableNotAllowed) {
		t.Fatalf("expected ErrTableNotAllowed, got %v", err)
	}
	_, err = d.FindByID(context.Background(), nil, "pg_catalog", "oid", 1)
	if !errors.Is(err, ErrTableNotAllowed) {
		t.Fatalf("expected ErrTableNotAllowed, got %v", err)
	}
}

func TestDAL_RejectsBadIdentifiers(t *testing.T) {
	d, _, done := newTestDAL(t, nil)
	defer done()

	_, err := d.FindByID(context.Background(), nil, "products", "id; DROP TABLE x", 1)
	if !errors.Is(err, ErrBadIdentifier) {
		t.Fatalf("expected ErrBadIdentifier for id column, got %v", err)
	}
	_, err = d.Create(context.Background(), nil, "products", map[string]interface{}{
		"name) VALUES ('x'); --": "boom",
	})
	if !errors.Is(err, ErrBadIdentifier) {
		t.Fatalf("expected ErrBadIdentifier for column name, got %v", err)
	}
}

func TestDAL_ValidatorRejects(t *testing.T) {
	d, _, done := newTestDAL(t, NewDisallowValidator(ModeReject))
	defer done()

	_, err := d.Create(context.Background(), nil, "products", map[string]interface{}{
		"name": "P1; DROP TABLE products",
	})
	if err == nil {
		t.Fatal("expected validator to reject disallowed sequence")
	}
}

func TestDAL_FindByID(t *testing.T) {
	d, mock, done := newTestDAL(t, nil)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM compareware.products WHERE product_id = $1`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "name", "stock_quantity"}).
			AddRow(1, []byte("P1"), 5))

	row, err := d.FindByID(context.Background(), nil, "products", "product_id", int64(1))
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if row["name"] != "P1" {
		t.Fatalf("expected []byte converted to string, got %v (%T)", row["name"], row["name"])
	}
}

func TestDAL_FindByIDNotFound(t *testing.T) {
	d, mock, done := newTestDAL(t, nil)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM compareware.products WHERE product_id = $1`)).
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows([]string{"product_id"}))

	_, err := d.FindByID(context.Background(), nil, "products", "product_id", int64(999))
	if !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound, got %v", err)
	}
}

func TestDAL_UpdateAndDelete(t *testing.T) {
	d, mock, done := newTestDAL(t, nil)
	defer done()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE compareware.products SET name = $1 WHERE product_id = $2`)).
		WithArgs("P2", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM compareware.products WHERE product_id = $1`)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows, err := d.Update(context.Background(), nil, "products", "product_id", int64(1),
		map[string]interface{}{"name": "P2"})
	if err != nil || rows != 1 {
		t.Fatalf("update: rows=%d err=%v", rows, err)
	}
	rows, err = d.Delete(context.Background(), nil, "products", "product_id", int64(1))
	if err != nil || rows != 1 {
		t.Fatalf("delete: rows=%d err=%v", rows, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDAL_FindAllAndCount(t *testing.T) {
	d, mock, done := newTestDAL(t, nil)
	defer done()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM compareware.products LIMIT 2 OFFSET 0`)).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "name"}).
			AddRow(1, "P1").AddRow(2, "P2"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM compareware.products`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	rows, err := d.FindAll(context.Background(), nil, "products", 2, 0)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(rows) != 2 || rows[0]["name"] != "P1" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	count, err := d.Count(context.Background(), nil, "products")
	if err != nil || count != 7 {
		t.Fatalf("count: n=%d err=%v", count, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDAL_FindAllAndCountInTransaction(t *testing.T) {
	d, mock, done := newTestDAL(t, nil)
	defer done()
	db := d.db

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM compareware.products LIMIT 100 OFFSET 0`)).
		WillReturnRows(sqlmock.NewRows([]string{"product_id"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM compareware.products`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := d.FindAll(context.Background(), tx, "products", 0, 0); err != nil {
		t.Fatalf("find all in tx: %v", err)
	}
	if _, err := d.Count(context.Background(), tx, "products"); err != nil {
		t.Fatalf("count in tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDisallowValidator_RejectMode(t *testing.T) {
	v := NewDisallowValidator(ModeReject)
	_, err := v.Validate(map[string]interface{}{"q": "1; DROP TABLE users"})
	if err == nil {
		t.Fatal("expected rejection")
	}
	out, err := v.Validate(map[string]interface{}{"q": "harmless", "n": int64(3)})
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if out["q"] != "harmless" || out["n"] != int64(3) {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestDisallowValidator_SanitizeModeReturnsCopy(t *testing.T) {
	v := NewDisallowValidator(ModeSanitize)
	in := map[string]interface{}{"comment": "nice product -- DROP it"}

	out, err := v.Validate(in)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	cleaned, _ := out["comment"].(string)
	if cleaned == in["comment"] {
		t.Fatal("expected disallowed sequence removed")
	}
	// 纯函数：入参不被修改
	if in["comment"] != "nice product -- DROP it" {
		t.Fatal("validator mutated input map")
	}
}

func TestRemoveFoldCaseInsensitive(t *testing.T) {
	if got := removeFold("a--B--c", "--"); got != "aBc" {
		t.Fatalf("expected aBc, got %q", got)
	}
	if got := removeFold("1xP_2XP_3", "xp_"); got != "123" {
		t.Fatalf("expected 123, got %q", got)
	}
	if got := removeFold("clean", "--"); got != "clean" {
		t.Fatalf("expected clean untouched, got %q", got)
	}
}
