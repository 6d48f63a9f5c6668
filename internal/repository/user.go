package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrUserNotFound = errors.New("user not found")

// User 下单用户视图（账号体系由 user 服务维护）
type User struct {
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Status int    `json:"status"` // 1=ACTIVE, 2=FROZEN
}

// 用户状态
const (
	UserActive = 1
	UserFrozen = 2
)

// UserRepository 用户仓储
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository 创建仓储
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `user_id, email, name, status`

// FindByID 读取用户（连接池）
func (r *UserRepository) FindByID(ctx context.Context, userID int64) (*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM compareware.users
		WHERE user_id = $1
	`
	return scanUser(r.db.QueryRowContext(ctx, query, userID))
}

// FindByIDTx 在事务内读取用户（下单校验步骤）
func (r *UserRepository) FindByIDTx(ctx context.Context, tx *sql.Tx, userID int64) (*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM compareware.users
		WHERE user_id = $1
	`
	return scanUser(tx.QueryRowContext(ctx, query, userID))
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.UserID, &u.Email, &u.Name, &u.Status)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
