package model

import "time"

// Role はユーザーの役割を表す。
type Role string

const (
	// RoleUser は一般参加者。
	RoleUser Role = "user"
	// RoleOrganizer はイベント主催者。
	RoleOrganizer Role = "organizer"
)

// Valid は定義済みの役割かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleOrganizer
}

// User はサービス利用ユーザーを表す。
// パスワードはbcryptハッシュとしてのみ保持し、平文は保存しない。
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session はユーザーのログインセッションを表す。
// IDはBearerトークンとしてクライアントに渡される。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Identity は認証済みリクエストの呼び出し元を表す。
type Identity struct {
	UserID string
	Role   Role
}
