// Package auth はアカウント登録、ログイン、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/eventman/internal/model"
	"github.com/hitoshi/eventman/internal/repository"
)

// 入力値の長さ制限
const (
	MinUsernameLength = 3
	MaxUsernameLength = 64 // users.username VARCHAR(64)
	MinPasswordLength = 6
	MaxPasswordBytes  = 72 // bcryptが扱える上限
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	BcryptCost    int // 0の場合はbcrypt.DefaultCost
}

// RegisterInput はアカウント登録の入力値。
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Role     string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		config:      config,
		now:         time.Now,
	}
}

// Register はアカウントを作成し、ログイン済みセッションを発行する。
// ユーザー名はトリム後3〜64文字、メールアドレスはトリムして小文字化、パスワードは6文字以上かつ72バイト以下。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, *model.Session, error) {
	username := strings.TrimSpace(in.Username)
	email := normalizeEmail(in.Email)

	switch n := utf8.RuneCountInString(username); {
	case n < MinUsernameLength:
		return nil, nil, model.NewValidationError("username", fmt.Sprintf("%d文字以上で入力してください", MinUsernameLength))
	case n > MaxUsernameLength:
		return nil, nil, model.NewValidationError("username", fmt.Sprintf("%d文字以内で入力してください", MaxUsernameLength))
	}
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, nil, model.NewValidationError("email", "メールアドレスの形式が正しくありません")
	}
	if utf8.RuneCountInString(in.Password) < MinPasswordLength {
		return nil, nil, model.NewValidationError("password", fmt.Sprintf("%d文字以上で入力してください", MinPasswordLength))
	}
	if len(in.Password) > MaxPasswordBytes {
		return nil, nil, model.NewValidationError("password", fmt.Sprintf("%dバイト以内で入力してください", MaxPasswordBytes))
	}

	role := model.RoleUser
	if in.Role != "" {
		role = model.Role(in.Role)
		if !role.Valid() {
			return nil, nil, model.NewValidationError("role", "user または organizer を指定してください")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.config.BcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateUser) {
			return nil, nil, model.NewDuplicateUserError()
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("new user registered",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	return user, session, nil
}

// Login はメールアドレスとパスワードを照合し、セッションを発行する。
// ユーザー不在とパスワード不一致は区別せずINVALID_CREDENTIALSを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, *model.Session, error) {
	user, err := s.userRepo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil, model.NewInvalidCredentialsError()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, nil, model.NewInvalidCredentialsError()
	}

	session, err := s.createSession(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return user, session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return model.NewUnauthenticatedError()
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// Identify はセッショントークンから呼び出し元の(userID, role)を解決する。
// トークンが空・不明・期限切れ、またはユーザーが存在しない場合はUNAUTHENTICATEDを返す。
func (s *Service) Identify(ctx context.Context, sessionID string) (*model.Identity, error) {
	user, err := s.GetCurrentUser(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &model.Identity{UserID: user.ID, Role: user.Role}, nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, model.NewUnauthenticatedError()
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewUnauthenticatedError()
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUnauthenticatedError()
	}

	return user, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
