package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/eventman/internal/model"
)

func testRateLimiterConfig(generalBurst, registrationBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:       1,
		GeneralBurst:      generalBurst,
		RegistrationRate:  1,
		RegistrationBurst: registrationBurst,
		CleanupInterval:   time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// requestAs はユーザーIDをコンテキストに持つリクエストを生成する。
func requestAs(method, path, userID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req = req.WithContext(ContextWithUserID(req.Context(), userID))
	}
	return req
}

// --- GeneralMiddleware のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/events", "user-1"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if calls != 5 {
		t.Errorf("handler call count = %d, want 5", calls)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(2, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/events", "user-rl"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/events", "user-rl"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want positive integer", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimitExceeded)
	}
	if body.Category != "system" || body.Action == "" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestRateLimitMiddleware_IsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, requestAs(http.MethodGet, "/api/events", "user-A"))
	wA2 := httptest.NewRecorder()
	handler.ServeHTTP(wA2, requestAs(http.MethodGet, "/api/events", "user-A"))
	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, requestAs(http.MethodGet, "/api/events", "user-B"))

	if wA.Code != http.StatusOK || wA2.Code != http.StatusTooManyRequests {
		t.Errorf("user-A statuses = %d/%d, want 200/429", wA.Code, wA2.Code)
	}
	if wB.Code != http.StatusOK {
		t.Errorf("user-B status = %d, want 200", wB.Code)
	}
}

// TestRateLimitMiddleware_AnonymousKeyedByIP は未認証リクエストがクライアントIPごとに制限されることを検証する。
func TestRateLimitMiddleware_AnonymousKeyedByIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	send := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if got := send("10.0.0.1:1111"); got != http.StatusOK {
		t.Errorf("first = %d, want 200", got)
	}
	// ポートが異なっても同じIPは同一キー
	if got := send("10.0.0.1:2222"); got != http.StatusTooManyRequests {
		t.Errorf("second = %d, want 429", got)
	}
	if got := send("10.0.0.2:1111"); got != http.StatusOK {
		t.Errorf("other IP = %d, want 200", got)
	}
}

// --- RegistrationMiddleware のテスト ---

func TestRegistrationRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(100, 1))
	defer rl.Stop()

	handler := rl.RegistrationMiddleware()(okHandler())

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, requestAs(http.MethodPost, "/api/events/e1/register", "user-reg"))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, requestAs(http.MethodPost, "/api/events/e2/register", "user-reg"))

	if w1.Code != http.StatusOK {
		t.Errorf("first = %d, want 200", w1.Code)
	}
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second = %d, want 429", w2.Code)
	}
}

func TestRegistrationRateLimit_NoUser_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(100, 1))
	defer rl.Stop()

	w := httptest.NewRecorder()
	rl.RegistrationMiddleware()(okHandler()).ServeHTTP(w, requestAs(http.MethodPost, "/api/events/e1/register", ""))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// TestRegistrationRateLimit_IndependentFromGeneral は2種類の制限が独立していることを検証する。
func TestRegistrationRateLimit_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	general.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/events", "user-indep"))

	w := httptest.NewRecorder()
	rl.RegistrationMiddleware()(okHandler()).ServeHTTP(w, requestAs(http.MethodPost, "/api/events/e1/register", "user-indep"))
	if w.Code != http.StatusOK {
		t.Errorf("registration should still be allowed: status = %d", w.Code)
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 5))
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/events", "user-cleanup"))
	rl.RegistrationMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodPost, "/api/events/e1/register", "user-cleanup"))

	if rl.GeneralLimiterCount() != 1 || rl.RegistrationLimiterCount() != 1 {
		t.Fatalf("counts = %d/%d, want 1/1", rl.GeneralLimiterCount(), rl.RegistrationLimiterCount())
	}

	// TTL（間隔の2倍）以内なら残る
	rl.cleanup(time.Now().Add(time.Minute))
	if rl.GeneralLimiterCount() != 1 {
		t.Errorf("TTL内のエントリは削除されない: %d", rl.GeneralLimiterCount())
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 || rl.RegistrationLimiterCount() != 0 {
		t.Errorf("counts after cleanup = %d/%d, want 0/0", rl.GeneralLimiterCount(), rl.RegistrationLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.RegistrationBurst != 10 {
		t.Errorf("RegistrationBurst = %d, want 10", cfg.RegistrationBurst)
	}
	if float64(cfg.GeneralRate) != 2 {
		t.Errorf("GeneralRate = %v, want 2", cfg.GeneralRate)
	}
	if cfg.CleanupInterval <= 0 {
		t.Error("CleanupInterval should be positive")
	}
}
