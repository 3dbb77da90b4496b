package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/eventman/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// errorStatus はエラーコードとHTTPステータスの対応。
var errorStatus = map[string]int{
	model.ErrCodeEventNotFound:      http.StatusNotFound,
	model.ErrCodeUserNotFound:       http.StatusNotFound,
	model.ErrCodeValidation:         http.StatusBadRequest,
	model.ErrCodeInvalidRequest:     http.StatusBadRequest,
	model.ErrCodeUnauthorized:       http.StatusForbidden,
	model.ErrCodeUnauthenticated:    http.StatusUnauthorized,
	model.ErrCodeInvalidCredentials: http.StatusUnauthorized,
	model.ErrCodeAlreadyRegistered:  http.StatusConflict,
	model.ErrCodeEventFull:          http.StatusConflict,
	model.ErrCodeDuplicateUser:      http.StatusConflict,
	model.ErrCodeTransientStore:     http.StatusServiceUnavailable,
	model.ErrCodeRateLimitExceeded:  http.StatusTooManyRequests,
}

// StatusForCode はエラーコードに対応するHTTPステータスを返す。未定義のコードは500。
func StatusForCode(code string) int {
	if status, ok := errorStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はerrをAPIErrorとして書き込む。
// APIError以外のエラーはログに記録し、INTERNAL_ERRORとして返す。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := StatusForCode(apiErr.Code)
		if status == http.StatusInternalServerError {
			apiErr = model.NewInternalError()
		}
		WriteErrorResponse(w, status, apiErr)
		return
	}
	slog.Error("unexpected error", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
