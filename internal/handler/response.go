package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/eventman/internal/middleware"
	"github.com/hitoshi/eventman/internal/model"
)

// maxRequestBody はJSONリクエストボディの上限サイズ。
const maxRequestBody = 1 << 20

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvにデコードする。解析に失敗した場合はINVALID_REQUESTを返す。
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		slog.Debug("failed to decode request body", slog.String("error", err.Error()))
		return model.NewInvalidRequestError()
	}
	return nil
}

// handleServiceError はサービス層から返されたエラーを統一フォーマットで書き込む。
func handleServiceError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

// identityOrUnauthenticated はコンテキストから呼び出し元を取得する。
// 取得できない場合は401を書き込みfalseを返す。
func identityOrUnauthenticated(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return model.Identity{}, false
	}
	return identity, true
}
