package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/hitoshi/eventman/internal/model"
)

// writeTimeout は1フレームの送信にかける上限時間。
const writeTimeout = 10 * time.Second

// frame はクライアントへ送信するメッセージ。
type frame struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
	Count   int    `json:"count"`
}

// NewWebSocketHandler は登録者数の変更をプッシュするWebSocketハンドラーを生成する。
// allowedOriginはカンマ区切りで複数指定でき、空または"*"の場合はOriginを検査しない。
func NewWebSocketHandler(hub *Hub, allowedOrigin string) http.Handler {
	return websocket.Server{
		Handshake: func(config *websocket.Config, r *http.Request) error {
			return checkOrigin(config, r, allowedOrigin)
		},
		Handler: func(conn *websocket.Conn) {
			serveConn(conn, hub)
		},
	}
}

func checkOrigin(config *websocket.Config, r *http.Request, allowedOrigin string) error {
	origin, err := websocket.Origin(config, r)
	if err != nil {
		return err
	}
	config.Origin = origin
	if allowedOrigin == "" || allowedOrigin == "*" {
		return nil
	}
	if origin == nil {
		return fmt.Errorf("origin not allowed: %v", origin)
	}
	got := origin.Scheme + "://" + origin.Host
	for _, o := range strings.Split(allowedOrigin, ",") {
		if strings.TrimRight(strings.TrimSpace(o), "/") == got {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", got)
}

// serveConn は購読を登録し、切断されるまで変更を送信し続ける。
// クライアントからの受信内容は読み捨て、読み取りエラーを切断として扱う。
func serveConn(conn *websocket.Conn, hub *Hub) {
	defer conn.Close()

	sub := hub.Subscribe()
	defer sub.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_, _ = io.Copy(io.Discard, conn)
	}()

	enc := json.NewEncoder(conn)
	for {
		select {
		case <-closed:
			return
		case change, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeFrame(conn, enc, change); err != nil {
				slog.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, enc *json.Encoder, change model.RosterChange) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return enc.Encode(frame{
		Type:    model.RosterChangedTopic,
		EventID: change.EventID,
		Count:   change.Count,
	})
}
