package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"github.com/ceedaragents/cyrus-edge-worker/internal/orchestrator/activityfeed"
)

const (
	activityWriteWait  = 10 * time.Second
	activityPongWait   = 60 * time.Second
	activityPingPeriod = (activityPongWait * 9) / 10
)

var activityUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// newActivityHandler upgrades to a WebSocket and streams every posted
// activity to the client (SPEC_FULL.md §6: local dev dashboard, observability
// only). There is no inbound protocol: anything the client sends is
// discarded, read only to detect disconnects and answer pings.
func newActivityHandler(hub *activityfeed.Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := activityUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug("activity ws upgrade failed", zap.Error(err))
			return
		}

		ch := hub.Register()
		go activityWritePump(conn, ch, log)
		activityReadPump(conn, hub, ch)
	}
}

// activityReadPump blocks until the client disconnects, discarding anything
// it sends; on return it unregisters the client so the write pump stops.
func activityReadPump(conn *websocket.Conn, hub *activityfeed.Hub, ch chan []byte) {
	defer hub.Unregister(ch)
	defer conn.Close()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(activityPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(activityPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func activityWritePump(conn *websocket.Conn, ch chan []byte, log *logger.Logger) {
	ticker := time.NewTicker(activityPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(activityWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("activity ws write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(activityWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
