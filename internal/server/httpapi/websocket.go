package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/polunzh/aiva/internal/orchestrator/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// upgrader accepts connections from any origin: aivad is a local control
// plane, not exposed to arbitrary browser origins, and API key / CIDR
// middleware (see httpapi.go) already gate access before the upgrade.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and relays lifecycle events as they
// are published on the bus, one JSON text frame per event.
func (a *apiServer) streamEvents(c *gin.Context) {
	if a.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not configured"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan any, 16)
	unsubscribe, err := a.bus.Subscribe(events.TopicVMEvents, ch)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer unsubscribe()

	a.pumpJSON(conn, ch)
}

// followLogs upgrades to a websocket and streams each new log line as its
// own text frame, using engine.LogsFollow's writer contract.
func (a *apiServer) followLogs(c *gin.Context, name string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("log follow upgrade failed", "name", name, "error", err)
		return
	}
	defer conn.Close()

	w := &wsLineWriter{conn: conn}
	if err := a.engine.LogsFollow(c.Request.Context(), name, w); err != nil {
		a.logger.Warn("log follow ended", "name", name, "error", err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, err.Error()))
	}
}

// pumpJSON writes each payload from ch as a JSON text frame until the
// client disconnects, the channel closes, or the request context ends,
// sending periodic pings so idle connections through NAT/proxies survive.
func (a *apiServer) pumpJSON(conn *websocket.Conn, ch <-chan any) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsLineWriter adapts engine.LogsFollow's WriteLine contract to a
// websocket text frame per line.
type wsLineWriter struct {
	conn *websocket.Conn
}

func (w *wsLineWriter) WriteLine(line string) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, []byte(line))
}
