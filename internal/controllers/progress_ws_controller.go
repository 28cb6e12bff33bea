package controllers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mangaforge/mangaforge/internal/progresshub"
	"github.com/mangaforge/mangaforge/internal/services"
	"github.com/mangaforge/mangaforge/pkg/domain"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

type progressWSController struct {
	hub    *progresshub.Hub
	tasks  services.TaskService
	logger *slog.Logger

	upgrader websocket.Upgrader
}

func NewProgressWSController(hub *progresshub.Hub, tasks services.TaskService, logger *slog.Logger) *progressWSController {
	return &progressWSController{
		hub:    hub,
		tasks:  tasks,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleTask streams one task's progress. Closed tasks get their last known
// status as a single snapshot before the stream ends.
func (h *progressWSController) HandleTask(c *gin.Context) {
	taskID := c.Param("id")
	status, err := h.tasks.Status(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	// The snapshot lets late subscribers catch up before live events.
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(status); err != nil {
		_ = conn.Close()
		return
	}
	if status.Status.Terminal() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	events, cancel := h.hub.SubscribeTask(taskID)
	h.pump(conn, events, cancel, true)
}

// HandleUser streams progress for every task a user owns. The stream stays
// open across tasks until the client disconnects.
func (h *progressWSController) HandleUser(c *gin.Context) {
	uid := c.Param("id")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	events, cancel := h.hub.SubscribeUser(uid)
	h.pump(conn, events, cancel, false)
}

// pump forwards hub events to the socket until the stream or the client
// goes away. With closeOnTerminal set, a terminal event ends the stream.
func (h *progressWSController) pump(conn *websocket.Conn, events <-chan domain.ProgressEvent, cancel func(), closeOnTerminal bool) {
	defer cancel()
	defer conn.Close()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if closeOnTerminal && ev.Kind.Terminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				return
			}
		}
	}
}
