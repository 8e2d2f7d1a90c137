package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/wfunc/cash-terminal/internal/middleware"
	"github.com/wfunc/cash-terminal/internal/websocket"
	"go.uber.org/zap"
)

// WSHandler 事件推送接入处理器
type WSHandler struct {
	hub      *websocket.Hub
	upgrader gorilla.Upgrader
	log      *zap.Logger
}

// NewWSHandler 创建WebSocket处理器
func NewWSHandler(hub *websocket.Hub, log *zap.Logger) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 终端界面与API同机部署
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve 升级连接并接入事件推送
// @Summary 事件推送
// @Description 升级为WebSocket，接收协调器业务事件流
// @Tags Status
// @Security Bearer
// @Router /ws [get]
func (h *WSHandler) Serve(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code: "WS_DISABLED", Message: "事件推送未启用",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket升级失败", zap.Error(err))
		return
	}

	operator, _ := middleware.GetUsername(c)
	client := websocket.NewClient(h.hub, conn, operator)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
