package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/cash-terminal/internal/models"
	"github.com/wfunc/cash-terminal/internal/repository"
	"github.com/wfunc/cash-terminal/internal/websocket"
)

// StatusHandler 设备状态处理器
type StatusHandler struct {
	repo repository.DeviceStatusRepository
	hub  *websocket.Hub
}

// NewStatusHandler 创建状态处理器
func NewStatusHandler(repo repository.DeviceStatusRepository, hub *websocket.Hub) *StatusHandler {
	return &StatusHandler{repo: repo, hub: hub}
}

// StatusResponse 终端状态响应
type StatusResponse struct {
	Devices     []*models.DeviceStatus `json:"devices"`
	Subscribers int                    `json:"subscribers"` // 当前事件推送连接数
}

// GetStatus 查询全部设备状态
// @Summary 终端状态
// @Description 每台设备的驱动、模式、存活与最近心跳
// @Tags Status
// @Produce json
// @Security Bearer
// @Success 200 {object} StatusResponse
// @Router /api/v1/status [get]
func (h *StatusHandler) GetStatus(c *gin.Context) {
	devices, err := h.repo.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code: "QUERY_FAILED", Message: err.Error(),
		})
		return
	}

	resp := StatusResponse{Devices: devices}
	if h.hub != nil {
		resp.Subscribers = h.hub.GetOnlineCount()
	}
	c.JSON(http.StatusOK, resp)
}
