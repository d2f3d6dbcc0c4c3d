package rest

import (
	"net/http"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/interfaces"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	if s.opts.Lifecycle != nil {
		c.JSON(http.StatusOK, s.opts.Lifecycle.GetCurrentStatus())
		return
	}

	// ohne Lifecycle nur der Stand des AddressSpace
	c.JSON(http.StatusOK, interfaces.SystemStatus{
		State:     "UNKNOWN",
		Revision:  s.opts.Space.Revision(),
		Timestamp: time.Now().Unix(),
	})
}
