package notify

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWakeBody = 64 << 10

// Register mounts POST /wake on r.
func (a *Adapter) Register(r gin.IRouter) {
	r.POST("/wake", a.handleWake)
}

func (a *Adapter) handleWake(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWakeBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := a.Deliver(data); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrNotForUs) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}
