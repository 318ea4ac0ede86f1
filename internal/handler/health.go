package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/escrow-backend/internal/repository"
)

type HealthHandler struct {
	db  *repository.PostgresDB
	rdb *repository.RedisClient
}

func NewHealthHandler(db *repository.PostgresDB, rdb *repository.RedisClient) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb}
}

// Health reports liveness plus dependency reachability.
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}

	if h.db != nil {
		if err := h.db.Ping(c.Request.Context()); err != nil {
			checks["database"] = "down: " + err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "up"
		}
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(c.Request.Context()); err != nil {
			checks["redis"] = "down: " + err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["redis"] = "up"
		}
	}

	c.JSON(status, gin.H{
		"status": map[int]string{http.StatusOK: "healthy", http.StatusServiceUnavailable: "degraded"}[status],
		"time":   time.Now().UTC().Format(time.RFC3339),
		"checks": checks,
	})
}
