package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/crewjobs/internal/common"
	"github.com/suPer8Hu/crewjobs/internal/config"
	"github.com/suPer8Hu/crewjobs/internal/jobs"
)

type Handler struct {
	Jobs   *jobs.Service
	Cfg    config.Config
	Logger *slog.Logger
}

func NewHandler(svc *jobs.Service, cfg config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Jobs: svc, Cfg: cfg, Logger: logger.With("component", "http")}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, http.StatusOK, gin.H{
		"status":      "healthy",
		"service":     "crewjobs",
		"environment": h.Cfg.Environment,
		"time":        time.Now().UTC(),
	})
}
