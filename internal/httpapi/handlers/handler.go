package handlers

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/csv-ingest/internal/common"
	"github.com/suPer8Hu/csv-ingest/internal/config"
	"github.com/suPer8Hu/csv-ingest/internal/ingest"
)

type Handler struct {
	Cfg       config.Config
	IngestSvc *ingest.Service
	Logger    *slog.Logger
}

func NewHandler(svc *ingest.Service, cfg config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Cfg: cfg, IngestSvc: svc, Logger: logger}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
