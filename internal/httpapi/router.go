package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/csv-ingest/internal/common"
	"github.com/suPer8Hu/csv-ingest/internal/config"
	"github.com/suPer8Hu/csv-ingest/internal/httpapi/handlers"
	"github.com/suPer8Hu/csv-ingest/internal/httpapi/middleware"
	"github.com/suPer8Hu/csv-ingest/internal/ingest"
)

func NewRouter(svc *ingest.Service, cfg config.Config, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery(logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(svc, cfg, logger)

	r.GET("/ping", h.Ping)

	// ingestion (no auth)
	r.POST("/process_csv", h.ProcessCSV)
	r.POST("/process_spreadsheet", h.ProcessSpreadsheet)
	r.POST("/upload_csv_stream", h.UploadCSVStream)

	// run records
	r.GET("/runs", h.ListRuns)
	r.GET("/runs/:run_id", h.GetRun)
	return r
}
