package handlers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/suPer8Hu/csv-ingest/internal/common"
	"github.com/suPer8Hu/csv-ingest/internal/httpapi/middleware"
	"github.com/suPer8Hu/csv-ingest/internal/ingest"
	"github.com/suPer8Hu/csv-ingest/internal/source"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
)

type processReq struct {
	FileID    string `json:"fileId" binding:"required"`
	ChatID    string `json:"chatId" binding:"required"`
	BatchSize int    `json:"batchSize"`
}

// ProcessCSV ingests a Google Drive file in the background.
func (h *Handler) ProcessCSV(c *gin.Context) {
	h.processRemote(c, source.KindDrive, "The file is being processed in the background.")
}

// ProcessSpreadsheet ingests a spreadsheet CSV export in the background.
func (h *Handler) ProcessSpreadsheet(c *gin.Context) {
	h.processRemote(c, source.KindSpreadsheet, "The spreadsheet is being processed in the background.")
}

func (h *Handler) processRemote(c *gin.Context, kind source.Kind, msg string) {
	var req processReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	h.Logger.Info("ingest request received",
		"kind", kind, "file_id", req.FileID, "chat_id", req.ChatID,
		"request_id", c.GetString(middleware.RequestIDKey))

	r := ingest.Request{
		Source:    source.Descriptor{Kind: kind, Ref: req.FileID},
		ChatID:    req.ChatID,
		BatchSize: req.BatchSize,
	}
	run, ok := h.submit(c, r, "")
	if !ok {
		return
	}
	accepted(c, msg, run.ID)
}

// UploadCSVStream stages a multipart upload and ingests it in the background.
func (h *Handler) UploadCSVStream(c *gin.Context) {
	chatID := strings.TrimSpace(c.PostForm("chat_id"))
	if chatID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "chat_id required")
		return
	}
	batchSize := 0
	if v := c.PostForm("batch_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			common.Fail(c, http.StatusBadRequest, 10003, "invalid batch_size")
			return
		}
		batchSize = n
	}
	fh, err := c.FormFile("file")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "file required")
		return
	}

	h.Logger.Info("upload received",
		"chat_id", chatID, "filename", fh.Filename, "size", fh.Size,
		"request_id", c.GetString(middleware.RequestIDKey))

	f, err := fh.Open()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "file unreadable")
		return
	}
	path, checksum, err := h.stageUpload(f)
	f.Close()
	if err != nil {
		h.Logger.Error("stage upload failed", "chat_id", chatID, "error", err)
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to store upload")
		return
	}

	r := ingest.Request{
		Source:    source.Upload(path),
		ChatID:    chatID,
		BatchSize: batchSize,
	}
	run, ok := h.submit(c, r, checksum)
	if !ok {
		_ = os.Remove(path)
		return
	}
	accepted(c, "The uploaded file is being processed in the background.", run.ID)
}

// stageUpload copies the upload to TempDir under a fresh name and returns
// its path and BLAKE2b-256 checksum.
func (h *Handler) stageUpload(src io.Reader) (string, string, error) {
	path := filepath.Join(h.Cfg.TempDir, uuid.NewString()+".csv")
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", "", err
	}

	sum, _ := blake2b.New256(nil) // unkeyed never errors
	if _, err := io.Copy(io.MultiWriter(dst, sum), src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", "", fmt.Errorf("copy upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", "", err
	}
	return path, hex.EncodeToString(sum.Sum(nil)), nil
}

func (h *Handler) submit(c *gin.Context, r ingest.Request, checksum string) (*ingest.Run, bool) {
	run, err := h.IngestSvc.Submit(c.Request.Context(), r, checksum)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidRequest) {
			common.Fail(c, http.StatusBadRequest, 10002, err.Error())
			return nil, false
		}
		h.Logger.Error("submit run failed", "chat_id", r.ChatID, "source", r.Source.String(), "error", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
		return nil, false
	}
	return run, true
}

func accepted(c *gin.Context, msg, runID string) {
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "processing",
		"message": msg,
		"run_id":  runID,
	})
}

func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("run_id")
	if runID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "run_id required")
		return
	}

	run, err := h.IngestSvc.GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "run not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"run": run})
}

func (h *Handler) ListRuns(c *gin.Context) {
	chatID := c.Query("chat_id")
	if chatID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "chat_id required")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	runs, err := h.IngestSvc.ListRuns(c.Request.Context(), chatID, limit)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"runs": runs})
}
