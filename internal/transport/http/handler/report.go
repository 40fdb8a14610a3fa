package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"medreport-ai/internal/app"
	"medreport-ai/internal/engine"
	"medreport-ai/internal/transport/http/response"
)

type ReportHandler struct {
	reportService *app.ReportService
}

type ReportRequest struct {
	Text        string  `json:"text" binding:"required"`
	Question    string  `json:"question"`
	Temperature float64 `json:"temperature" binding:"omitempty,gte=0.1,lte=1.0"`
	MaxTokens   int     `json:"max_tokens" binding:"omitempty,gte=50,lte=2048"`
}

func NewReportHandler(reportService *app.ReportService) *ReportHandler {
	return &ReportHandler{reportService: reportService}
}

func (h *ReportHandler) Summarize(c *gin.Context) {
	h.run(c, h.reportService.Summarize)
}

func (h *ReportHandler) Analyze(c *gin.Context) {
	h.run(c, h.reportService.Analyze)
}

func (h *ReportHandler) SummarizeStream(c *gin.Context) {
	h.stream(c, h.reportService.SummarizeStream)
}

func (h *ReportHandler) AnalyzeStream(c *gin.Context) {
	h.stream(c, h.reportService.AnalyzeStream)
}

func (h *ReportHandler) run(c *gin.Context, fn func(ctx context.Context, input app.ReportInput) (*app.ReportResult, error)) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := fn(c.Request.Context(), app.ReportInput{
		Text:        req.Text,
		Question:    req.Question,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		writeGenerationError(c, err)
		return
	}

	response.OK(c, result)
}

func (h *ReportHandler) stream(c *gin.Context, fn func(ctx context.Context, input app.ReportInput, onToken func(string) error) (*app.ReportResult, error)) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	flusher, ok := beginSSE(c)
	if !ok {
		return
	}

	result, err := fn(c.Request.Context(), app.ReportInput{
		Text:        req.Text,
		Question:    req.Question,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, sseTokenWriter(c, flusher))
	if err != nil {
		writeSSEError(c, flusher, err)
		return
	}

	writeSSEDone(c, flusher, result.Output)
}

// beginSSE sets the event-stream headers and returns the flusher.
func beginSSE(c *gin.Context) (http.Flusher, bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return nil, false
	}
	return flusher, true
}

func sseTokenWriter(c *gin.Context, flusher http.Flusher) func(string) error {
	return func(token string) error {
		if _, err := c.Writer.Write([]byte("data: " + sanitizeSSE(token) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
}

func writeSSEError(c *gin.Context, flusher http.Flusher, err error) {
	if _, writeErr := c.Writer.Write([]byte(fmt.Sprintf("event: error\ndata: %s\n\n", sanitizeSSE(err.Error())))); writeErr == nil {
		flusher.Flush()
	}
}

func writeSSEDone(c *gin.Context, flusher http.Flusher, full string) {
	if _, err := c.Writer.Write([]byte("event: done\ndata: " + sanitizeSSE(full) + "\n\n")); err == nil {
		flusher.Flush()
	}
}

// writeGenerationError maps service errors to the response envelope.
func writeGenerationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, engine.ErrInvalidSampling):
		response.Error(c, http.StatusBadRequest, response.CodeInvalidSampling, err.Error())
	case errors.Is(err, engine.ErrModelUnavailable):
		response.Error(c, http.StatusServiceUnavailable, response.CodeModelUnavailable, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "generation failed")
	}
}

func sanitizeSSE(input string) string {
	replaced := strings.ReplaceAll(input, "\r\n", "\\n")
	replaced = strings.ReplaceAll(replaced, "\n", "\\n")
	return replaced
}
