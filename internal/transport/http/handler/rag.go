package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"medreport-ai/internal/app"
	"medreport-ai/internal/index"
	"medreport-ai/internal/model"
	"medreport-ai/internal/transport/http/response"
)

type RAGHandler struct {
	ragService *app.RAGService
}

func NewRAGHandler(ragService *app.RAGService) *RAGHandler {
	return &RAGHandler{ragService: ragService}
}

type QuestionRequest struct {
	Question    string  `json:"question" binding:"required"`
	TopK        int     `json:"top_k" binding:"omitempty,gte=1,lte=20"`
	Temperature float64 `json:"temperature" binding:"omitempty,gte=0.1,lte=1.0"`
	MaxTokens   int     `json:"max_tokens" binding:"omitempty,gte=50,lte=2048"`
}

type RAGSummarizeRequest struct {
	Query       string  `json:"query"`
	TopK        int     `json:"top_k" binding:"omitempty,gte=1,lte=20"`
	Temperature float64 `json:"temperature" binding:"omitempty,gte=0.1,lte=1.0"`
	MaxTokens   int     `json:"max_tokens" binding:"omitempty,gte=50,lte=2048"`
}

// Question answers a query grounded in the ingested corpus.
func (h *RAGHandler) Question(c *gin.Context) {
	var req QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.ragService.Answer(c.Request.Context(), app.AnswerInput{
		Question:    req.Question,
		TopK:        req.TopK,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.OK(c, result)
}

// QuestionStream is Question over SSE.
func (h *RAGHandler) QuestionStream(c *gin.Context) {
	var req QuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	flusher, ok := beginSSE(c)
	if !ok {
		return
	}

	result, err := h.ragService.AnswerStream(c.Request.Context(), app.AnswerInput{
		Question:    req.Question,
		TopK:        req.TopK,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, sseTokenWriter(c, flusher))
	if err != nil {
		writeSSEError(c, flusher, err)
		return
	}

	writeSSEDone(c, flusher, result.Answer)
}

// Summarize generates a corpus-wide summary.
func (h *RAGHandler) Summarize(c *gin.Context) {
	var req RAGSummarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.ragService.SummarizeAll(c.Request.Context(), app.SummaryInput{
		Query:       req.Query,
		TopK:        req.TopK,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.OK(c, result)
}

// Reset clears the vector index and the persisted corpus.
func (h *RAGHandler) Reset(c *gin.Context) {
	h.ragService.Reset(c.Request.Context())
	response.OK(c, gin.H{"index_size": h.ragService.IndexSize()})
}

// ListDocuments returns ingested document metadata.
func (h *RAGHandler) ListDocuments(c *gin.Context) {
	docs, err := h.ragService.ListDocuments()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list documents failed")
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	response.OK(c, docs)
}

func (h *RAGHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidTopK):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, index.ErrDimensionMismatch):
		response.Error(c, http.StatusInternalServerError, response.CodeDimensionMismatch, "index dimension mismatch")
	default:
		writeGenerationError(c, err)
	}
}
