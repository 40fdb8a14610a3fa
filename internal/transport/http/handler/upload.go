package handler

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"medreport-ai/internal/app"
	"medreport-ai/internal/chunker"
	"medreport-ai/internal/ocr"
	"medreport-ai/internal/pkg/imageprep"
	"medreport-ai/internal/pkg/pdfextract"
	"medreport-ai/internal/transport/http/response"
)

const defaultMaxUploadBytes = 50 << 20

var (
	documentExtensions = map[string]bool{".pdf": true, ".txt": true}
	imageExtensions    = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".tiff": true}
)

type UploadHandler struct {
	ragService *app.RAGService
	ocrClient  *ocr.Client
	maxBytes   int64
}

func NewUploadHandler(ragService *app.RAGService, ocrClient *ocr.Client, maxBytes int64) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	return &UploadHandler{ragService: ragService, ocrClient: ocrClient, maxBytes: maxBytes}
}

// Document ingests a PDF or plain-text report. Optional chunk_size and
// chunk_overlap form fields override the configured chunking.
func (h *UploadHandler) Document(c *gin.Context) {
	fileHeader, ext, ok := h.acceptUpload(c, documentExtensions, "only .pdf and .txt files are supported")
	if !ok {
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "open upload failed")
		return
	}
	defer file.Close()

	var text string
	if ext == ".pdf" {
		text, err = pdfextract.ExtractText(file)
		if err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "extract pdf text failed")
			return
		}
	} else {
		raw, readErr := io.ReadAll(io.LimitReader(file, h.maxBytes))
		if readErr != nil {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "read upload failed")
			return
		}
		text = string(raw)
	}

	h.ingest(c, fileHeader.Filename, text)
}

// Image runs a scanned report image through OCR and ingests the result.
func (h *UploadHandler) Image(c *gin.Context) {
	fileHeader, _, ok := h.acceptUpload(c, imageExtensions, "only .jpg, .jpeg, .png and .tiff files are supported")
	if !ok {
		return
	}
	if h.ocrClient == nil {
		response.Error(c, http.StatusServiceUnavailable, response.CodeInternalServer, "ocr is not configured")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "open upload failed")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, h.maxBytes))
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "read upload failed")
		return
	}

	prepared, err := imageprep.Prepare(raw)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "unsupported or corrupt image")
		return
	}

	text, err := h.ocrClient.Recognize(c.Request.Context(), prepared)
	if err != nil {
		response.Error(c, http.StatusBadGateway, response.CodeInternalServer, "ocr failed")
		return
	}

	h.ingest(c, fileHeader.Filename, text)
}

// acceptUpload pulls the multipart file and enforces the extension whitelist
// and size cap before any content is read.
func (h *UploadHandler) acceptUpload(c *gin.Context, allowed map[string]bool, formatMsg string) (*multipart.FileHeader, string, bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return nil, "", false
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !allowed[ext] {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, formatMsg)
		return nil, "", false
	}
	if fileHeader.Size > h.maxBytes {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file too large")
		return nil, "", false
	}
	return fileHeader, ext, true
}

func (h *UploadHandler) ingest(c *gin.Context, filename, text string) {
	input := app.IngestInput{Filename: filename, Text: text}
	input.ChunkSize = intForm(c, "chunk_size")
	input.ChunkOverlap = intForm(c, "chunk_overlap")

	result, err := h.ragService.Ingest(c.Request.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput), errors.Is(err, chunker.ErrInvalidChunkParams):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrDuplicateDocument):
			response.Error(c, http.StatusConflict, response.CodeDuplicateDocument, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "ingest failed")
		}
		return
	}

	response.OK(c, result)
}

func intForm(c *gin.Context, key string) int {
	raw := strings.TrimSpace(c.PostForm(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
