package http

import (
	"github.com/gin-gonic/gin"

	"medreport-ai/internal/bootstrap"
	"medreport-ai/internal/transport/http/handler"
	"medreport-ai/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/health", healthHandler.Check)
	router.GET("/healthz", healthHandler.Check)

	authHandler := handler.NewAuthHandler(app.AuthService)
	reportHandler := handler.NewReportHandler(app.ReportService)
	ragHandler := handler.NewRAGHandler(app.RAGService)
	uploadHandler := handler.NewUploadHandler(app.RAGService, app.OCRClient, int64(app.Config.App.MaxFileSizeMB)<<20)

	v1 := router.Group("/api/v1")
	v1.GET("/health", healthHandler.Check)
	v1.POST("/auth/token", authHandler.Token)

	protected := v1.Group("")
	if app.Config.Auth.Enabled {
		protected.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	}

	protected.POST("/summarize", reportHandler.Summarize)
	protected.POST("/analyze", reportHandler.Analyze)
	protected.POST("/summarize/stream", reportHandler.SummarizeStream)
	protected.POST("/analyze/stream", reportHandler.AnalyzeStream)

	protected.POST("/upload/document", uploadHandler.Document)
	protected.POST("/upload/image", uploadHandler.Image)
	protected.GET("/documents", ragHandler.ListDocuments)

	protected.POST("/rag/summarize", ragHandler.Summarize)
	protected.POST("/rag/question", ragHandler.Question)
	protected.POST("/rag/question/stream", ragHandler.QuestionStream)
	protected.POST("/rag/reset", ragHandler.Reset)
	protected.POST("/model/reload", healthHandler.ReloadModel)

	return router
}
