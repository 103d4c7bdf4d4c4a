package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/nooble-ai/nooble/pkg/config"
	"github.com/nooble-ai/nooble/pkg/models"
	"github.com/nooble-ai/nooble/pkg/wsmanager"
)

// Server is the ingestion HTTP surface: the REST API plus the progress
// WebSocket.
type Server struct {
	echo     *echo.Echo
	pipeline *Pipeline
	ws       *wsmanager.Manager
	cfg      config.IngestionConfig
	log      *slog.Logger

	srv *http.Server
}

// NewServer wires the routes. The WebSocket manager is shared with the
// pipeline so progress frames reach connected clients.
func NewServer(pipeline *Pipeline, ws *wsmanager.Manager, cfg config.IngestionConfig) *Server {
	s := &Server{
		echo:     echo.New(),
		pipeline: pipeline,
		ws:       ws,
		cfg:      cfg,
		log:      slog.With("component", "ingestion-api"),
	}

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws/ingestion/:task_id", s.progressWSHandler)

	api := s.echo.Group("", s.requireAuth)
	api.POST("/ingest", s.ingestHandler)
	api.POST("/upload", s.uploadHandler)
	api.GET("/status/:task_id", s.statusHandler)
	api.DELETE("/document/:document_id", s.deleteDocumentHandler)
	api.PUT("/document/:document_id/agents", s.updateAgentsHandler)

	return s
}

// Handler exposes the routing tree for tests and for embedding into a
// shared listener.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves HTTP on addr, blocking until shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("Ingestion API listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// authClaims is the expected shape of ingestion API tokens.
type authClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

func (s *Server) parseToken(raw string) (*authClaims, error) {
	claims := &authClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if claims.TenantID == "" {
		return nil, errors.New("token carries no tenant_id")
	}
	return claims, nil
}

// requireAuth validates the Bearer token and stashes the tenant and user
// identity on the request context.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		claims, err := s.parseToken(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		c.Set("tenant_id", claims.TenantID)
		c.Set("user_id", claims.Subject)
		return next(c)
	}
}

func tenantID(c *echo.Context) string {
	v, _ := c.Get("tenant_id").(string)
	return v
}

func userID(c *echo.Context) string {
	v, _ := c.Get("user_id").(string)
	return v
}

// mapPipelineError maps pipeline errors to HTTP responses.
func mapPipelineError(err error) *echo.HTTPError {
	if models.IsValidationError(err) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, models.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	var integrityErr *models.IntegrityError
	if errors.As(err, &integrityErr) {
		return echo.NewHTTPError(http.StatusBadRequest, integrityErr.Error())
	}

	slog.Error("Unexpected ingestion API error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":             "healthy",
		"service":            "ingestion",
		"active_connections": s.ws.ActiveConnections(),
	})
}

// ingestHandler handles POST /ingest: a JSON request referencing a
// file already present on the pod.
func (s *Server) ingestHandler(c *echo.Context) error {
	var req models.DocumentIngestionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	resp, err := s.pipeline.StartIngestion(c.Request().Context(), tenantID(c), userID(c), &req)
	if err != nil {
		return mapPipelineError(err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// uploadHandler handles POST /upload: multipart upload with a "file"
// part and form fields mirroring the ingest request.
func (s *Server) uploadHandler(c *echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file part")
	}
	if file.Size > s.cfg.MaxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadBytes))
	}

	req := models.DocumentIngestionRequest{
		DocumentName:        c.FormValue("document_name"),
		DocumentType:        c.FormValue("document_type"),
		CollectionID:        c.FormValue("collection_id"),
		EmbeddingModel:      c.FormValue("embedding_model"),
		EmbeddingDimensions: formInt(c, "embedding_dimensions"),
		ChunkSize:           formInt(c, "chunk_size"),
		ChunkOverlap:        formInt(c, "chunk_overlap"),
	}
	if agents := c.FormValue("agent_ids"); agents != "" {
		for _, id := range strings.Split(agents, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.AgentIDs = append(req.AgentIDs, id)
			}
		}
	}
	if req.DocumentName == "" {
		req.DocumentName = file.Filename
	}
	if req.DocumentType == "" {
		req.DocumentType = strings.TrimPrefix(filepath.Ext(file.Filename), ".")
	}

	path, err := s.saveUpload(file)
	if err != nil {
		s.log.Error("Failed to persist upload", "filename", file.Filename, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store upload")
	}
	req.FilePath = path

	resp, err := s.pipeline.StartIngestion(c.Request().Context(), tenantID(c), userID(c), &req)
	if err != nil {
		// The pipeline never saw the file; clean it up here.
		_ = os.Remove(path)
		return mapPipelineError(err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) saveUpload(file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := uuid.New().String() + filepath.Ext(file.Filename)
	path := filepath.Join(s.cfg.UploadDir, name)
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func formInt(c *echo.Context, field string) int {
	v, _ := strconv.Atoi(c.FormValue(field))
	return v
}

// TaskStatusResponse is the GET /status payload: the task snapshot without
// the in-flight chunk bodies.
type TaskStatusResponse struct {
	TaskID          string            `json:"task_id"`
	DocumentID      string            `json:"document_id"`
	CollectionID    string            `json:"collection_id"`
	Status          models.TaskStatus `json:"status"`
	Percentage      int               `json:"percentage"`
	TotalChunks     int               `json:"total_chunks"`
	ProcessedChunks int               `json:"processed_chunks"`
	FailedChunkIDs  []string          `json:"failed_chunk_ids,omitempty"`
	Error           string            `json:"error,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (s *Server) statusHandler(c *echo.Context) error {
	task, err := s.pipeline.Task(c.Request().Context(), c.Param("task_id"))
	if err != nil {
		return mapPipelineError(err)
	}
	if task.TenantID != tenantID(c) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	return c.JSON(http.StatusOK, TaskStatusResponse{
		TaskID:          task.TaskID,
		DocumentID:      task.DocumentID,
		CollectionID:    task.CollectionID,
		Status:          task.Status,
		Percentage:      task.Percentage,
		TotalChunks:     task.TotalChunks,
		ProcessedChunks: task.ProcessedChunks,
		FailedChunkIDs:  task.FailedChunkIDs,
		Error:           task.Error,
		StartedAt:       task.StartedAt,
		UpdatedAt:       task.UpdatedAt,
	})
}

// DeleteDocumentRequest is the DELETE /document/:id body. The collection
// is cross-checked against the stored row when provided.
type DeleteDocumentRequest struct {
	CollectionID string `json:"collection_id"`
}

func (s *Server) deleteDocumentHandler(c *echo.Context) error {
	var req DeleteDocumentRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
		}
	}
	if err := s.pipeline.DeleteDocument(c.Request().Context(),
		tenantID(c), c.Param("document_id"), req.CollectionID); err != nil {
		return mapPipelineError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// UpdateAgentsRequest is the PUT /documents/:id/agents body.
type UpdateAgentsRequest struct {
	AgentIDs  []string `json:"agent_ids"`
	Operation string   `json:"operation"`
}

func (s *Server) updateAgentsHandler(c *echo.Context) error {
	var req UpdateAgentsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	final, err := s.pipeline.UpdateAgents(c.Request().Context(),
		tenantID(c), c.Param("document_id"), req.AgentIDs, req.Operation)
	if err != nil {
		return mapPipelineError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"document_id": c.Param("document_id"),
		"agent_ids":   final,
	})
}

// progressWSHandler upgrades GET /ws/ingestion/:task_id. Authentication
// rides on a "token" query parameter because browsers cannot set headers on
// WebSocket upgrades. On connect the latest cached state is replayed so
// clients joining mid-pipeline see where they are.
func (s *Server) progressWSHandler(c *echo.Context) error {
	taskID := c.Param("task_id")
	claims, err := s.parseToken(c.QueryParam("token"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	task, err := s.pipeline.Task(c.Request().Context(), taskID)
	if err != nil {
		return mapPipelineError(err)
	}
	if task.TenantID != claims.TenantID {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.ws.HandleConnection(c.Request().Context(), conn, taskID, wsmanager.Hooks{
		OnConnect: func(ctx context.Context, wc *wsmanager.Connection) {
			if current, err := s.pipeline.Task(ctx, taskID); err == nil {
				s.ws.SendJSON(wc, progressEvent(current))
			}
		},
	})
	return nil
}
