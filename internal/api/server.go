package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gocache "github.com/patrickmn/go-cache"

	"github.com/david/opportunity-validator/internal/ai"
	"github.com/david/opportunity-validator/internal/auth"
	"github.com/david/opportunity-validator/internal/db"
	"github.com/david/opportunity-validator/internal/dedup"
	"github.com/david/opportunity-validator/internal/ingest"
	"github.com/david/opportunity-validator/internal/models"
)

// Store is what the HTTP surface needs from persistence. *db.Store
// satisfies it.
type Store interface {
	ingest.OpportunityStore
	ingest.RunRecorder
	ingest.ValidationErrorWriter
	dedup.ConceptStore

	GetOpportunity(ctx context.Context, id string) (*models.Opportunity, error)
	ListOpportunities(ctx context.Context, params db.ListParams) (*db.ListResult, error)
	SimilarConcepts(ctx context.Context, fingerprint string, limit int) ([]db.SimilarConcept, error)
	SetConceptEmbedding(ctx context.Context, conceptID uuid.UUID, embedding []float32) error
	GetStats(ctx context.Context) (map[string]interface{}, error)
	ListValidationRuns(ctx context.Context, limit int) ([]models.ValidationRun, error)
}

type Options struct {
	AdminSecret     string
	Workers         int
	CheckDuplicates bool
	// Embedder, when set, embeds newly created concepts after each batch.
	Embedder ai.Embedder
	// JobRetention is how long a finished async job stays pollable.
	// Zero means defaultJobRetention.
	JobRetention time.Duration
}

const defaultJobRetention = time.Hour

type Server struct {
	Store       Store
	AuthService *auth.Service
	Echo        *echo.Echo
	Validator   *ingest.ConstraintValidator

	opts Options

	// Background job tracking. Running jobs never expire; finished ones are
	// dropped after opts.JobRetention.
	jobMu sync.Mutex
	jobs  *gocache.Cache
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"` // running, completed, failed
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Result    any                `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancel    context.CancelFunc `json:"-"`
}

func NewServer(store Store, authService *auth.Service, validator *ingest.ConstraintValidator, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// CORS: allow frontend origins from env or default to localhost
	allowedOrigins := []string{"http://localhost:4200"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	s := &Server{
		Store:       store,
		AuthService: authService,
		Echo:        e,
		Validator:   validator,
		opts:        opts,
		jobs:        gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
	if s.opts.JobRetention <= 0 {
		s.opts.JobRetention = defaultJobRetention
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")

	// Stateless
	api.POST("/validate", s.handleValidate)
	api.POST("/fingerprint", s.handleFingerprint)

	// Public reads
	api.GET("/opportunities", s.handleListOpportunities)
	api.GET("/opportunities/:id", s.handleGetOpportunity)
	api.GET("/concepts/:fingerprint", s.handleGetConcept)
	api.GET("/concepts/:fingerprint/similar", s.handleSimilarConcepts)
	api.GET("/stats", s.handleGetStats)
	api.GET("/runs", s.handleListRuns)

	// Auth
	api.POST("/auth/login", s.handleLogin)

	// Admin
	admin := api.Group("")
	admin.Use(s.AuthService.Middleware(s.opts.AdminSecret))
	admin.POST("/batches", s.handleSubmitBatch)
	admin.GET("/jobs/:id", s.handleJobStatus)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleLogin(c echo.Context) error {
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	resp, err := s.AuthService.Login(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCreds) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		}
		c.Logger().Errorf("login failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, resp)
}

type batchRequest struct {
	Records         []ingest.RawOpportunity `json:"records"`
	CheckDuplicates *bool                   `json:"check_duplicates,omitempty"`
	Source          string                  `json:"source,omitempty"`
}

const maxBatchRecords = 10000

func (s *Server) bindBatch(c echo.Context) (batchRequest, error) {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if len(req.Records) == 0 {
		return req, echo.NewHTTPError(http.StatusBadRequest, "records must not be empty")
	}
	if len(req.Records) > maxBatchRecords {
		return req, echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d records per batch", maxBatchRecords))
	}
	return req, nil
}

// handleValidate runs the constraint validator without persisting anything.
func (s *Server) handleValidate(c echo.Context) error {
	req, err := s.bindBatch(c)
	if err != nil {
		return err
	}

	p := ingest.NewPipeline(s.Validator, nil, nil)
	res, err := p.ProcessBatch(c.Request().Context(), req.Records, ingest.BatchOptions{Workers: s.opts.Workers})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res.Report())
}

func (s *Server) handleFingerprint(c echo.Context) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	normalized := dedup.Normalize(req.Text)
	if normalized == "" {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": dedup.ErrEmptyConcept.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"normalized":  normalized,
		"fingerprint": dedup.Fingerprint(req.Text),
	})
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	limit := 20
	offset := 0
	var minScore float64

	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		offset = o
	}
	if v, err := strconv.ParseFloat(c.QueryParam("min_score"), 64); err == nil && v > 0 {
		minScore = v
	}

	result, err := s.Store.ListOpportunities(c.Request().Context(), db.ListParams{
		Outcome:     c.QueryParam("outcome"),
		DedupStatus: c.QueryParam("dedup_status"),
		Fingerprint: c.QueryParam("fingerprint"),
		MinScore:    minScore,
		SortBy:      c.QueryParam("sort"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		c.Logger().Errorf("Failed to list opportunities: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}

	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	id := c.Param("id")
	if _, err := dedup.ParseIdentifier(id); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	opp, err := s.Store.GetOpportunity(c.Request().Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	}
	if err != nil {
		c.Logger().Errorf("Failed to get opportunity %s: %v", id, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleGetConcept(c echo.Context) error {
	concept, err := s.Store.FindConceptByFingerprint(c.Request().Context(), c.Param("fingerprint"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if concept == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	}
	return c.JSON(http.StatusOK, concept)
}

func (s *Server) handleSimilarConcepts(c echo.Context) error {
	limit := 5
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 50 {
		limit = l
	}
	similar, err := s.Store.SimilarConcepts(c.Request().Context(), c.Param("fingerprint"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, similar)
}

func (s *Server) handleGetStats(c echo.Context) error {
	stats, err := s.Store.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := 20
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	runs, err := s.Store.ListValidationRuns(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) pipeline() *ingest.Pipeline {
	p := ingest.NewPipeline(s.Validator, s.Store, dedup.NewResolver(s.Store))
	p.Runs = s.Store
	p.Sink = ingest.StoreSink{Writer: s.Store}
	return p
}

// handleSubmitBatch persists and resolves a batch. With ?async=true the
// batch runs in the background and the response points at the job.
func (s *Server) handleSubmitBatch(c echo.Context) error {
	req, err := s.bindBatch(c)
	if err != nil {
		return err
	}
	opts := ingest.BatchOptions{
		CheckDuplicates: s.opts.CheckDuplicates,
		Workers:         s.opts.Workers,
		Source:          req.Source,
	}
	if req.CheckDuplicates != nil {
		opts.CheckDuplicates = *req.CheckDuplicates
	}
	if opts.Source == "" {
		opts.Source = "api"
	}

	if c.QueryParam("async") != "true" {
		rep, err := s.runBatch(c.Request().Context(), req.Records, opts)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": err.Error(), "report": rep})
		}
		return c.JSON(http.StatusOK, rep)
	}

	// context.WithoutCancel detaches from HTTP lifecycle but preserves
	// trace values. We add our own timeout for safety.
	jobCtx, jobCancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), 30*time.Minute)
	jobID := uuid.New().String()[:8]
	job := &backgroundJob{ID: jobID, Status: "running", StartedAt: time.Now(), Cancel: jobCancel}

	s.jobs.Set(jobID, job, gocache.NoExpiration)

	go func() {
		defer jobCancel()
		rep, err := s.runBatch(jobCtx, req.Records, opts)

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		defer s.jobs.Set(jobID, job, s.opts.JobRetention)
		job.EndedAt = time.Now()
		job.Result = rep
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
			log.Printf("[batch-job %s] failed: %v", jobID, err)
			return
		}
		job.Status = "completed"
		log.Printf("[batch-job %s] completed: %d records", jobID, rep.Stats.Total)
	}()

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message": "Batch accepted",
		"job_id":  jobID,
		"poll":    fmt.Sprintf("/api/v1/jobs/%s", jobID),
	})
}

func (s *Server) runBatch(ctx context.Context, records []ingest.RawOpportunity, opts ingest.BatchOptions) (ingest.BatchReport, error) {
	res, err := s.pipeline().ProcessBatch(ctx, records, opts)
	if err == nil {
		s.embedNewConcepts(ctx, res)
	}
	return res.Report(), err
}

// embedNewConcepts stores an embedding for each concept this batch created.
// Failures are logged; embeddings only feed the similar-concepts view.
func (s *Server) embedNewConcepts(ctx context.Context, res ingest.BatchResult) {
	if s.opts.Embedder == nil {
		return
	}
	for _, r := range res.Records {
		if r.Resolution == nil || !r.Resolution.CreatedConcept {
			continue
		}
		text := dedup.Normalize(r.Decision.Opportunity.ConceptDescription)
		vec, err := s.opts.Embedder.GenerateEmbedding(ctx, text)
		if err != nil {
			log.Printf("[Warn] embedding for concept %s failed: %v", r.Resolution.ConceptID, err)
			continue
		}
		if err := s.Store.SetConceptEmbedding(ctx, r.Resolution.ConceptID, vec); err != nil {
			log.Printf("[Warn] storing embedding for concept %s failed: %v", r.Resolution.ConceptID, err)
		}
	}
}

func (s *Server) handleJobStatus(c echo.Context) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	val, ok := s.jobs.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	job := val.(*backgroundJob)

	resp := map[string]interface{}{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}
