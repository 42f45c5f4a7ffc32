// Package api exposes the scheduler over HTTP: task management, reminder
// history, the due task listing consumed by orchestrators, and the
// confirmation entry point.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/muaviaUsmani/duebook/internal/alert"
	"github.com/muaviaUsmani/duebook/internal/confirm"
	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/metrics"
	"github.com/muaviaUsmani/duebook/internal/store"
	"github.com/muaviaUsmani/duebook/internal/task"
)

// TaskStore is the persistence the API reads and writes
type TaskStore interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, ownerID int64) ([]*task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, to task.Status) (*task.Task, error)
	ListReminders(ctx context.Context, f store.ReminderFilter) ([]*task.Reminder, error)
	ListConfirmations(ctx context.Context, taskID, periodKey string) ([]*task.Confirmation, error)
}

// Confirmer applies user decisions
type Confirmer interface {
	Confirm(ctx context.Context, req confirm.Request) (*confirm.Result, error)
}

// DueLister reports the tasks with a period due at an instant
type DueLister interface {
	ListDueTaskIDs(ctx context.Context, now time.Time) ([]string, error)
}

// Locator resolves an owner's timezone
type Locator interface {
	Location(ctx context.Context, ownerID int64) (*time.Location, error)
}

// TimezoneWriter persists an owner's timezone
type TimezoneWriter interface {
	SetTimezone(ctx context.Context, ownerID int64, tz string) error
}

// AlertReader lists recent operational alerts
type AlertReader interface {
	Recent(ctx context.Context, n int64) ([]alert.Alert, error)
}

// Config wires the server's collaborators. Timezones and Alerts are optional.
type Config struct {
	Store     TaskStore
	Confirmer Confirmer
	Due       DueLister
	Zones     Locator
	Timezones TimezoneWriter
	Alerts    AlertReader
	Metrics   *metrics.Collector
	// DefaultCatchUp and DefaultMaxBackfill apply to tasks created without them
	DefaultCatchUp     task.CatchUpPolicy
	DefaultMaxBackfill int
	// AllowedOrigins restricts CORS; empty allows all origins
	AllowedOrigins []string
}

// Server serves the HTTP API
type Server struct {
	cfg Config
	now func() time.Time
	log logger.Logger
}

// OwnerHeader carries the calling owner's id
const OwnerHeader = "X-Owner-Id"

// NewServer creates a server
func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.DefaultCatchUp == "" {
		cfg.DefaultCatchUp = task.CatchUpSkipForward
	}
	registerValidators()
	return &Server{
		cfg: cfg,
		now: time.Now,
		log: logger.Default().WithComponent(logger.ComponentAPI),
	}
}

// SetLogger sets the server's logger
func (s *Server) SetLogger(l logger.Logger) {
	s.log = l.WithComponent(logger.ComponentAPI)
}

// SetClock overrides the time source (tests)
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Router builds the gin engine with all routes
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(s.requestID())
	r.Use(s.requestLogger())
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.AllowedOrigins
	}
	corsConfig.AddAllowHeaders(OwnerHeader, "Idempotency-Key", "Authorization")
	corsConfig.AddExposeHeaders("X-Request-Id")
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	api := r.Group("/api")
	api.GET("/due-tasks", s.listDueTasks)
	api.GET("/metrics", s.getMetrics)
	api.GET("/alerts", s.listAlerts)

	owned := api.Group("", s.requireOwner())
	owned.POST("/tasks", s.createTask)
	owned.GET("/tasks", s.listTasks)
	owned.GET("/tasks/:id", s.getTask)
	owned.PATCH("/tasks/:id/status", s.updateTaskStatus)
	owned.GET("/tasks/:id/periods/:period/confirmations", s.listConfirmations)
	owned.GET("/reminders", s.listReminders)
	owned.POST("/confirmations", s.confirm)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"),
		}
		if len(c.Errors) > 0 {
			args = append(args, "error", c.Errors.String())
		}
		switch {
		case status >= 500:
			s.log.ErrorContext(c.Request.Context(), "Request failed", args...)
		case status >= 400:
			s.log.InfoContext(c.Request.Context(), "Request rejected", args...)
		default:
			s.log.DebugContext(c.Request.Context(), "Request served", args...)
		}
	}
}
