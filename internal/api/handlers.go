package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/muaviaUsmani/duebook/internal/alert"
	"github.com/muaviaUsmani/duebook/internal/confirm"
	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
	"github.com/muaviaUsmani/duebook/internal/period"
	"github.com/muaviaUsmani/duebook/internal/store"
	"github.com/muaviaUsmani/duebook/internal/task"
)

const ownerKey = "owner_id"

func (s *Server) requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(OwnerHeader))
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + OwnerHeader})
			return
		}
		c.Set(ownerKey, id)
		c.Next()
	}
}

// bindJSON decodes and validates the body, answering 400 on failure
func bindJSON(c *gin.Context, dst interface{}) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		err = &apperrors.ValidationError{Field: "body", Reason: err.Error()}
	}
	writeError(c, err)
	return false
}

func ownerID(c *gin.Context) int64 {
	return c.GetInt64(ownerKey)
}

// ownedTask loads a task and hides other owners' tasks behind a 404
func (s *Server) ownedTask(c *gin.Context, id string) (*task.Task, bool) {
	t, err := s.cfg.Store.GetTask(c.Request.Context(), id)
	if err == nil && t.OwnerID != ownerID(c) {
		err = &apperrors.NotFoundError{Entity: "task", Key: id}
	}
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return t, true
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	owner := ownerID(c)

	rule, err := period.ParseRule(req.Rule)
	if err != nil {
		writeError(c, err)
		return
	}

	loc, err := s.requestLocation(c, owner, req.Timezone)
	if err != nil {
		writeError(c, err)
		return
	}
	anchor, err := parseAnchor(req.Anchor, loc)
	if err != nil {
		writeError(c, err)
		return
	}

	tmpl := task.ExpenseTemplate{
		Amount:           req.Template.Amount,
		Currency:         strings.ToUpper(req.Template.Currency),
		CategoryID:       req.Template.CategoryID,
		Merchant:         req.Template.Merchant,
		PaymentAccountID: req.Template.PaymentAccountID,
		Note:             req.Template.Note,
		Tags:             req.Template.Tags,
	}
	if err := tmpl.Validate(); err != nil {
		writeError(c, &apperrors.ValidationError{Field: "template", Reason: err.Error()})
		return
	}

	t := task.NewTask(owner, strings.TrimSpace(req.Name), rule.String(), anchor, tmpl)
	t.Description = req.Description
	t.Advance = time.Duration(req.AdvanceMinutes) * time.Minute
	t.CatchUp = s.cfg.DefaultCatchUp
	if req.CatchUp != "" {
		t.CatchUp = task.CatchUpPolicy(req.CatchUp)
	}
	t.MaxBackfill = s.cfg.DefaultMaxBackfill
	if req.MaxBackfill != nil {
		t.MaxBackfill = *req.MaxBackfill
	}
	if req.Channel != "" {
		t.Channel = req.Channel
	}

	if req.Timezone != "" && s.cfg.Timezones != nil {
		if err := s.cfg.Timezones.SetTimezone(ctx, owner, req.Timezone); err != nil {
			writeError(c, err)
			return
		}
	}
	if err := s.cfg.Store.CreateTask(ctx, t); err != nil {
		writeError(c, err)
		return
	}

	s.log.InfoContext(ctx, "Task created", "task_id", t.ID, "owner_id", owner, "rule", t.Rule)
	c.JSON(http.StatusCreated, newTaskResponse(t))
}

// requestLocation picks the request's explicit timezone or the owner's
func (s *Server) requestLocation(c *gin.Context, owner int64, tz string) (*time.Location, error) {
	if tz != "" {
		loc, err := period.LoadLocation(tz)
		if err != nil {
			return nil, &apperrors.ValidationError{Field: "timezone", Reason: err.Error()}
		}
		return loc, nil
	}
	if s.cfg.Zones == nil {
		return time.UTC, nil
	}
	return s.cfg.Zones.Location(c.Request.Context(), owner)
}

func parseAnchor(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(localLayout, raw, loc)
	if err != nil {
		return time.Time{}, &apperrors.ValidationError{Field: "anchor", Reason: "expected RFC 3339 or " + localLayout}
	}
	return t.UTC(), nil
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.cfg.Store.ListTasks(c.Request.Context(), ownerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, newTaskResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) getTask(c *gin.Context) {
	t, ok := s.ownedTask(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(t))
}

func (s *Server) updateTaskStatus(c *gin.Context) {
	var req updateStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	t, ok := s.ownedTask(c, c.Param("id"))
	if !ok {
		return
	}

	updated, err := s.cfg.Store.UpdateTaskStatus(c.Request.Context(), t.ID, task.Status(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	s.log.InfoContext(c.Request.Context(), "Task status changed",
		"task_id", t.ID,
		"from", string(t.Status),
		"to", req.Status)
	c.JSON(http.StatusOK, newTaskResponse(updated))
}

func (s *Server) listReminders(c *gin.Context) {
	f := store.ReminderFilter{OwnerID: ownerID(c), TaskID: c.Query("task_id")}

	if raw := c.Query("status"); raw != "" {
		st := task.ReminderStatus(strings.ToLower(raw))
		if !st.Valid() {
			writeError(c, &apperrors.ValidationError{Field: "status", Reason: "unknown reminder status"})
			return
		}
		f.Status = st
	}
	for _, q := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := c.Query(q.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, &apperrors.ValidationError{Field: q.name, Reason: "expected RFC 3339"})
			return
		}
		*q.dst = &t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, &apperrors.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		f.Limit = n
	}

	reminders, err := s.cfg.Store.ListReminders(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if reminders == nil {
		reminders = []*task.Reminder{}
	}
	c.JSON(http.StatusOK, gin.H{"items": reminders})
}

func (s *Server) listConfirmations(c *gin.Context) {
	t, ok := s.ownedTask(c, c.Param("id"))
	if !ok {
		return
	}
	confs, err := s.cfg.Store.ListConfirmations(c.Request.Context(), t.ID, c.Param("period"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": confs})
}

func (s *Server) confirm(c *gin.Context) {
	var req confirmRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	if _, ok := s.ownedTask(c, req.TaskID); !ok {
		return
	}

	res, err := s.cfg.Confirmer.Confirm(c.Request.Context(), confirm.Request{
		TaskID:         req.TaskID,
		PeriodKey:      req.PeriodKey,
		Action:         task.Action(req.Action),
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if !res.Replayed {
		status = http.StatusCreated
	}
	c.JSON(status, confirmResponse{
		Status:       res.Status,
		ExpenseID:    res.ExpenseID,
		Replayed:     res.Replayed,
		SnoozedUntil: res.SnoozedUntil,
		Confirmation: res.Confirmation,
	})
}

func (s *Server) listDueTasks(c *gin.Context) {
	now := s.now().UTC()
	if raw := c.Query("now"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, &apperrors.ValidationError{Field: "now", Reason: "expected RFC 3339"})
			return
		}
		now = t.UTC()
	}

	ids, err := s.cfg.Due.ListDueTaskIDs(c.Request.Context(), now)
	if err != nil {
		writeError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"now": now, "task_ids": ids})
}

func (s *Server) listAlerts(c *gin.Context) {
	if s.cfg.Alerts == nil {
		c.JSON(http.StatusOK, gin.H{"items": []alert.Alert{}})
		return
	}
	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	items, err := s.cfg.Alerts.Recent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []alert.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Metrics.GetMetrics())
}
