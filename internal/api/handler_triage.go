package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mailtriage/internal/model"
	"mailtriage/internal/pipeline"
	"mailtriage/internal/service"
)

type TriageHandler struct {
	triageService *service.TriageService
}

func NewTriageHandler(triageService *service.TriageService) *TriageHandler {
	return &TriageHandler{triageService: triageService}
}

// TriggerBulk handles POST /sync/bulk
func (h *TriageHandler) TriggerBulk(c *gin.Context) {
	h.trigger(c, false)
}

// TriggerIncremental handles POST /sync/incremental
func (h *TriageHandler) TriggerIncremental(c *gin.Context) {
	h.trigger(c, true)
}

func (h *TriageHandler) trigger(c *gin.Context, incremental bool) {
	account, ok := h.account(c)
	if !ok {
		return
	}

	err := h.triageService.Trigger(c.Request.Context(), account, incremental)
	switch {
	case errors.Is(err, pipeline.ErrNotEntitled):
		c.JSON(http.StatusForbidden, gin.H{"error": "bulk triage requires a paid plan"})
	case errors.Is(err, pipeline.ErrJobAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "a triage run is already in progress"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start triage run"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	}
}

// Progress handles GET /sync/status
func (h *TriageHandler) Progress(c *gin.Context) {
	account, ok := h.account(c)
	if !ok {
		return
	}

	job, err := h.triageService.Progress(c.Request.Context(), account.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           job.Status,
		"total_candidates": job.TotalCandidates,
		"processed":        job.Processed,
		"labelled":         job.Labelled,
		"errors":           job.Errors,
		"current_batch":    job.CurrentBatch,
		"total_batches":    job.TotalBatches,
		"last_error":       job.LastError,
		"started_at":       job.StartedAt,
		"completed_at":     job.CompletedAt,
	})
}

// Reset handles POST /sync/reset
func (h *TriageHandler) Reset(c *gin.Context) {
	var req struct {
		Purge bool `json:"purge"`
	}
	// 空 body 表示只重置状态
	_ = c.ShouldBindJSON(&req)

	account, ok := h.account(c)
	if !ok {
		return
	}

	if err := h.triageService.Reset(c.Request.Context(), account.ID, req.Purge); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "reset", "purged": req.Purge})
}

// ListEmails handles GET /emails
func (h *TriageHandler) ListEmails(c *gin.Context) {
	account, ok := h.account(c)
	if !ok {
		return
	}

	emails, err := h.triageService.ListEmails(c.Request.Context(), account.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list emails"})
		return
	}

	type classificationView struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
		Source     string  `json:"source"`
		Labelled   bool    `json:"labelled"`
	}
	type emailView struct {
		ID             int                 `json:"id"`
		RemoteID       string              `json:"remote_id"`
		Sender         string              `json:"sender"`
		Subject        string              `json:"subject"`
		Snippet        string              `json:"snippet"`
		ReceivedAt     string              `json:"received_at"`
		IsRead         bool                `json:"is_read"`
		Classification *classificationView `json:"classification,omitempty"`
	}

	views := make([]emailView, 0, len(emails))
	for _, e := range emails {
		v := emailView{
			ID:         e.Email.ID,
			RemoteID:   e.Email.RemoteID,
			Sender:     e.Email.Sender,
			Subject:    e.Email.Subject,
			Snippet:    e.Email.Snippet,
			ReceivedAt: e.Email.ReceivedAt.Format("2006-01-02T15:04:05Z07:00"),
			IsRead:     e.Email.IsRead,
		}
		if e.Classification != nil {
			v.Classification = &classificationView{
				Category:   string(e.Classification.Category),
				Confidence: e.Classification.Confidence,
				Rationale:  e.Classification.Rationale,
				Source:     e.Classification.Source,
				Labelled:   e.Classification.Labelled,
			}
		}
		views = append(views, v)
	}

	c.JSON(http.StatusOK, gin.H{"emails": views})
}

// OverrideCategory handles PUT /emails/:id/category
func (h *TriageHandler) OverrideCategory(c *gin.Context) {
	var req struct {
		Category string `json:"category" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	category, ok := model.ParseCategory(req.Category)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
		return
	}

	emailID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email id"})
		return
	}

	account, ok := h.account(c)
	if !ok {
		return
	}

	if err := h.triageService.OverrideCategory(c.Request.Context(), account.ID, emailID, category); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// account resolves the caller's mail account or writes the error response.
func (h *TriageHandler) account(c *gin.Context) (*model.Account, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return nil, false
	}

	account, err := h.triageService.AccountForUser(c.Request.Context(), userID.(int))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no connected mail account"})
		return nil, false
	}
	return account, true
}
