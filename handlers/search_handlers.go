package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type SearchHandlers struct {
	search  services.SearchService
	answers services.AnswerService
}

func NewSearchHandlers(search services.SearchService, answers services.AnswerService) *SearchHandlers {
	return &SearchHandlers{
		search:  search,
		answers: answers,
	}
}

func (h *SearchHandlers) Search(c *gin.Context) {
	var req models.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}
	req.OrgID = orgID

	response, err := h.search.Search(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *SearchHandlers) Answer(c *gin.Context) {
	req, ok := h.bindAnswerRequest(c)
	if !ok {
		return
	}

	response, err := h.answers.AnswerWithCitations(c.Request.Context(), *req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

// AnswerStream writes the typed event stream as newline-delimited JSON:
// content deltas, one metadata event with validated citations, then done.
func (h *SearchHandlers) AnswerStream(c *gin.Context) {
	req, ok := h.bindAnswerRequest(c)
	if !ok {
		return
	}

	events, err := h.answers.StreamAnswer(c.Request.Context(), *req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	encoder := json.NewEncoder(c.Writer)
	c.Stream(func(w io.Writer) bool {
		event, open := <-events
		if !open {
			return false
		}
		if err := encoder.Encode(event); err != nil {
			return false
		}
		return event.Type != models.StreamEventDone && event.Type != models.StreamEventError
	})
}

func (h *SearchHandlers) bindAnswerRequest(c *gin.Context) (*models.AnswerRequest, bool) {
	var req models.AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return nil, false
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return nil, false
	}
	userID, ok := requestUser(c)
	if !ok {
		return nil, false
	}
	req.OrgID = orgID
	req.UserID = userID
	if req.Language == "" {
		req.Language = "hr"
	}
	return &req, true
}
