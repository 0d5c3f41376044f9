package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

type AssessmentHandlers struct {
	assessments     services.AssessmentService
	insights        services.InsightsService
	recommendations services.RecommendationService
	audit           services.AuditService
}

func NewAssessmentHandlers(
	assessments services.AssessmentService,
	insights services.InsightsService,
	recommendations services.RecommendationService,
	audit services.AuditService,
) *AssessmentHandlers {
	return &AssessmentHandlers{
		assessments:     assessments,
		insights:        insights,
		recommendations: recommendations,
		audit:           audit,
	}
}

func (h *AssessmentHandlers) CreateAssessment(c *gin.Context) {
	var req models.CreateAssessmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}
	userID, ok := requestUser(c)
	if !ok {
		return
	}

	assessment, err := h.assessments.CreateAssessment(c.Request.Context(), req, orgID, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, assessment)
}

func (h *AssessmentHandlers) ListAssessments(c *gin.Context) {
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	filter := models.AssessmentListFilter{
		Search: c.Query("search"),
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.Size, _ = strconv.Atoi(c.DefaultQuery("size", "20"))
	if status := models.AssessmentStatus(c.Query("status")); status != "" {
		filter.Status = &status
	}
	if level := models.SecurityLevel(c.Query("security_level")); level != "" {
		filter.SecurityLevel = &level
	}

	response, err := h.assessments.ListAssessments(c.Request.Context(), filter, orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *AssessmentHandlers) GetAssessment(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	assessment, err := h.assessments.GetAssessment(c.Request.Context(), id, orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assessment)
}

func (h *AssessmentHandlers) DeleteAssessment(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}
	userID, ok := requestUser(c)
	if !ok {
		return
	}

	if err := h.assessments.DeleteAssessment(c.Request.Context(), id, orgID, userID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Assessment deleted"})
}

func (h *AssessmentHandlers) UpdateStatus(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	var req models.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	assessment, err := h.assessments.UpdateStatus(c.Request.Context(), id, orgID, req, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assessment)
}

func (h *AssessmentHandlers) UpdateAnswer(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	var req models.UpdateAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	result, err := h.assessments.UpdateAnswer(c.Request.Context(), id, orgID, req, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Submit validates mandatory completeness and the completion floor; the
// blocked case returns 422 with the structured errors and warnings.
func (h *AssessmentHandlers) Submit(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}
	actor, ok := requestActor(c)
	if !ok {
		return
	}

	result, err := h.assessments.Submit(c.Request.Context(), id, orgID, actor)
	if err != nil {
		respondError(c, err)
		return
	}
	if !result.Submitted {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AssessmentHandlers) GetCompliance(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	report, err := h.assessments.GetCompliance(c.Request.Context(), id, orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *AssessmentHandlers) GetProgress(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	progress, err := h.assessments.GetProgress(c.Request.Context(), id, orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *AssessmentHandlers) GetInsights(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	assessment, err := h.assessments.GetAssessment(c.Request.Context(), id, orgID)
	if err != nil {
		respondError(c, err)
		return
	}

	insights, err := h.insights.GetInsights(c.Request.Context(), assessment, c.DefaultQuery("language", "hr"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, insights)
}

func (h *AssessmentHandlers) GenerateRecommendations(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	assessment, err := h.assessments.GetAssessment(c.Request.Context(), id, orgID)
	if err != nil {
		respondError(c, err)
		return
	}

	language := c.DefaultQuery("language", "hr")
	if controlParam := c.Query("control_id"); controlParam != "" {
		controlID, err := parseUUIDQuery(controlParam)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid control_id", "details": err.Error()})
			return
		}
		recommendation, err := h.recommendations.GenerateForControl(c.Request.Context(), assessment, controlID, language)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, recommendation)
		return
	}

	count, err := h.recommendations.GenerateBatch(c.Request.Context(), assessment, language)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"generated": count})
}

func (h *AssessmentHandlers) ListRecommendations(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	// Tenancy check before touching recommendation rows.
	if _, err := h.assessments.GetAssessment(c.Request.Context(), id, orgID); err != nil {
		respondError(c, err)
		return
	}

	recommendations, err := h.recommendations.ListActive(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recommendations})
}

func (h *AssessmentHandlers) GetAuditLog(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	if _, err := h.assessments.GetAssessment(c.Request.Context(), id, orgID); err != nil {
		respondError(c, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := h.audit.ListByAssessment(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
