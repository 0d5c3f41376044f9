package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zks-assess/services"
)

type QuestionnaireHandlers struct {
	questionnaire services.QuestionnaireService
}

func NewQuestionnaireHandlers(questionnaire services.QuestionnaireService) *QuestionnaireHandlers {
	return &QuestionnaireHandlers{questionnaire: questionnaire}
}

// ImportQuestionnaire ingests the canonical control workbook. Operator
// only; force=true reactivates a version whose content already matches.
func (h *QuestionnaireHandlers) ImportQuestionnaire(c *gin.Context) {
	userID, ok := requestUser(c)
	if !ok {
		return
	}
	if !requestHasRole(c, "operator") {
		c.JSON(http.StatusForbidden, gin.H{"error": "Questionnaire import requires the operator role"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file", "details": err.Error()})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to open upload", "details": err.Error()})
		return
	}
	defer file.Close()

	force := c.Query("force") == "true" || c.PostForm("force") == "true"

	result, err := h.questionnaire.ImportWorkbook(c.Request.Context(), file, fileHeader.Filename, force, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.NoOp {
		c.JSON(http.StatusOK, result)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetActiveQuestionnaire returns the active catalog snapshot metadata and
// measure tree.
func (h *QuestionnaireHandlers) GetActiveQuestionnaire(c *gin.Context) {
	active, err := h.questionnaire.Active()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, active)
}
