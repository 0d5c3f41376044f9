package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/zks-assess/models"
	"github.com/zks-assess/services"
)

// maxUploadBytes caps document uploads at 50 MB.
const maxUploadBytes = 50 << 20

type DocumentHandlers struct {
	documents services.DocumentService
}

func NewDocumentHandlers(documents services.DocumentService) *DocumentHandlers {
	return &DocumentHandlers{documents: documents}
}

// UploadDocument accepts a multipart form with the file plus optional
// title, document_type, source and scope fields. Global-scope uploads
// require the operator role.
func (h *DocumentHandlers) UploadDocument(c *gin.Context) {
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}
	userID, ok := requestUser(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file", "details": err.Error()})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds upload limit"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to open upload", "details": err.Error()})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload", "details": err.Error()})
		return
	}
	if int64(len(data)) > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File exceeds upload limit"})
		return
	}

	req := models.UploadDocumentRequest{
		Title:        c.PostForm("title"),
		DocumentType: models.DocType(c.PostForm("document_type")),
		Source:       c.PostForm("source"),
		Scope:        models.DocumentScope(c.DefaultPostForm("scope", string(models.DocumentScopeOrganization))),
	}

	global := req.Scope == models.DocumentScopeGlobal
	if global && !requestHasRole(c, "operator") {
		c.JSON(http.StatusForbidden, gin.H{"error": "Global documents require the operator role"})
		return
	}

	document, jobID, err := h.documents.Upload(c.Request.Context(), req, fileHeader.Filename, data, orgID, userID, global)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"document": document,
		"job_id":   jobID,
	})
}

func (h *DocumentHandlers) GetDocument(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	document, err := h.documents.GetDocument(c.Request.Context(), id, orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *DocumentHandlers) ListDocuments(c *gin.Context) {
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	response, err := h.documents.ListDocuments(c.Request.Context(), orgID, page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *DocumentHandlers) DeleteDocument(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	if err := h.documents.DeleteDocument(c.Request.Context(), id, orgID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Document deleted"})
}

func (h *DocumentHandlers) ReprocessDocument(c *gin.Context) {
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	orgID, ok := requestOrg(c)
	if !ok {
		return
	}

	jobID, err := h.documents.Reprocess(c.Request.Context(), id, orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}
