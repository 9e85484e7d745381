package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aidenerard/fluxspace-site/internal/http/response"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/services"
)

type ProjectHandler struct {
	projects services.ProjectService
}

func NewProjectHandler(projects services.ProjectService) *ProjectHandler {
	return &ProjectHandler{projects: projects}
}

// POST /api/projects
func (h *ProjectHandler) CreateProject(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	p, err := h.projects.CreateForRequestUser(dbctx.Context{Ctx: c.Request.Context()}, req.Name)
	if err != nil {
		response.RespondAPIError(c, err, "create_project_failed")
		return
	}
	response.RespondOK(c, gin.H{"project": p})
}

// GET /api/projects
func (h *ProjectHandler) ListProjects(c *gin.Context) {
	list, err := h.projects.ListForRequestUser(dbctx.Context{Ctx: c.Request.Context()})
	if err != nil {
		response.RespondAPIError(c, err, "list_projects_failed")
		return
	}
	response.RespondOK(c, gin.H{"projects": list})
}

// GET /api/projects/:id
func (h *ProjectHandler) GetProject(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_project_id", err)
		return
	}
	p, err := h.projects.GetForRequestUser(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAPIError(c, err, "get_project_failed")
		return
	}
	response.RespondOK(c, gin.H{"project": p})
}
