package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/aidenerard/fluxspace-site/internal/http/response"
	"github.com/aidenerard/fluxspace-site/internal/pkg/dbctx"
	"github.com/aidenerard/fluxspace-site/internal/platform/ctxutil"
	"github.com/aidenerard/fluxspace-site/internal/services"
)

type UsageHandler struct {
	quota services.QuotaService
}

func NewUsageHandler(quota services.QuotaService) *UsageHandler {
	return &UsageHandler{quota: quota}
}

// GET /api/usage
func (h *UsageHandler) GetUsage(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	month := h.quota.CurrentMonth()
	uc, err := h.quota.Usage(dbc, ctxutil.UserID(dbc.Context()), month)
	if err != nil {
		response.RespondAPIError(c, err, "get_usage_failed")
		return
	}
	response.RespondOK(c, gin.H{"usage": gin.H{
		"month":              month,
		"jobs_used":          uc.JobsUsed,
		"jobs_limit":         h.quota.Limit(),
		"storage_used_bytes": uc.StorageUsedBytes,
	}})
}
