package server

import (
	"net/http"
	"strings"

	organizationdomain "github.com/dojoflow/dojoflow/internal/organization/domain"
	"github.com/gin-gonic/gin"
)

type provisionOrganizationRequest struct {
	Name            string `json:"name"`
	TimezoneName    string `json:"timezone_name"`
	SupportEmail    string `json:"support_email"`
	PeriodAllowance *int64 `json:"period_allowance"`
}

func (s *Server) ProvisionOrganization(c *gin.Context) {
	var req provisionOrganizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.organizationSvc.Provision(c.Request.Context(), organizationdomain.ProvisionRequest{
		Name:            strings.TrimSpace(req.Name),
		TimezoneName:    strings.TrimSpace(req.TimezoneName),
		SupportEmail:    strings.TrimSpace(req.SupportEmail),
		PeriodAllowance: req.PeriodAllowance,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) GetOrganizationByID(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.organizationSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListOrganizations(c *gin.Context) {
	items, err := s.organizationSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}
