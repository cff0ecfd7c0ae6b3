package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	anchordomain "github.com/smallbiznis/lemonsync/internal/trustanchor/domain"
)

func (s *Server) ListSettings(c *gin.Context) {
	items, err := s.anchorSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []anchordomain.Summary{}
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) UpsertSettings(c *gin.Context) {
	var req anchordomain.UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	summary, err := s.anchorSvc.Upsert(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) TestSettings(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	result, err := s.anchorSvc.TestConnection(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
