package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/lemonsync/internal/checkout/domain"
)

type urlResponse struct {
	URL string `json:"url"`
}

func (s *Server) CreateCheckout(c *gin.Context) {
	var req checkoutdomain.CheckoutInput
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	url, err := s.checkoutSvc.CheckoutURL(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, urlResponse{URL: url})
}

func (s *Server) GetSubscriptionPortal(c *gin.Context) {
	subscriptionID := strings.TrimSpace(c.Param("id"))
	if subscriptionID == "" {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	url, err := s.checkoutSvc.PortalURL(c.Request.Context(), subscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, urlResponse{URL: url})
}
