package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/lemonsync/internal/webhook/event"
	"github.com/smallbiznis/lemonsync/internal/webhook/gateway"
	"github.com/smallbiznis/lemonsync/internal/webhook/signature"
	"go.uber.org/zap"
)

// HandleLemonSqueezyWebhook answers with the {status, message} envelope the
// provider expects rather than the API error envelope.
func (s *Server) HandleLemonSqueezyWebhook(c *gin.Context) {
	body, err := gateway.ReadBody(c.Request.Body)
	if err != nil {
		if errors.Is(err, event.ErrPayloadTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gateway.Body{
				Status:  gateway.StatusError,
				Message: gateway.MessagePayloadTooLarge,
			})
			return
		}
		s.log.Warn("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gateway.Body{
			Status:  gateway.StatusError,
			Message: gateway.MessageInvalidJSON,
		})
		return
	}

	resp := s.webhooks.Handle(c.Request.Context(), body, c.GetHeader(signature.Header))
	c.JSON(resp.Code, resp.Body)
}
