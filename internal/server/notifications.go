package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"github.com/smallbiznis/payrelay/internal/payment/webhook"
)

const maxNotificationBytes = 64 << 10

// HandleNotification answers provider callbacks. Every outcome is rendered
// here as {"message"} with 200, 400, 403 or 422.
func (s *Server) HandleNotification(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes+1))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "Invalid notification"})
		return
	}
	truncated := len(body) > maxNotificationBytes
	if truncated {
		body = body[:maxNotificationBytes]
	}

	err = s.notifications.Handle(c.Request.Context(), webhook.Request{
		Method:     c.Request.Method,
		Headers:    c.Request.Header,
		Query:      c.Request.URL.Query(),
		Body:       body,
		RemoteAddr: c.ClientIP(),
		Truncated:  truncated,
	})
	if err == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	var authErr *webhook.AuthError
	if errors.As(err, &authErr) {
		c.JSON(authErr.Status, gin.H{"message": authErr.Message})
		return
	}
	c.JSON(http.StatusUnprocessableEntity, gin.H{"message": notificationMessage(err)})
}

func notificationMessage(err error) string {
	switch {
	case errors.Is(err, paymentdomain.ErrMalformedPayload),
		errors.Is(err, paymentdomain.ErrInvalidNotification):
		return "Invalid notification"
	case errors.Is(err, paymentdomain.ErrOrderNotFound):
		return "Order not found"
	case errors.Is(err, paymentdomain.ErrNothingToInvoice):
		return "Order has nothing to invoice"
	case errors.Is(err, paymentdomain.ErrPaymentFailed):
		return "Payment has failed"
	case errors.Is(err, paymentdomain.ErrInvalidTransition):
		return "Payment was not requested"
	case errors.Is(err, paymentdomain.ErrNotificationInFlight),
		errors.Is(err, paymentdomain.ErrAlreadyInvoiced):
		return "Notification already being processed"
	default:
		return "Unable to process notification"
	}
}
