package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func SetupRouter(h *Handler, logger *zap.Logger, mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	payment := r.Group("/payment")
	{
		payment.GET("/verify/:reference", h.VerifyPayment)
		payment.POST("/verify", h.VerifyPaymentBody)
		payment.POST("/initiate", h.InitiatePayment)
		payment.GET("/transactions", h.ListTransactions)
	}

	wallet := r.Group("/wallet")
	{
		wallet.GET("/balance", h.GetWalletBalance)
	}

	r.POST("/webhooks/payments", h.PaymentWebhook)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
