package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"giftpocket/internal/config"
	"giftpocket/internal/metrics"
	"giftpocket/internal/model"
	"giftpocket/internal/notify"
	"giftpocket/internal/service"
	"giftpocket/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type Reconciler interface {
	Reconcile(ctx context.Context, reference, source string) (*service.Outcome, error)
}

type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte) (*service.WebhookResult, error)
}

type Payments interface {
	Initiate(ctx context.Context, req *service.InitiateRequest) (*model.Transaction, error)
	Wallet(ctx context.Context, userID int64) (*model.Wallet, error)
	ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error)
}

type Alerter interface {
	Alert(a notify.Alert)
}

type Handler struct {
	reconciler Reconciler
	webhooks   WebhookProcessor
	payments   Payments
	alerter    Alerter
	webhook    config.WebhookConfig
	logger     *zap.Logger
}

func NewHandler(reconciler Reconciler, webhooks WebhookProcessor, payments Payments, alerter Alerter, webhook config.WebhookConfig, logger *zap.Logger) *Handler {
	return &Handler{
		reconciler: reconciler,
		webhooks:   webhooks,
		payments:   payments,
		alerter:    alerter,
		webhook:    webhook,
		logger:     logger.Named("http"),
	}
}

// VerifyPayment reconciles a reference given in the path.
// GET /payment/verify/:reference
func (h *Handler) VerifyPayment(c *gin.Context) {
	h.reconcile(c, c.Param("reference"))
}

type VerifyRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// VerifyPaymentBody is the POST variant of VerifyPayment.
// POST /payment/verify
func (h *Handler) VerifyPaymentBody(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, string(service.CodeInvalidReference), "reference is required")
		return
	}
	h.reconcile(c, req.Reference)
}

func (h *Handler) reconcile(c *gin.Context, reference string) {
	out, err := h.reconciler.Reconcile(c.Request.Context(), reference, service.SourcePoll)
	if err != nil {
		h.logger.Error("verify payment", zap.String("reference", reference), zap.Error(err))
		response.Error(c, http.StatusInternalServerError, string(service.CodeInternalError), "")
		return
	}
	writeOutcome(c, out)
}

func writeOutcome(c *gin.Context, out *service.Outcome) {
	code := string(out.Code)
	fields := gin.H{"reference": out.Reference}
	if out.Transaction != nil {
		fields["transaction"] = out.Transaction
	}

	switch out.Code {
	case service.CodeAlreadyProcessed, service.CodeVerifiedCreated, service.CodeVerifiedSuccess:
		if out.Balance != nil {
			fields["balance"] = *out.Balance
		}
		if out.AmountMismatch {
			fields["amount_mismatch"] = true
		}
		response.Success(c, code, fields)
	case service.CodeVerificationFailed:
		fields["error"] = out.Error
		response.JSON(c, http.StatusOK, false, code, fields)
	case service.CodeInvalidReference:
		response.Error(c, http.StatusBadRequest, code, out.Error)
	case service.CodeTransactionNotFound:
		response.Error(c, http.StatusNotFound, code, out.Error)
	default:
		response.Error(c, http.StatusInternalServerError, string(service.CodeInternalError), "")
	}
}

// PaymentWebhook receives provider push notifications.
// POST /webhooks/payments
func (h *Handler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "unreadable body"})
		return
	}

	if !service.VerifySignature(h.webhook.Secret, body, c.GetHeader(h.webhook.SignatureHeader)) {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		h.logger.Warn("webhook signature mismatch",
			zap.String("remote_addr", c.ClientIP()),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Int("body_bytes", len(body)))
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid signature"})
		return
	}

	result, err := h.webhooks.Handle(c.Request.Context(), body)
	if err != nil {
		h.logger.Error("webhook processing failed", zap.Error(err))
		if h.alerter != nil {
			h.alerter.Alert(notify.Alert{
				Source:  "webhook",
				Message: "webhook processing failed",
				Error:   err.Error(),
				Fields:  map[string]interface{}{"request_id": c.GetString(requestIDKey)},
			})
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "internal error"})
		return
	}

	if result.Status == service.WebhookStatusSuccess {
		c.JSON(http.StatusOK, gin.H{"status": result.Status, "transactionId": result.TransactionID})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": result.Status, "details": result.Details})
}

type InitiateRequest struct {
	UserID        int64  `json:"user_id" binding:"required"`
	Amount        int64  `json:"amount" binding:"required,gt=0"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	Description   string `json:"description"`
}

// InitiatePayment creates a pending top-up and hands back its reference.
// POST /payment/initiate
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	txn, err := h.payments.Initiate(c.Request.Context(), &service.InitiateRequest{
		UserID:        req.UserID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Description:   req.Description,
	})
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, err.Error())
		return
	case errors.Is(err, service.ErrUnknownUser):
		response.NotFound(c, "user not found")
		return
	case err != nil:
		h.logger.Error("initiate payment", zap.Int64("user_id", req.UserID), zap.Error(err))
		response.ServerError(c)
		return
	}

	response.Success(c, "PAYMENT_INITIATED", gin.H{
		"reference":   txn.Reference,
		"transaction": txn,
	})
}

// GetWalletBalance GET /wallet/balance?user_id=xxx
func (h *Handler) GetWalletBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id must be a positive integer")
		return
	}

	wallet, err := h.payments.Wallet(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("load wallet", zap.Int64("user_id", userID), zap.Error(err))
		response.ServerError(c)
		return
	}

	response.Success(c, response.CodeOK, gin.H{
		"wallet": gin.H{
			"user_id":       wallet.UserID,
			"balance":       wallet.Balance,
			"currency":      wallet.Currency,
			"recent_topups": wallet.RecentTopups,
		},
	})
}

// ListTransactions GET /payment/transactions?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id must be a positive integer")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	list, total, err := h.payments.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.logger.Error("list transactions", zap.Int64("user_id", userID), zap.Error(err))
		response.ServerError(c)
		return
	}

	response.Success(c, response.CodeOK, gin.H{
		"list":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
