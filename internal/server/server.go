package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"elearn-backend/internal/config"
	"elearn-backend/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type Server struct {
	cfg        config.Config
	settlement *usecase.SettlementService
	router     *gin.Engine
	log        *slog.Logger
}

func New(cfg config.Config, settlement *usecase.SettlementService, log *slog.Logger) *Server {
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		settlement: settlement,
		router:     gin.New(),
		log:        log,
	}
	s.router.Use(gin.Recovery(), s.cors())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	api := s.router.Group("/api/payments")

	// Webhook carries its own signature; no session auth.
	api.POST("/webhook", s.handleWebhook)

	auth := api.Group("", s.auth())
	auth.POST("/orders", s.handleCreateOrder)
	auth.POST("/verify", s.handleVerifyPayment)
	auth.GET("/orders/:id", s.handlePaymentStatus)
	auth.GET("/history", s.handlePaymentHistory)
	auth.GET("/remote/:id", s.handleRemoteStatus)
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authorization required"})
			return
		}
		token := strings.TrimPrefix(h, "Bearer ")
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}
		userID, _ := claims["user_id"].(string)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}
		c.Set("userID", userID)
		c.Next()
	}
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var in usecase.CreateOrderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, usecase.ErrBadRequest("invalid json body"))
		return
	}
	res, err := s.settlement.CreateOrder(c.Request.Context(), c.GetString("userID"), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"order":     res.Order,
		"orderId":   res.OrderID,
		"paymentId": res.PaymentID,
		"amount":    res.Amount,
		"currency":  res.Currency,
	})
}

func (s *Server) handleVerifyPayment(c *gin.Context) {
	var in usecase.VerifyPaymentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, usecase.ErrBadRequest("invalid json body"))
		return
	}
	res, err := s.settlement.VerifyPayment(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	msg := "Payment verified successfully"
	if res.AlreadyVerified {
		msg = "Payment already verified"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg, "data": res})
}

// handleWebhook acknowledges receipt before any processing so the gateway's
// retry policy never mistakes slow reconciliation for delivery failure.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"received": false})
		return
	}
	signature := c.GetHeader("X-Razorpay-Signature")
	eventID := c.GetHeader("X-Razorpay-Event-Id")

	c.JSON(http.StatusAccepted, gin.H{"received": true})

	go func() {
		if err := s.settlement.ProcessWebhook(context.Background(), body, signature, eventID); err != nil {
			s.log.Error("webhook processing failed", "eventId", eventID, "err", err)
		}
	}()
}

func (s *Server) handlePaymentStatus(c *gin.Context) {
	res, err := s.settlement.PaymentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": res})
}

func (s *Server) handlePaymentHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	page, limit = usecase.ClampPage(page, limit)
	payments, total, err := s.settlement.PaymentHistory(c.Request.Context(), c.GetString("userID"), page, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	totalPages := total / limit
	if total%limit != 0 {
		totalPages++
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"payments":    payments,
			"total":       total,
			"totalPages":  totalPages,
			"currentPage": page,
		},
	})
}

func (s *Server) handleRemoteStatus(c *gin.Context) {
	order, err := s.settlement.RemoteOrderStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": order})
}

func (s *Server) fail(c *gin.Context, err error) {
	switch e := err.(type) {
	case usecase.ErrBadRequest:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": e.Error()})
	case usecase.ErrNotFound:
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": e.Error()})
	case usecase.ErrVerification:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": e.Error()})
	default:
		body := gin.H{"success": false, "message": "request failed, please try again"}
		if s.cfg.Env == "dev" {
			body["error"] = err.Error()
		}
		s.log.Error("request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, body)
	}
}
