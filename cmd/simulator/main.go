package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Outcome is the settled result of a simulated payment.
type Outcome struct {
	ResultCode int
	ResultDesc string
}

var (
	outcomeSuccess      = Outcome{ResultCode: 0, ResultDesc: "The service request is processed successfully."}
	outcomeCancelled    = Outcome{ResultCode: 1032, ResultDesc: "Request cancelled by user"}
	outcomeInsufficient = Outcome{ResultCode: 1, ResultDesc: "The balance is insufficient for the transaction"}
)

type paymentKind string

const (
	kindSTK paymentKind = "stkpush"
	kindB2C paymentKind = "b2c"
)

// session tracks one in-flight simulated payment between acceptance and
// callback delivery.
type session struct {
	kind          paymentKind
	correlationID string
	originatorID  string
	callbackURL   string
	amount        string
	phone         string
	outcome       Outcome
	settleAt      time.Time
	dropCallback  bool
	settled       bool
}

type stkPushRequest struct {
	Amount      string `json:"Amount" binding:"required"`
	PhoneNumber string `json:"PhoneNumber" binding:"required"`
	CallBackURL string `json:"CallBackURL" binding:"required"`
}

type stkQueryRequest struct {
	CheckoutRequestID string `json:"CheckoutRequestID" binding:"required"`
}

type b2cRequest struct {
	Amount    string `json:"Amount" binding:"required"`
	PartyB    string `json:"PartyB" binding:"required"`
	ResultURL string `json:"ResultURL" binding:"required"`
}

// MockDaraja simulates the Daraja sandbox: it accepts payment
// initiations, settles them after a random delay and posts the result
// to the caller's callback URL. A configurable fraction of callbacks is
// dropped so the consuming side's poller and timeout paths get real
// traffic.
type MockDaraja struct {
	mu          sync.Mutex
	sessions    map[string]*session
	successRate float64
	cancelRate  float64
	dropRate    float64
	minDelay    time.Duration
	maxDelay    time.Duration
	rng         *rand.Rand
	httpClient  *http.Client
}

func NewMockDaraja(successRate, cancelRate, dropRate float64, minDelay, maxDelay time.Duration) *MockDaraja {
	return &MockDaraja{
		sessions:    make(map[string]*session),
		successRate: successRate,
		cancelRate:  cancelRate,
		dropRate:    dropRate,
		minDelay:    minDelay,
		maxDelay:    maxDelay,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *MockDaraja) accept(s *session) {
	m.mu.Lock()
	s.outcome = m.pickOutcome()
	s.settleAt = time.Now().Add(m.randomDelay())
	s.dropCallback = m.rng.Float64() < m.dropRate
	m.sessions[s.correlationID] = s
	m.mu.Unlock()

	go m.settle(s)
}

// settle waits for the payment's settle time, marks the session settled
// so status queries report the final code, then posts the callback
// unless this session was chosen to lose it.
func (m *MockDaraja) settle(s *session) {
	time.Sleep(time.Until(s.settleAt))

	m.mu.Lock()
	s.settled = true
	drop := s.dropCallback
	m.mu.Unlock()

	if drop {
		log.Warn().
			Str("correlation_id", s.correlationID).
			Int("result_code", s.outcome.ResultCode).
			Msg("dropping callback, consumer must reconcile via query or timeout")
		return
	}

	var payload []byte
	switch s.kind {
	case kindSTK:
		payload = m.stkCallbackPayload(s)
	case kindB2C:
		payload = m.b2cResultPayload(s)
	}

	resp, err := m.httpClient.Post(s.callbackURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Error().Err(err).
			Str("correlation_id", s.correlationID).
			Str("url", s.callbackURL).
			Msg("callback delivery failed")
		return
	}
	resp.Body.Close()

	log.Info().
		Str("correlation_id", s.correlationID).
		Int("result_code", s.outcome.ResultCode).
		Int("status", resp.StatusCode).
		Msg("callback delivered")
}

func (m *MockDaraja) stkCallbackPayload(s *session) []byte {
	if s.outcome.ResultCode == 0 {
		return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"%s","CheckoutRequestID":"%s","ResultCode":0,"ResultDesc":"%s","CallbackMetadata":{"Item":[{"Name":"Amount","Value":%s},{"Name":"MpesaReceiptNumber","Value":"%s"},{"Name":"TransactionDate","Value":%s},{"Name":"PhoneNumber","Value":%s}]}}}}`,
			s.originatorID, s.correlationID, s.outcome.ResultDesc,
			s.amount, receiptNumber(m.rng), time.Now().Format("20060102150405"), s.phone))
	}
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"%s","CheckoutRequestID":"%s","ResultCode":%d,"ResultDesc":"%s"}}}`,
		s.originatorID, s.correlationID, s.outcome.ResultCode, s.outcome.ResultDesc))
}

func (m *MockDaraja) b2cResultPayload(s *session) []byte {
	transactionID := ""
	if s.outcome.ResultCode == 0 {
		transactionID = receiptNumber(m.rng)
	}
	return []byte(fmt.Sprintf(`{"Result":{"ResultType":0,"ResultCode":%d,"ResultDesc":"%s","OriginatorConversationID":"%s","ConversationID":"%s","TransactionID":"%s","ResultParameters":{"ResultParameter":[{"Name":"TransactionAmount","Value":%s},{"Name":"TransactionReceipt","Value":"%s"}]}}}`,
		s.outcome.ResultCode, s.outcome.ResultDesc, s.originatorID, s.correlationID, transactionID, s.amount, transactionID))
}

func (m *MockDaraja) pickOutcome() Outcome {
	r := m.rng.Float64()
	if r < m.successRate {
		return outcomeSuccess
	}
	if r < m.successRate+m.cancelRate {
		return outcomeCancelled
	}
	return outcomeInsufficient
}

func (m *MockDaraja) randomDelay() time.Duration {
	delta := m.maxDelay - m.minDelay
	if delta <= 0 {
		return m.minDelay
	}
	return m.minDelay + time.Duration(m.rng.Int63n(int64(delta)))
}

func receiptNumber(rng *rand.Rand) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}

type Handler struct {
	daraja *MockDaraja
}

func NewHandler(daraja *MockDaraja) *Handler {
	return &Handler{daraja: daraja}
}

// Token mimics the OAuth endpoint. Any Basic credentials are accepted.
func (h *Handler) Token(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"access_token": uuid.New().String(),
		"expires_in":   "3599",
	})
}

func (h *Handler) STKPush(c *gin.Context) {
	var req stkPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"requestId":    uuid.New().String(),
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - " + err.Error(),
		})
		return
	}

	s := &session{
		kind:          kindSTK,
		correlationID: "ws_CO_" + uuid.New().String()[:18],
		originatorID:  uuid.New().String(),
		callbackURL:   req.CallBackURL,
		amount:        req.Amount,
		phone:         req.PhoneNumber,
	}
	h.daraja.accept(s)

	log.Info().
		Str("checkout_request_id", s.correlationID).
		Str("phone", req.PhoneNumber).
		Str("amount", req.Amount).
		Msg("STK push accepted")

	c.JSON(http.StatusOK, gin.H{
		"MerchantRequestID":   s.originatorID,
		"CheckoutRequestID":   s.correlationID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})
}

// STKQuery reports the settled result, or the in-flight error body the
// real sandbox returns while the payer has not acted yet.
func (h *Handler) STKQuery(c *gin.Context) {
	var req stkQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": err.Error()})
		return
	}

	h.daraja.mu.Lock()
	s, ok := h.daraja.sessions[req.CheckoutRequestID]
	var settled bool
	var outcome Outcome
	if ok {
		settled = s.settled
		outcome = s.outcome
	}
	h.daraja.mu.Unlock()

	if !ok || !settled {
		c.JSON(http.StatusInternalServerError, gin.H{
			"requestId":    uuid.New().String(),
			"errorCode":    "500.001.1001",
			"errorMessage": "The transaction is being processed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ResponseCode":        "0",
		"ResponseDescription": "The service request has been accepted successfully",
		"ResultCode":          fmt.Sprintf("%d", outcome.ResultCode),
		"ResultDesc":          outcome.ResultDesc,
	})
}

func (h *Handler) B2C(c *gin.Context) {
	var req b2cRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"requestId":    uuid.New().String(),
			"errorCode":    "400.002.02",
			"errorMessage": "Bad Request - " + err.Error(),
		})
		return
	}

	s := &session{
		kind:          kindB2C,
		correlationID: "AG_" + time.Now().Format("20060102") + "_" + uuid.New().String()[:16],
		originatorID:  uuid.New().String(),
		callbackURL:   req.ResultURL,
		amount:        req.Amount,
		phone:         req.PartyB,
	}
	h.daraja.accept(s)

	log.Info().
		Str("conversation_id", s.correlationID).
		Str("phone", req.PartyB).
		Str("amount", req.Amount).
		Msg("B2C payment accepted")

	c.JSON(http.StatusOK, gin.H{
		"ConversationID":           s.correlationID,
		"OriginatorConversationID": s.originatorID,
		"ResponseCode":             "0",
		"ResponseDescription":      "Accept the service request successfully.",
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"success_rate": h.daraja.successRate,
		"drop_rate":    h.daraja.dropRate,
		"timestamp":    time.Now(),
	})
}

// UpdateConfig changes outcome rates at runtime so failure scenarios can
// be dialed in mid test run.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var cfg struct {
		SuccessRate *float64 `json:"success_rate"`
		CancelRate  *float64 `json:"cancel_rate"`
		DropRate    *float64 `json:"drop_rate"`
	}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.daraja.mu.Lock()
	if cfg.SuccessRate != nil && *cfg.SuccessRate >= 0 && *cfg.SuccessRate <= 1 {
		h.daraja.successRate = *cfg.SuccessRate
	}
	if cfg.CancelRate != nil && *cfg.CancelRate >= 0 && *cfg.CancelRate <= 1 {
		h.daraja.cancelRate = *cfg.CancelRate
	}
	if cfg.DropRate != nil && *cfg.DropRate >= 0 && *cfg.DropRate <= 1 {
		h.daraja.dropRate = *cfg.DropRate
	}
	c.JSON(http.StatusOK, gin.H{
		"success_rate": h.daraja.successRate,
		"cancel_rate":  h.daraja.cancelRate,
		"drop_rate":    h.daraja.dropRate,
	})
	h.daraja.mu.Unlock()
}

func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request processed")
	})

	router.GET("/oauth/v1/generate", handler.Token)
	router.POST("/mpesa/stkpush/v1/processrequest", handler.STKPush)
	router.POST("/mpesa/stkpushquery/v1/query", handler.STKQuery)
	router.POST("/mpesa/b2c/v1/paymentrequest", handler.B2C)
	router.GET("/health", handler.HealthCheck)
	router.PUT("/config", handler.UpdateConfig)

	return router
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := getEnv("PORT", "8082")
	successRate := getEnvFloat("SUCCESS_RATE", 0.8)
	cancelRate := getEnvFloat("CANCEL_RATE", 0.1)
	dropRate := getEnvFloat("DROP_RATE", 0.1)
	minDelay := getEnvDuration("MIN_DELAY", 2*time.Second)
	maxDelay := getEnvDuration("MAX_DELAY", 15*time.Second)

	log.Info().
		Str("port", port).
		Float64("success_rate", successRate).
		Float64("cancel_rate", cancelRate).
		Float64("drop_rate", dropRate).
		Msg("starting Daraja simulator")

	daraja := NewMockDaraja(successRate, cancelRate, dropRate, minDelay, maxDelay)
	handler := NewHandler(daraja)
	router := SetupRouter(handler)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
