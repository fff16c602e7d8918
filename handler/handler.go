package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"requirements-agent/internal/domain"
	"requirements-agent/internal/ledger"
	"requirements-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	correlationKey    = "correlation_id"

	errorTypeCredits = "CREDITS"
	errorTypeOther   = "OTHER"

	defaultMaxBodyBytes = 1 << 20
)

type ChatUseCase interface {
	Start(ctx context.Context, in usecase.ChatInput) (*usecase.Session, error)
}

type CreditUseCase interface {
	Balance(ctx context.Context, userID string) (int, error)
	TopOff(ctx context.Context, userID string, amount int) (int, error)
	Reset(ctx context.Context, userID string) error
	Purchase(ctx context.Context, userID, plan string) (int, error)
	Plans() []ledger.Plan
}

type SessionUseCase interface {
	SignIn(ctx context.Context, p domain.Profile, path string) (usecase.SignInOutput, error)
}

// TokenVerifier resolves a bearer identity token to its user id.
type TokenVerifier interface {
	Subject(token string) (string, error)
}

type Handler struct {
	chat         ChatUseCase
	credits      CreditUseCase
	sessions     SessionUseCase
	verifier     TokenVerifier
	allowOrigin  string
	maxBodyBytes int64
	engine       *gin.Engine
}

type Option func(*Handler)

// WithVerifier requires every request naming a user to carry a matching
// bearer identity token.
func WithVerifier(v TokenVerifier) Option {
	return func(h *Handler) {
		h.verifier = v
	}
}

func WithAllowOrigin(origin string) Option {
	return func(h *Handler) {
		if origin = strings.TrimSpace(origin); origin != "" {
			h.allowOrigin = origin
		}
	}
}

// WithMaxBodyBytes caps request bodies. Larger bodies are rejected with 400.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// userScoped is a request body naming the user it acts for.
type userScoped interface {
	user() string
}

type chatRequest struct {
	Messages []domain.ChatMessage `json:"messages" binding:"required"`
	UserID   string               `json:"userId"`
}

func (r chatRequest) user() string { return r.UserID }

type sessionRequest struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoURL"`
	Path     string `json:"path"`
}

func (r sessionRequest) user() string { return r.UserID }

type sessionResponse struct {
	Credits  int    `json:"credits"`
	Created  bool   `json:"created"`
	Redirect string `json:"redirect,omitempty"`
}

type topOffRequest struct {
	UserID string `json:"userId"`
	Amount int    `json:"amount" binding:"required"`
}

func (r topOffRequest) user() string { return r.UserID }

type purchaseRequest struct {
	UserID string `json:"userId"`
	Plan   string `json:"plan" binding:"required"`
}

func (r purchaseRequest) user() string { return r.UserID }

type resetRequest struct {
	UserID string `json:"userId"`
}

func (r resetRequest) user() string { return r.UserID }

type creditsResponse struct {
	Credits int `json:"credits"`
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
	Code  string `json:"code"`
}

func NewHandler(chat ChatUseCase, credits CreditUseCase, sessions SessionUseCase, opts ...Option) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if credits == nil {
		return nil, errors.New("handler: credit use case must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("handler: session use case must not be nil")
	}
	h := &Handler{
		chat:         chat,
		credits:      credits,
		sessions:     sessions,
		allowOrigin:  "*",
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.engine = h.routes()
	return h, nil
}

func (h *Handler) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), correlationMiddleware(), logMiddleware(), corsMiddleware(h.allowOrigin))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", bodyLimitMiddleware(h.maxBodyBytes))
	api.POST("/chat", h.chatStream)
	api.POST("/session", h.signIn)
	api.GET("/credits", h.balance)
	api.GET("/credits/plans", h.plans)
	api.POST("/credits/purchase", h.purchase)
	api.POST("/credits/topoff", h.topOff)
	api.POST("/credits/reset", h.reset)
	return r
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

func (h *Handler) chatStream(c *gin.Context) {
	var req chatRequest
	if !h.bindBody(c, &req) {
		return
	}

	sess, err := h.chat.Start(c.Request.Context(), usecase.ChatInput{
		UserID:    req.UserID,
		RequestID: c.GetString(correlationKey),
		Messages:  req.Messages,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	defer sess.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Vercel-AI-Data-Stream", "v1")
	header.Set("X-Credits-Remaining", strconv.Itoa(sess.Balance))
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	if err := sess.Forward(&dataStreamSink{w: c.Writer}); err != nil {
		slog.Warn("chat stream ended early", "correlation_id", c.GetString(correlationKey), "err", err)
	}
}

func (h *Handler) signIn(c *gin.Context) {
	var req sessionRequest
	if !h.bindBody(c, &req) {
		return
	}
	out, err := h.sessions.SignIn(c.Request.Context(), domain.Profile{
		UserID:   req.UserID,
		Email:    req.Email,
		Name:     req.Name,
		PhotoURL: req.PhotoURL,
	}, req.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		Credits:  out.Account.Credits,
		Created:  out.Created,
		Redirect: out.Redirect,
	})
}

func (h *Handler) balance(c *gin.Context) {
	userID := c.Query("userId")
	if !h.authorize(c, userID) {
		return
	}
	credits, err := h.credits.Balance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, creditsResponse{Credits: credits})
}

func (h *Handler) plans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": h.credits.Plans()})
}

func (h *Handler) purchase(c *gin.Context) {
	var req purchaseRequest
	if !h.bindBody(c, &req) {
		return
	}
	credits, err := h.credits.Purchase(c.Request.Context(), req.UserID, req.Plan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, creditsResponse{Credits: credits})
}

func (h *Handler) topOff(c *gin.Context) {
	var req topOffRequest
	if !h.bindBody(c, &req) {
		return
	}
	credits, err := h.credits.TopOff(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, creditsResponse{Credits: credits})
}

func (h *Handler) reset(c *gin.Context) {
	var req resetRequest
	if !h.bindBody(c, &req) {
		return
	}
	if err := h.credits.Reset(c.Request.Context(), req.UserID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, creditsResponse{Credits: 0})
}

// bindBody decodes and validates a JSON body, then checks the caller's
// identity. A body that names no user is answered 401 even when other fields
// fail validation.
func (h *Handler) bindBody(c *gin.Context, req userScoped) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		var fieldErrs validator.ValidationErrors
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &fieldErrs) && strings.TrimSpace(req.user()) == "":
			writeError(c, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_user_id", Err: err})
		case errors.As(err, &tooLarge):
			writeError(c, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "body_too_large", Err: err})
		default:
			writeError(c, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err})
		}
		return false
	}
	return h.authorize(c, req.user())
}

// authorize checks the bearer identity token against userID when a verifier
// is configured. An absent userID is left to the use case to reject.
func (h *Handler) authorize(c *gin.Context, userID string) bool {
	if h.verifier == nil || strings.TrimSpace(userID) == "" {
		return true
	}
	sub, err := h.verifier.Subject(c.GetHeader("Authorization"))
	if err == nil && sub == strings.TrimSpace(userID) {
		return true
	}
	if err == nil {
		err = errors.New("handler: token subject does not match user id")
	}
	writeError(c, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "identity_mismatch", Err: err})
	return false
}

func writeError(c *gin.Context, err error) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		ucErr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	status, message := statusFor(ucErr.Code)
	errType := errorTypeOther
	if ucErr.Code == usecase.ErrorCreditsExhausted {
		errType = errorTypeCredits
	}

	logArgs := []any{"correlation_id", c.GetString(correlationKey), "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", logArgs...)
	} else {
		slog.Info("request rejected", logArgs...)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: message, Type: errType, Code: string(ucErr.Code)})
}

func statusFor(code usecase.ErrorCode) (int, string) {
	switch code {
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized, "Unauthorized"
	case usecase.ErrorCreditsExhausted:
		return http.StatusForbidden, "No credits remaining"
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, "Invalid request"
	case usecase.ErrorNotFound:
		return http.StatusNotFound, "User not found"
	default:
		return http.StatusInternalServerError, "Failed to process request"
	}
}

// dataStreamSink writes chunks in the line-oriented data stream format
// understood by the chat client: 0: text, 3: error, d: finish.
type dataStreamSink struct {
	w gin.ResponseWriter
}

func (s *dataStreamSink) Send(c domain.Chunk) error {
	var line string
	switch c.Status {
	case domain.ChunkContinue:
		line = "0:" + quote(c.Text) + "\n"
	case domain.ChunkError:
		line = "3:" + quote(c.Text) + "\n"
	case domain.ChunkDone:
		line = `d:{"finishReason":"stop"}` + "\n"
	default:
		return nil
	}
	if _, err := io.WriteString(s.w, line); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = newUUID()
		}
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("request completed",
			"correlation_id", c.GetString(correlationKey),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func corsMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		if origin != "*" {
			header.Set("Access-Control-Allow-Credentials", "true")
			header.Add("Vary", "Origin")
		}
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-Id")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		header.Set("Access-Control-Expose-Headers", "X-Correlation-Id, X-Credits-Remaining, X-Vercel-AI-Data-Stream")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func bodyLimitMiddleware(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
