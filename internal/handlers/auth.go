package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/userhub/apiserver/config"
	"github.com/userhub/apiserver/internal/events"
	"github.com/userhub/apiserver/internal/services"
	"github.com/userhub/apiserver/internal/sessions"
	"github.com/userhub/apiserver/internal/store"
	"github.com/userhub/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultTokenTTL   = 30 * time.Minute
	minPasswordLength = 8
)

func init() {
	// Issued-at must order tokens against invalidation watermarks set
	// within the same second.
	jwt.TimePrecision = time.Microsecond
}

// AuthHandler issues and verifies JWT bearer tokens and handles
// registration and login.
type AuthHandler struct {
	userService *services.UserService
	invalidator sessions.Invalidator
	publisher   *events.Publisher
	secret      []byte
	tokenTTL    time.Duration
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(
	userService *services.UserService,
	invalidator sessions.Invalidator,
	publisher *events.Publisher,
	cfg config.JWTConfig,
) *AuthHandler {
	ttl := defaultTokenTTL
	if cfg.ExpireMinutes > 0 {
		ttl = time.Duration(cfg.ExpireMinutes) * time.Minute
	}
	return &AuthHandler{
		userService: userService,
		invalidator: invalidator,
		publisher:   publisher,
		secret:      []byte(cfg.Secret),
		tokenTTL:    ttl,
	}
}

// TokenTTL reports the configured access-token lifetime.
func (h *AuthHandler) TokenTTL() time.Duration {
	return h.tokenTTL
}

// RequireAuth enforces JWT authentication, resolves the subject to a live
// user row and injects it into the request context. Tokens issued before
// the user's invalidation watermark are rejected.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		userID, issuedAt, err := parseToken(tokenString, h.secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		user, err := h.userService.GetByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load user")
			return
		}

		if !user.IsActive {
			writeError(w, http.StatusBadRequest, "inactive user")
			return
		}

		watermark, err := h.invalidator.InvalidatedAt(r.Context(), user.ID)
		if err != nil {
			log.Error().Err(err).Stringer("user_id", user.ID).Msg("failed to read invalidation watermark")
			writeError(w, http.StatusInternalServerError, "failed to validate token")
			return
		}
		if !watermark.IsZero() && issuedAt.Before(watermark) {
			writeError(w, http.StatusUnauthorized, "token has been invalidated")
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), user)))
	})
}

// Register creates a new user account.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if !validEmail(req.Email) {
		writeError(w, http.StatusUnprocessableEntity, "invalid email address")
		return
	}
	if req.FullName == "" {
		writeError(w, http.StatusUnprocessableEntity, "full name is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusUnprocessableEntity, "password must be at least 8 characters")
		return
	}

	if _, err := h.userService.GetByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusBadRequest, "email already registered")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to check user")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	user, err := h.userService.Create(r.Context(), types.User{
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(hashed),
		IsActive:     isActive,
		IsSuperuser:  req.IsSuperuser,
	})
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			writeError(w, http.StatusBadRequest, "email already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	if err := h.publisher.Publish(r.Context(), events.TypeRegistered, user); err != nil {
		log.Error().Err(err).Stringer("user_id", user.ID).Msg("failed to publish registered event")
	}

	writeJSON(w, http.StatusCreated, user)
}

// Login implements the OAuth2 password flow: form-encoded username
// (the email) and password in exchange for a bearer token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	email := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password")
	if email == "" || password == "" {
		writeError(w, http.StatusBadRequest, "missing credentials")
		return
	}

	user, err := h.userService.GetByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "incorrect email or password")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to authenticate")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		writeError(w, http.StatusUnauthorized, "incorrect email or password")
		return
	}

	if !user.IsActive {
		writeError(w, http.StatusUnauthorized, "user is inactive")
		return
	}

	token, err := issueToken(user.ID, h.secret, h.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}

type RegisterRequest struct {
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	Password    string `json:"password"`
	IsActive    *bool  `json:"is_active"`
	IsSuperuser bool   `json:"is_superuser"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func issueToken(userID uuid.UUID, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func parseToken(tokenString string, secret []byte) (uuid.UUID, time.Time, error) {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return uuid.Nil, time.Time{}, err
	}
	if !token.Valid {
		return uuid.Nil, time.Time{}, errors.New("invalid token")
	}
	userID, err := uuid.Parse(strings.TrimSpace(claims.Subject))
	if err != nil {
		return uuid.Nil, time.Time{}, errors.New("invalid subject")
	}
	if claims.IssuedAt == nil {
		return uuid.Nil, time.Time{}, errors.New("missing issued-at")
	}
	return userID, claims.IssuedAt.Time, nil
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
