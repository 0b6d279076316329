package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/userhub/apiserver/internal/events"
	"github.com/userhub/apiserver/internal/services"
	"github.com/userhub/apiserver/internal/sessions"
	"github.com/userhub/apiserver/internal/storage"
	"github.com/userhub/apiserver/internal/store"
	"github.com/userhub/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultPage        = 1
	defaultLimit       = 20
	maxLimit           = 100
	maxAvatarBytes     = 5 << 20
	formFieldAvatar    = "avatar"
	maxMultipartMemory = 8 << 20
)

// UserHandler provides HTTP handlers for user management.
type UserHandler struct {
	userService *services.UserService
	invalidator sessions.Invalidator
	publisher   *events.Publisher
	avatars     *storage.AvatarStore
}

// NewUserHandler constructs a handler with the provided dependencies.
// avatars may be nil when no object storage is configured.
func NewUserHandler(
	userService *services.UserService,
	invalidator sessions.Invalidator,
	publisher *events.Publisher,
	avatars *storage.AvatarStore,
) *UserHandler {
	return &UserHandler{
		userService: userService,
		invalidator: invalidator,
		publisher:   publisher,
		avatars:     avatars,
	}
}

// UserRouter registers all user routes on the given router.
func UserRouter(r chi.Router, auth *AuthHandler, handler *UserHandler) {
	r.Post("/", auth.Register)
	r.Post("/login", auth.Login)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.With(handler.requireSuperuser).Get("/", handler.ListUsers)
		r.Get("/me", handler.Me)
		r.Post("/me/change-password", handler.ChangePasswordMe)
		if handler.avatars != nil {
			r.Post("/me/avatar", handler.UploadAvatar)
		}

		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", handler.GetUser)
			r.Patch("/", handler.UpdateUser)
			r.Post("/change-password", handler.ChangePassword)
			r.With(handler.requireSuperuser).Post("/deactivate", handler.DeactivateUser)
			r.With(handler.requireSuperuser).Delete("/", handler.DeleteUser)
			if handler.avatars != nil {
				r.Get("/avatar", handler.GetAvatar)
			}
		})
	})
}

func (h *UserHandler) requireSuperuser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current, err := userFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !current.IsSuperuser {
			writeError(w, http.StatusForbidden, "not enough permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListUsers returns a paginated user listing. Superuser only.
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.userService.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, UserListResponse{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	})
}

// Me returns the current authenticated user.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	current, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, current)
}

// GetUser returns a user by ID. Self or superuser.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	current, target, ok := h.loadTarget(w, r)
	if !ok {
		return
	}

	if !current.IsSuperuser && current.ID != target.ID {
		writeError(w, http.StatusForbidden, "not enough permissions")
		return
	}

	writeJSON(w, http.StatusOK, target)
}

// UpdateUser applies a partial profile update. Self or superuser; the
// active and superuser flags may only be changed by a superuser, and the
// last active superuser cannot be demoted.
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	current, target, ok := h.loadTarget(w, r)
	if !ok {
		return
	}

	if !current.IsSuperuser && current.ID != target.ID {
		writeError(w, http.StatusForbidden, "not enough permissions")
		return
	}

	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if (req.IsActive != nil || req.IsSuperuser != nil) && !current.IsSuperuser {
		writeError(w, http.StatusForbidden, "not enough permissions")
		return
	}

	if req.IsSuperuser != nil && target.IsSuperuser && !*req.IsSuperuser {
		count, err := h.userService.CountActiveSuperusers(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update user")
			return
		}
		if count <= 1 {
			writeError(w, http.StatusBadRequest, "cannot remove superuser status from the last superuser")
			return
		}
	}

	if req.Email != nil {
		email := strings.TrimSpace(*req.Email)
		if !validEmail(email) {
			writeError(w, http.StatusUnprocessableEntity, "invalid email address")
			return
		}
		target.Email = email
	}
	if req.FullName != nil {
		name := strings.TrimSpace(*req.FullName)
		if name == "" {
			writeError(w, http.StatusUnprocessableEntity, "full name is required")
			return
		}
		target.FullName = name
	}
	if req.Password != nil {
		if len(*req.Password) < minPasswordLength {
			writeError(w, http.StatusUnprocessableEntity, "password must be at least 8 characters")
			return
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update user")
			return
		}
		target.PasswordHash = string(hashed)
	}
	if req.IsActive != nil {
		target.IsActive = *req.IsActive
	}
	if req.IsSuperuser != nil {
		target.IsSuperuser = *req.IsSuperuser
	}

	updated, err := h.userService.Update(r.Context(), target)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, store.ErrEmailTaken):
			writeError(w, http.StatusBadRequest, "email already registered")
		default:
			writeError(w, http.StatusInternalServerError, "failed to update user")
		}
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeactivateUser marks a user inactive and invalidates their tokens.
// Superuser only; the last active superuser cannot be deactivated.
func (h *UserHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	_, target, ok := h.loadTarget(w, r)
	if !ok {
		return
	}

	if target.IsSuperuser {
		count, err := h.userService.CountActiveSuperusers(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to deactivate user")
			return
		}
		if count <= 1 {
			writeError(w, http.StatusBadRequest, "cannot deactivate the last superuser")
			return
		}
	}

	target.IsActive = false
	updated, err := h.userService.Update(r.Context(), target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to deactivate user")
		return
	}

	h.invalidateSessions(r, updated.ID)

	if err := h.publisher.Publish(r.Context(), events.TypeDeactivated, updated); err != nil {
		log.Error().Err(err).Stringer("user_id", updated.ID).Msg("failed to publish deactivated event")
	}

	writeJSON(w, http.StatusOK, updated)
}

// ChangePassword changes a user's password. Only the user themselves may
// do this, and the current password must verify.
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	current, target, ok := h.loadTarget(w, r)
	if !ok {
		return
	}
	h.changePassword(w, r, current, target)
}

// ChangePasswordMe changes the current user's password.
func (h *UserHandler) ChangePasswordMe(w http.ResponseWriter, r *http.Request) {
	current, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.changePassword(w, r, current, current)
}

func (h *UserHandler) changePassword(w http.ResponseWriter, r *http.Request, current, target types.User) {
	if current.ID != target.ID {
		writeError(w, http.StatusForbidden, "not enough permissions")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(target.PasswordHash), []byte(req.CurrentPassword)); err != nil {
		writeError(w, http.StatusBadRequest, "incorrect password")
		return
	}

	if len(req.NewPassword) < minPasswordLength {
		writeError(w, http.StatusUnprocessableEntity, "password must be at least 8 characters")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	target.PasswordHash = string(hashed)
	updated, err := h.userService.Update(r.Context(), target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	h.invalidateSessions(r, updated.ID)

	if err := h.publisher.Publish(r.Context(), events.TypePasswordChanged, updated); err != nil {
		log.Error().Err(err).Stringer("user_id", updated.ID).Msg("failed to publish password-changed event")
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeleteUser removes a user row and their avatar. Superuser only; the
// last active superuser cannot be deleted.
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	_, target, ok := h.loadTarget(w, r)
	if !ok {
		return
	}

	if target.IsSuperuser && target.IsActive {
		count, err := h.userService.CountActiveSuperusers(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete user")
			return
		}
		if count <= 1 {
			writeError(w, http.StatusBadRequest, "cannot delete the last superuser")
			return
		}
	}

	if err := h.userService.Delete(r.Context(), target.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	if h.avatars != nil {
		if err := h.avatars.Delete(r.Context(), target.ID); err != nil {
			log.Warn().Err(err).Stringer("user_id", target.ID).Msg("failed to delete avatar")
		}
	}

	h.invalidateSessions(r, target.ID)

	if err := h.publisher.Publish(r.Context(), events.TypeDeleted, target); err != nil {
		log.Error().Err(err).Stringer("user_id", target.ID).Msg("failed to publish deleted event")
	}

	w.WriteHeader(http.StatusNoContent)
}

// UploadAvatar stores an avatar image for the current user.
func (h *UserHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	current, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	files := r.MultipartForm.File[formFieldAvatar]
	if len(files) != 1 {
		writeError(w, http.StatusBadRequest, "exactly one avatar file is required")
		return
	}

	file, err := files[0].Open()
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read avatar file")
		return
	}
	data, err := readFileLimited(file, maxAvatarBytes)
	_ = file.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusBadRequest, "avatar must be an image")
		return
	}

	if err := h.avatars.Put(r.Context(), current.ID, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		log.Error().Err(err).Stringer("user_id", current.ID).Msg("failed to store avatar")
		writeError(w, http.StatusInternalServerError, "failed to store avatar")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetAvatar streams a user's avatar image.
func (h *UserHandler) GetAvatar(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reader, err := h.avatars.Get(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "avatar not found")
		return
	}
	defer reader.Close()

	data, err := readFileLimited(reader, maxAvatarBytes)
	if err != nil {
		writeError(w, http.StatusNotFound, "avatar not found")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *UserHandler) invalidateSessions(r *http.Request, userID uuid.UUID) {
	if err := h.invalidator.Invalidate(r.Context(), userID, time.Now()); err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("failed to invalidate sessions")
	}
}

// loadTarget resolves the {userID} path parameter. It writes the error
// response and returns ok=false when the request cannot proceed.
func (h *UserHandler) loadTarget(w http.ResponseWriter, r *http.Request) (current, target types.User, ok bool) {
	current, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return types.User{}, types.User{}, false
	}

	userID, err := parseUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return types.User{}, types.User{}, false
	}

	target, err = h.userService.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return types.User{}, types.User{}, false
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch user")
		return types.User{}, types.User{}, false
	}
	return current, target, true
}

type UpdateUserRequest struct {
	Email       *string `json:"email"`
	FullName    *string `json:"full_name"`
	Password    *string `json:"password"`
	IsActive    *bool   `json:"is_active"`
	IsSuperuser *bool   `json:"is_superuser"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// UserListResponse is the paginated list response payload.
type UserListResponse struct {
	Items []types.User `json:"items"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
	Total int          `json:"total"`
}

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

func parsePagination(r *http.Request) (page, limit, offset int, err error) {
	page = defaultPage
	limit = defaultLimit

	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, 0, errors.New("invalid page")
		}
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, 0, errors.New("invalid limit")
		}
	}

	if limit > maxLimit {
		limit = maxLimit
	}

	offset = (page - 1) * limit
	return page, limit, offset, nil
}

func parseUserID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "userID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid user id")
	}
	return id, nil
}

func readFileLimited(reader io.Reader, limit int64) ([]byte, error) {
	limited := io.LimitReader(reader, limit+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.New("failed to read upload")
	}
	if int64(len(data)) > limit {
		return nil, errors.New("uploaded file too large")
	}
	return data, nil
}
