package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mailer-service/internal/auth"
	"mailer-service/internal/service"
	"mailer-service/internal/util"
)

const refreshCookie = "refresh_token"

// UserHandler serves account, login and resume endpoints.
type UserHandler struct {
	responder
	users  *service.UserService
	auth   *service.AuthService
	secure bool
}

func NewUserHandler(users *service.UserService, authSvc *service.AuthService, secureCookies bool, logger *zap.Logger) *UserHandler {
	return &UserHandler{responder: responder{logger: logger}, users: users, auth: authSvc, secure: secureCookies}
}

func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Post("/users/add-user", h.CreateUser)
	r.Post("/auth/login", h.Login)
	r.Get("/auth/refresh-jwt-token", h.RefreshToken)

	r.Group(func(r chi.Router) {
		r.Use(auth.Require)
		r.Post("/storage/upload-file", h.UploadFile)
	})
}

func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req service.UserCreateRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	u, err := h.users.CreateUser(r.Context(), req)
	if err != nil {
		msg := "Failed to create user"
		if errors.Is(err, service.ErrUserAlreadyExists) {
			msg = "User already exists with this email."
		}
		h.respondWithError(w, getStatusCode(err), err, msg)
		return
	}

	h.respondOK(w, http.StatusCreated, map[string]interface{}{
		"uid":   u.UID,
		"name":  u.Name,
		"email": u.Email,
	}, "User added successfully.")
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Invalid email or password")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    res.RefreshToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(res.RefreshTTL / time.Second),
	})
	h.respondOK(w, http.StatusOK, map[string]string{"jwt_token": res.AccessToken}, "Login successful!")
	util.FromContext(r.Context(), h.logger).Info("Login via HTTP", zap.Int64("uid", res.UID))
}

func (h *UserHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookie)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, auth.ErrInvalidToken, "Refresh token not found in cookies.")
		return
	}

	token, err := h.auth.Refresh(r.Context(), c.Value)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "Invalid refresh token. Please log in again.")
		return
	}
	h.respondOK(w, http.StatusOK, map[string]string{"jwt_token": token}, "JWT token refreshed successfully.")
}

func (h *UserHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	uid := callerID(r)
	r.Body = http.MaxBytesReader(w, r.Body, service.MaxResumeSize+(1<<20))

	file, header, err := r.FormFile("uploaded_file")
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "A PDF file is required in field uploaded_file")
		return
	}
	defer file.Close()

	url, err := h.users.UploadResume(r.Context(), uid, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		h.respondWithError(w, getStatusCode(err), err, "File upload failed.")
		return
	}
	h.respondOK(w, http.StatusOK, map[string]string{"resume": url}, "File uploaded successfully.")
	util.FromContext(r.Context(), h.logger).Info("Resume uploaded via HTTP", zap.Int64("uid", uid), util.String("filename", util.SanitizeFilename(header.Filename)))
}
