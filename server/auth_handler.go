package server

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"Encore/core/auth"
	"Encore/logger"
	"Encore/model"
	"Encore/repository"
)

const minPasswordLength = 8

// RegisterRequest represents the registration request body
type RegisterRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	// Role may be "fan" or "creator"; admins are promoted by another admin.
	Role model.Role `json:"role"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username"` // 可以是用户名或邮箱
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// RegisterHandler handles user registration requests
func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username, email and password are required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}
	if req.Role == "" {
		req.Role = model.RoleFan
	}
	if req.Role != model.RoleFan && req.Role != model.RoleCreator {
		writeError(w, http.StatusBadRequest, "Role must be fan or creator")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeServiceError(w, r, err, "Failed to process password")
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}
	user := &model.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		DisplayName:  displayName,
		Role:         req.Role,
		Status:       model.UserStatusActive,
	}
	if err := h.Users.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			logger.Warn("[Register] 用户名或邮箱已存在",
				logger.String("username", req.Username),
				logger.String("email", req.Email))
			writeError(w, http.StatusConflict, "Username or email already exists")
			return
		}
		writeServiceError(w, r, err, "Failed to create user")
		return
	}

	token, err := h.Tokens.GenerateToken(user)
	if err != nil {
		writeServiceError(w, r, err, "Failed to generate token")
		return
	}

	if h.Mailer != nil && h.Mailer.Enabled() {
		// 欢迎邮件失败不影响注册
		if _, err := h.Mailer.SendWelcome(r.Context(), user); err != nil {
			logger.Warn("[Register] 欢迎邮件发送失败", logger.Int64("userId", user.ID), logger.ErrorField(err))
		}
	}

	logger.Info("[Register] 注册成功", logger.String("username", user.Username), logger.String("role", string(user.Role)))
	writeData(w, http.StatusCreated, authResponse{Token: token, User: user})
}

// LoginHandler handles user login requests
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username/Email and password are required")
		return
	}

	// 支持用户名或邮箱登录
	var (
		user *model.User
		err  error
	)
	if strings.Contains(req.Username, "@") {
		user, err = h.Users.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Username)))
	} else {
		user, err = h.Users.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	}
	if err != nil {
		writeServiceError(w, r, err, "Failed to look up user")
		return
	}
	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		logger.Warn("[Login] 用户名或密码错误", logger.String("username", req.Username))
		writeError(w, http.StatusUnauthorized, "Invalid username/email or password")
		return
	}
	if !user.IsActive() {
		logger.Warn("[Login] 账号已停用", logger.Int64("userId", user.ID))
		writeError(w, http.StatusForbidden, "Account suspended")
		return
	}

	token, err := h.Tokens.GenerateToken(user)
	if err != nil {
		writeServiceError(w, r, err, "Failed to generate token")
		return
	}

	logger.Info("[Login] 登录成功", logger.String("username", user.Username))
	writeData(w, http.StatusOK, authResponse{Token: token, User: user})
}

// MeHandler returns the caller's account, plus the artist profile for creators.
func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	user, err := h.Users.GetUserByID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load user")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	resp := map[string]interface{}{"user": user}
	if user.Role == model.RoleCreator || user.Role == model.RoleAdmin {
		artist, err := h.Artists.GetByUserID(r.Context(), user.ID)
		if err != nil {
			writeServiceError(w, r, err, "Failed to load artist profile")
			return
		}
		if artist != nil {
			resp["artist"] = artist
		}
	}
	writeData(w, http.StatusOK, resp)
}
