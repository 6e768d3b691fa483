package server

import (
	"net/http"
	"strings"

	"Encore/core/auth"
	"Encore/logger"
)

const maxDisplayName = 100

// ProfileUpdateRequest is the body of PUT /api/auth/me.
type ProfileUpdateRequest struct {
	DisplayName string `json:"displayName"`
}

// PasswordChangeRequest is the body of PUT /api/auth/password.
type PasswordChangeRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// UpdateMeHandler 更新当前用户资料
func (h *APIHandler) UpdateMeHandler(w http.ResponseWriter, r *http.Request) {
	var req ProfileUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" || len(name) > maxDisplayName {
		writeError(w, http.StatusBadRequest, "Display name must be 1-100 characters")
		return
	}

	userID, _ := GetUserIDFromContext(r.Context())
	if err := h.Users.UpdateProfile(r.Context(), userID, name); err != nil {
		writeServiceError(w, r, err, "Failed to update profile")
		return
	}
	user, err := h.Users.GetUserByID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load user")
		return
	}
	logger.Info("[User] 资料已更新", logger.Int64("userId", userID))
	writeData(w, http.StatusOK, user)
}

// ChangePasswordHandler checks the current password before storing the new one.
func (h *APIHandler) ChangePasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req PasswordChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

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
	if !auth.CheckPasswordHash(req.CurrentPassword, user.PasswordHash) {
		logger.Warn("[User] 修改密码时原密码错误", logger.Int64("userId", userID))
		writeError(w, http.StatusUnauthorized, "Current password is incorrect")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeServiceError(w, r, err, "Failed to process password")
		return
	}
	if err := h.Users.UpdatePassword(r.Context(), userID, hash); err != nil {
		writeServiceError(w, r, err, "Failed to update password")
		return
	}
	logger.Info("[User] 密码已修改", logger.Int64("userId", userID))
	writeData(w, http.StatusOK, map[string]bool{"updated": true})
}
