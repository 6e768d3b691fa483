package server

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"Encore/core/email"
	"Encore/logger"
	"Encore/model"

	"github.com/google/uuid"
)

// InviteRequest is the body of the invite endpoints.
type InviteRequest struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// SubscribeRequest is the body of the public newsletter signup.
type SubscribeRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	// ArtistSlug joins an artist's list; empty joins the site newsletter.
	ArtistSlug string `json:"artistSlug"`
}

// TestEmailRequest is the body of POST /api/test/email.
type TestEmailRequest struct {
	To string `json:"to"`
}

func normalizeEmail(raw string) (string, bool) {
	addr := strings.ToLower(strings.TrimSpace(raw))
	if addr == "" {
		return "", false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return "", false
	}
	return addr, true
}

// InviteHandler sends an invite from a creator (to their artist list) or an
// admin without an artist profile (to the site newsletter).
func (h *APIHandler) InviteHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	artist, err := h.Artists.GetByUserID(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to load artist profile")
		return
	}
	if artist == nil && claims.Role != model.RoleAdmin {
		writeError(w, http.StatusNotFound, "Artist profile not found, create it first")
		return
	}
	h.invite(w, r, artist)
}

// invite creates (or reuses) the subscriber row and mails the invite. artist
// is nil for site-wide invites.
func (h *APIHandler) invite(w http.ResponseWriter, r *http.Request, artist *model.Artist) {
	var req InviteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, ok := normalizeEmail(req.Email)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if h.Mailer == nil || !h.Mailer.Enabled() {
		writeServiceError(w, r, email.ErrEmailDisabled, "Email is not configured")
		return
	}

	ctx := r.Context()
	claims := ClaimsFromContext(ctx)
	var artistID *int64
	artistName := ""
	if artist != nil {
		artistID = &artist.ID
		artistName = artist.Name
	}

	sub, err := h.Subscribers.GetByEmail(ctx, to, artistID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to look up subscriber")
		return
	}
	switch {
	case sub == nil:
		inviter := claims.UserID
		sub = &model.Subscriber{
			Email:     to,
			ArtistID:  artistID,
			Name:      strings.TrimSpace(req.Name),
			Token:     uuid.NewString(),
			Status:    model.SubscriberInvited,
			InvitedBy: &inviter,
		}
		if err := h.Subscribers.Create(ctx, sub); err != nil {
			writeServiceError(w, r, err, "Failed to save subscriber")
			return
		}
	case sub.Status == model.SubscriberConfirmed:
		writeError(w, http.StatusConflict, "Already subscribed")
		return
	case sub.Status == model.SubscriberUnsubscribed:
		// 退订的人不再打扰
		writeError(w, http.StatusConflict, "Recipient has unsubscribed")
		return
	}

	entry, err := h.Mailer.SendInvite(ctx, email.Invite{
		To:          to,
		InviterName: claims.Username,
		ArtistName:  artistName,
		Message:     req.Message,
		Token:       sub.Token,
	})
	if err != nil {
		// 失败的发送也已写入 email_logs
		if errors.Is(err, email.ErrEmailDisabled) {
			writeServiceError(w, r, err, "Email is not configured")
			return
		}
		logger.Error("[Invite] 邀请邮件发送失败",
			logger.String("to", to),
			logger.Int64("inviter", claims.UserID),
			logger.ErrorField(err))
		writeError(w, http.StatusBadGateway, "Failed to send invite")
		return
	}

	logger.Info("[Invite] 邀请已发送", logger.String("to", to), logger.String("providerId", entry.ProviderID))
	writeData(w, http.StatusOK, map[string]interface{}{
		"subscriber": sub,
		"email":      entry,
	})
}

// TestEmailHandler sends the diagnostic email (admin only).
func (h *APIHandler) TestEmailHandler(w http.ResponseWriter, r *http.Request) {
	var req TestEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, ok := normalizeEmail(req.To)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if h.Mailer == nil {
		writeServiceError(w, r, email.ErrEmailDisabled, "Email is not configured")
		return
	}
	entry, err := h.Mailer.SendTest(r.Context(), to)
	if err != nil {
		if errors.Is(err, email.ErrEmailDisabled) {
			writeServiceError(w, r, err, "Email is not configured")
			return
		}
		logger.Error("[Email] 测试邮件发送失败", logger.String("to", to), logger.ErrorField(err))
		writeJSON(w, http.StatusBadGateway, apiResponse{Success: false, Message: err.Error(), Data: entry})
		return
	}
	writeData(w, http.StatusOK, entry)
}

// SubscribeHandler 公开的邮件列表订阅，需要邮件确认
func (h *APIHandler) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, ok := normalizeEmail(req.Email)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}

	ctx := r.Context()
	var artist *model.Artist
	if slug := strings.ToLower(strings.TrimSpace(req.ArtistSlug)); slug != "" {
		a, err := h.Artists.GetBySlug(ctx, slug)
		if err != nil {
			writeServiceError(w, r, err, "Failed to load artist")
			return
		}
		if a == nil {
			writeError(w, http.StatusNotFound, "Artist not found")
			return
		}
		artist = a
	}
	var artistID *int64
	artistName := ""
	if artist != nil {
		artistID = &artist.ID
		artistName = artist.Name
	}

	sub, err := h.Subscribers.GetByEmail(ctx, to, artistID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to look up subscriber")
		return
	}
	if sub != nil && sub.Status == model.SubscriberConfirmed {
		writeData(w, http.StatusOK, map[string]interface{}{"status": sub.Status, "confirmationSent": false})
		return
	}

	status := http.StatusOK
	if sub == nil {
		sub = &model.Subscriber{
			Email:    to,
			ArtistID: artistID,
			Name:     strings.TrimSpace(req.Name),
			Token:    uuid.NewString(),
			Status:   model.SubscriberInvited,
		}
		if err := h.Subscribers.Create(ctx, sub); err != nil {
			writeServiceError(w, r, err, "Failed to save subscriber")
			return
		}
		status = http.StatusCreated
	} else if sub.Status == model.SubscriberUnsubscribed {
		// 主动重新订阅
		sub.Status = model.SubscriberInvited
		if err := h.Subscribers.Update(ctx, sub); err != nil {
			writeServiceError(w, r, err, "Failed to save subscriber")
			return
		}
	}

	sent := false
	if h.Mailer != nil && h.Mailer.Enabled() {
		_, err := h.Mailer.SendInvite(ctx, email.Invite{To: to, ArtistName: artistName, Token: sub.Token})
		if err != nil {
			logger.Warn("[Subscribe] 确认邮件发送失败", logger.String("to", to), logger.ErrorField(err))
		} else {
			sent = true
		}
	}
	writeData(w, status, map[string]interface{}{"status": sub.Status, "confirmationSent": sent})
}

// subscriberByToken loads the subscriber for ?token=.
func (h *APIHandler) subscriberByToken(w http.ResponseWriter, r *http.Request) *model.Subscriber {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return nil
	}
	sub, err := h.Subscribers.GetByToken(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, err, "Failed to look up subscriber")
		return nil
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "Unknown or expired link")
		return nil
	}
	return sub
}

// ConfirmSubscriberHandler confirms a list membership. Repeat clicks are no-ops.
func (h *APIHandler) ConfirmSubscriberHandler(w http.ResponseWriter, r *http.Request) {
	sub := h.subscriberByToken(w, r)
	if sub == nil {
		return
	}
	if sub.Status != model.SubscriberConfirmed {
		now := h.now()
		sub.Status = model.SubscriberConfirmed
		sub.ConfirmedAt = &now
		if err := h.Subscribers.Update(r.Context(), sub); err != nil {
			writeServiceError(w, r, err, "Failed to confirm subscription")
			return
		}
		logger.Info("[Subscribe] 订阅已确认", logger.Int64("subscriberId", sub.ID))
	}
	writeData(w, http.StatusOK, sub)
}

// UnsubscribeHandler removes a list membership. Repeat clicks are no-ops.
func (h *APIHandler) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	sub := h.subscriberByToken(w, r)
	if sub == nil {
		return
	}
	if sub.Status != model.SubscriberUnsubscribed {
		sub.Status = model.SubscriberUnsubscribed
		if err := h.Subscribers.Update(r.Context(), sub); err != nil {
			writeServiceError(w, r, err, "Failed to unsubscribe")
			return
		}
		logger.Info("[Subscribe] 已退订", logger.Int64("subscriberId", sub.ID))
	}
	writeData(w, http.StatusOK, sub)
}
