package server

import (
	"io"
	"net/http"

	"Encore/logger"
)

// CheckoutSubscriptionRequest is the body of POST /api/checkout/subscription.
type CheckoutSubscriptionRequest struct {
	TierID int64 `json:"tierId"`
}

// CheckoutTrackRequest is the body of POST /api/checkout/track.
type CheckoutTrackRequest struct {
	TrackID int64 `json:"trackId"`
}

// TestCheckoutRequest is the body of POST /api/test/stripe.
type TestCheckoutRequest struct {
	AmountCents int64 `json:"amountCents"`
}

// CheckoutSubscriptionHandler 创建订阅结账会话，返回 Stripe 托管页地址
func (h *APIHandler) CheckoutSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req CheckoutSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TierID <= 0 {
		writeError(w, http.StatusBadRequest, "tierId is required")
		return
	}
	userID, _ := GetUserIDFromContext(r.Context())
	sess, err := h.Billing.CheckoutSubscription(r.Context(), userID, req.TierID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to create checkout session")
		return
	}
	writeData(w, http.StatusOK, sess)
}

// CheckoutTrackHandler 创建单曲购买结账会话
func (h *APIHandler) CheckoutTrackHandler(w http.ResponseWriter, r *http.Request) {
	var req CheckoutTrackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TrackID <= 0 {
		writeError(w, http.StatusBadRequest, "trackId is required")
		return
	}
	userID, _ := GetUserIDFromContext(r.Context())
	sess, err := h.Billing.CheckoutTrack(r.Context(), userID, req.TrackID)
	if err != nil {
		writeServiceError(w, r, err, "Failed to create checkout session")
		return
	}
	writeData(w, http.StatusOK, sess)
}

// StripeWebhookHandler applies a Stripe event. The raw body is needed for
// signature verification. Non-2xx answers make Stripe retry.
func (h *APIHandler) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		writeError(w, http.StatusBadRequest, "Missing Stripe-Signature header")
		return
	}

	result, err := h.Billing.HandleEvent(r.Context(), payload, signature)
	if err != nil {
		writeServiceError(w, r, err, "Failed to process webhook")
		return
	}
	writeData(w, http.StatusOK, result)
}

// TestCheckoutHandler creates a throwaway payment session (admin only).
func (h *APIHandler) TestCheckoutHandler(w http.ResponseWriter, r *http.Request) {
	var req TestCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := h.Billing.TestSession(r.Context(), req.AmountCents)
	if err != nil {
		writeServiceError(w, r, err, "Failed to create test session")
		return
	}
	logger.Info("[Billing] 管理员创建测试结账", logger.String("sessionId", sess.ID))
	writeData(w, http.StatusOK, sess)
}
