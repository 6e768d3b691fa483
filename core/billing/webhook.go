package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Encore/core/email"
	"Encore/logger"
	"Encore/metrics"
	"Encore/model"
	"Encore/repository"

	"github.com/tidwall/gjson"
)

// 处理的 Stripe 事件类型
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventChargeRefunded       = "charge.refunded"
)

// 事件处理结果
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRefunded  = "refunded" // 重复付款已退回，未入账
)

// WebhookResult reports what HandleEvent did with an event.
type WebhookResult struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
}

// HandleEvent verifies and applies a Stripe webhook. Replaying an event that
// was already applied returns OutcomeDuplicate and changes nothing.
func (s *Service) HandleEvent(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if s.checkout == nil {
		return nil, ErrNotConfigured
	}
	event, err := s.checkout.VerifyWebhook(payload, signature)
	if err != nil {
		metrics.RecordWebhook("", "invalid")
		return nil, err
	}

	obj := gjson.ParseBytes(event.Object)
	var outcome string
	switch event.Type {
	case EventCheckoutCompleted:
		outcome, err = s.applyCheckoutCompleted(ctx, obj)
	case EventSubscriptionDeleted:
		outcome, err = s.applySubscriptionDeleted(ctx, obj)
	case EventInvoicePaymentFailed:
		outcome, err = s.applyPaymentFailed(ctx, obj)
	case EventChargeRefunded:
		outcome, err = s.applyChargeRefunded(ctx, obj)
	default:
		outcome = OutcomeIgnored
	}
	if err != nil {
		metrics.RecordWebhook(event.Type, "error")
		return nil, fmt.Errorf("failed to apply %s %s: %w", event.Type, event.ID, err)
	}

	metrics.RecordWebhook(event.Type, outcome)
	logger.Info("[Billing] webhook 已处理",
		logger.String("eventId", event.ID),
		logger.String("type", event.Type),
		logger.String("outcome", outcome))
	return &WebhookResult{EventID: event.ID, Type: event.Type, Outcome: outcome}, nil
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, obj gjson.Result) (string, error) {
	switch obj.Get("metadata.kind").String() {
	case KindTrack:
		return s.completePurchase(ctx, obj)
	case KindSubscription:
		return s.completeSubscription(ctx, obj)
	case KindTest:
		logger.Info("[Billing] 测试支付完成", logger.String("sessionId", obj.Get("id").String()))
		return OutcomeApplied, nil
	}
	return OutcomeIgnored, nil
}

func (s *Service) completePurchase(ctx context.Context, obj gjson.Result) (string, error) {
	sessionID := obj.Get("id").String()
	purchase, err := s.repos.Purchases.GetBySessionID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if purchase == nil {
		logger.Warn("[Billing] 未找到对应购买记录", logger.String("sessionId", sessionID))
		return OutcomeIgnored, nil
	}
	if obj.Get("payment_status").String() != "paid" {
		return OutcomeIgnored, nil
	}

	intent := obj.Get("payment_intent").String()
	owned, err := s.repos.Purchases.FindPaid(ctx, purchase.UserID, purchase.TrackID)
	if err != nil {
		return "", err
	}
	if owned != nil && owned.ID != purchase.ID {
		return s.refundDuplicatePurchase(ctx, purchase, intent)
	}

	now := time.Now()
	amount := obj.Get("amount_total").Int()
	if amount == 0 {
		amount = purchase.AmountCents
	}
	changed, err := s.repos.Purchases.Transition(ctx, purchase.ID,
		[]string{model.PurchasePending}, model.PurchasePaid,
		map[string]interface{}{
			"paid_at":                  now,
			"amount_cents":             amount,
			"stripe_payment_intent_id": intent,
			"owner_key":                model.PurchaseOwnerKey(purchase.UserID, purchase.TrackID),
		})
	if errors.Is(err, repository.ErrDuplicate) {
		// 并发完成的另一笔订单先拿到了唯一键
		return s.refundDuplicatePurchase(ctx, purchase, intent)
	}
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	purchase.Status = model.PurchasePaid
	purchase.PaidAt = &now
	purchase.AmountCents = amount

	if err := s.repos.Earnings.Accrue(ctx, purchase.ArtistID, day(now), 0, 0, amount); err != nil {
		return "", fmt.Errorf("failed to accrue sale: %w", err)
	}
	s.rememberCustomer(ctx, purchase.UserID, obj)

	if s.notifier != nil {
		s.sendReceipt(ctx, purchase)
	}
	return OutcomeApplied, nil
}

// refundDuplicatePurchase 退还同一粉丝对同一首歌的第二笔付款，不计入收益
func (s *Service) refundDuplicatePurchase(ctx context.Context, purchase *model.Purchase, intent string) (string, error) {
	if purchase.Status != model.PurchasePending {
		return OutcomeDuplicate, nil
	}
	if intent == "" {
		return "", fmt.Errorf("duplicate purchase %d has no payment intent", purchase.ID)
	}
	if err := s.checkout.Refund(ctx, intent, "dup-"+purchase.StripeSessionID); err != nil {
		return "", fmt.Errorf("failed to refund duplicate purchase: %w", err)
	}
	changed, err := s.repos.Purchases.Transition(ctx, purchase.ID,
		[]string{model.PurchasePending}, model.PurchaseRefunded,
		map[string]interface{}{"stripe_payment_intent_id": intent})
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	logger.Warn("[Billing] 重复购买已自动退款",
		logger.Int64("purchaseId", purchase.ID),
		logger.Int64("userId", purchase.UserID),
		logger.Int64("trackId", purchase.TrackID))
	return OutcomeRefunded, nil
}

func (s *Service) completeSubscription(ctx context.Context, obj gjson.Result) (string, error) {
	sessionID := obj.Get("id").String()
	sub, err := s.repos.Subscriptions.GetBySessionID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		logger.Warn("[Billing] 未找到对应订阅记录", logger.String("sessionId", sessionID))
		return OutcomeIgnored, nil
	}

	tier, err := s.repos.Tiers.GetByID(ctx, sub.TierID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	periodEnd := now.AddDate(0, 1, 0)
	if tier != nil && tier.Interval == model.IntervalYear {
		periodEnd = now.AddDate(1, 0, 0)
	}

	stripeSubID := obj.Get("subscription").String()
	live, err := s.repos.Subscriptions.FindActive(ctx, sub.UserID, sub.TierID)
	if err != nil {
		return "", err
	}
	if live != nil && live.ID != sub.ID {
		return s.cancelDuplicateSubscription(ctx, sub, stripeSubID, obj.Get("invoice").String())
	}

	changed, err := s.repos.Subscriptions.Transition(ctx, sub.ID,
		[]string{model.SubscriptionPending}, model.SubscriptionActive,
		map[string]interface{}{
			"stripe_subscription_id": stripeSubID,
			"current_period_end":     periodEnd,
			"live_key":               model.SubscriptionLiveKey(sub.UserID, sub.TierID),
		})
	if errors.Is(err, repository.ErrDuplicate) {
		return s.cancelDuplicateSubscription(ctx, sub, stripeSubID, obj.Get("invoice").String())
	}
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}

	if amount := obj.Get("amount_total").Int(); amount > 0 {
		if err := s.repos.Earnings.Accrue(ctx, sub.ArtistID, day(now), 0, 0, amount); err != nil {
			return "", fmt.Errorf("failed to accrue subscription: %w", err)
		}
	}
	s.rememberCustomer(ctx, sub.UserID, obj)

	if s.notifier != nil && tier != nil {
		s.sendSubscriptionConfirmed(ctx, sub.UserID, tier)
	}
	return OutcomeApplied, nil
}

// cancelDuplicateSubscription 取消同一档位的第二个订阅并退还首期款项
func (s *Service) cancelDuplicateSubscription(ctx context.Context, sub *model.Subscription, stripeSubID, invoiceID string) (string, error) {
	if sub.Status != model.SubscriptionPending {
		return OutcomeDuplicate, nil
	}
	if stripeSubID == "" {
		return "", fmt.Errorf("duplicate subscription %d has no stripe subscription", sub.ID)
	}
	if err := s.checkout.CancelSubscription(ctx, stripeSubID, invoiceID, "dup-"+sub.StripeSessionID); err != nil {
		return "", fmt.Errorf("failed to cancel duplicate subscription: %w", err)
	}
	changed, err := s.repos.Subscriptions.Transition(ctx, sub.ID,
		[]string{model.SubscriptionPending}, model.SubscriptionCanceled,
		map[string]interface{}{
			"stripe_subscription_id": stripeSubID,
			"canceled_at":            time.Now(),
		})
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	logger.Warn("[Billing] 重复订阅已取消并退款",
		logger.Int64("subscriptionId", sub.ID),
		logger.Int64("userId", sub.UserID),
		logger.Int64("tierId", sub.TierID))
	return OutcomeRefunded, nil
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, obj gjson.Result) (string, error) {
	sub, err := s.repos.Subscriptions.GetByStripeID(ctx, obj.Get("id").String())
	if err != nil {
		return "", err
	}
	if sub == nil {
		return OutcomeIgnored, nil
	}
	changed, err := s.repos.Subscriptions.Transition(ctx, sub.ID,
		[]string{model.SubscriptionActive, model.SubscriptionPastDue}, model.SubscriptionCanceled,
		map[string]interface{}{"canceled_at": time.Now(), "live_key": nil})
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, obj gjson.Result) (string, error) {
	stripeSubID := obj.Get("subscription").String()
	if stripeSubID == "" {
		return OutcomeIgnored, nil
	}
	sub, err := s.repos.Subscriptions.GetByStripeID(ctx, stripeSubID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return OutcomeIgnored, nil
	}
	changed, err := s.repos.Subscriptions.Transition(ctx, sub.ID,
		[]string{model.SubscriptionActive}, model.SubscriptionPastDue, nil)
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}
	logger.Warn("[Billing] 订阅扣款失败", logger.Int64("subscriptionId", sub.ID))
	return OutcomeApplied, nil
}

func (s *Service) applyChargeRefunded(ctx context.Context, obj gjson.Result) (string, error) {
	intent := obj.Get("payment_intent").String()
	if intent == "" {
		return OutcomeIgnored, nil
	}
	purchase, err := s.repos.Purchases.GetByPaymentIntent(ctx, intent)
	if err != nil {
		return "", err
	}
	if purchase == nil {
		return OutcomeIgnored, nil
	}
	changed, err := s.repos.Purchases.Transition(ctx, purchase.ID,
		[]string{model.PurchasePaid}, model.PurchaseRefunded,
		map[string]interface{}{"owner_key": nil})
	if err != nil {
		return "", err
	}
	if !changed {
		return OutcomeDuplicate, nil
	}

	refunded := obj.Get("amount_refunded").Int()
	if refunded == 0 || refunded > purchase.AmountCents {
		refunded = purchase.AmountCents
	}
	if err := s.repos.Earnings.Accrue(ctx, purchase.ArtistID, day(time.Now()), 0, 0, -refunded); err != nil {
		return "", fmt.Errorf("failed to reverse sale: %w", err)
	}
	return OutcomeApplied, nil
}

// rememberCustomer stores the Stripe customer id so later checkouts reuse it.
func (s *Service) rememberCustomer(ctx context.Context, userID int64, obj gjson.Result) {
	customer := obj.Get("customer").String()
	if customer == "" {
		return
	}
	if err := s.repos.Users.SetStripeCustomerID(ctx, userID, customer); err != nil {
		logger.Warn("[Billing] 保存 Stripe customer 失败", logger.Int64("userId", userID), logger.ErrorField(err))
	}
}

func (s *Service) sendReceipt(ctx context.Context, purchase *model.Purchase) {
	user, err := s.repos.Users.GetUserByID(ctx, purchase.UserID)
	if err != nil || user == nil {
		return
	}
	track, err := s.repos.Tracks.GetByID(ctx, purchase.TrackID)
	if err != nil || track == nil {
		return
	}
	if _, err := s.notifier.SendReceipt(ctx, user.Email, purchase, track); err != nil && !errors.Is(err, email.ErrEmailDisabled) {
		logger.Warn("[Billing] 收据邮件发送失败", logger.ErrorField(err))
	}
}

func (s *Service) sendSubscriptionConfirmed(ctx context.Context, userID int64, tier *model.SubscriptionTier) {
	user, err := s.repos.Users.GetUserByID(ctx, userID)
	if err != nil || user == nil {
		return
	}
	artistName := ""
	if artist, err := s.repos.Artists.GetByID(ctx, tier.ArtistID); err == nil && artist != nil {
		artistName = artist.Name
	}
	if _, err := s.notifier.SendSubscriptionConfirmed(ctx, user.Email, tier, artistName, s.currency); err != nil && !errors.Is(err, email.ErrEmailDisabled) {
		logger.Warn("[Billing] 订阅确认邮件发送失败", logger.ErrorField(err))
	}
}

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
