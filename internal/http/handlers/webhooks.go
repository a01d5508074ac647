package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"shopimage/internal/domain"
)

const (
	shopifyHMACHeader   = "X-Shopify-Hmac-Sha256"
	shopifyDomainHeader = "X-Shopify-Shop-Domain"
	maxWebhookBytes     = 1 << 20
)

type oneTimePurchase struct {
	AdminGraphQLAPIID string          `json:"admin_graphql_api_id"`
	ID                json.RawMessage `json:"id"`
	Name              string          `json:"name"`
	Status            string          `json:"status"`
}

type purchaseWebhook struct {
	Purchase    *oneTimePurchase `json:"app_purchase_one_time"`
	PurchaseAlt *oneTimePurchase `json:"appPurchaseOneTime"`
}

// PurchaseWebhook credits a shop when Shopify reports an active one-time
// app purchase. Only signed deliveries are trusted; the purchase id keys the
// ledger credit, so retried deliveries apply once.
func (a *App) PurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if !verifyShopifyHMAC(a.WebhookSecret, raw, r.Header.Get(shopifyHMACHeader)) {
		zerolog.Ctx(r.Context()).Warn().Msg("webhook: invalid signature")
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
		return
	}
	shop := strings.TrimSpace(r.Header.Get(shopifyDomainHeader))
	if shop == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "missing shop domain")
		return
	}

	var payload purchaseWebhook
	if err := json.Unmarshal(raw, &payload); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	purchase := payload.Purchase
	if purchase == nil {
		purchase = payload.PurchaseAlt
	}
	if purchase == nil || purchase.Status != "ACTIVE" {
		a.json(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	log := zerolog.Ctx(r.Context()).With().Str("shop", shop).Str("name", purchase.Name).Logger()
	plan, ok := planFromPurchaseName(purchase.Name)
	if !ok {
		log.Info().Msg("webhook: purchase does not match a plan, ignored")
		a.json(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	purchaseID := purchase.identifier()
	if purchaseID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "missing purchase id")
		return
	}

	balance, err := a.Credits.Purchase(r.Context(), shop, plan.ID, purchaseID)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	log.Info().Str("purchase_id", purchaseID).Bool("applied", balance != nil).Msg("webhook: purchase recorded")
	a.json(w, http.StatusOK, map[string]any{"ok": true, "applied": balance != nil})
}

func (p *oneTimePurchase) identifier() string {
	if id := strings.TrimSpace(p.AdminGraphQLAPIID); id != "" {
		return id
	}
	raw := strings.TrimSpace(string(p.ID))
	if raw == "" || raw == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		return strings.TrimSpace(unquoted)
	}
	return raw
}

// planFromPurchaseName reads the credit count from the last word of a
// purchase name such as "Credits 500".
func planFromPurchaseName(name string) (domain.CreditPlan, bool) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return domain.CreditPlan{}, false
	}
	credits, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return domain.CreditPlan{}, false
	}
	return domain.PlanForCredits(credits)
}

func verifyShopifyHMAC(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return false
	}
	return hmac.Equal(got, shopifyHMAC(secret, body))
}

func shopifyHMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignShopifyWebhook returns the header value Shopify would send for body.
func SignShopifyWebhook(secret string, body []byte) string {
	return base64.StdEncoding.EncodeToString(shopifyHMAC(secret, body))
}
