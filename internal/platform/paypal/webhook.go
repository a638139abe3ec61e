package paypal

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fatflowers/memberledger/pkg/apperr"
)

// Transmission headers PayPal attaches to each webhook delivery.
type Transmission struct {
	AuthAlgo string
	CertURL  string
	ID       string
	Sig      string
	Time     string
}

func TransmissionFromHeader(h http.Header) Transmission {
	return Transmission{
		AuthAlgo: h.Get("PAYPAL-AUTH-ALGO"),
		CertURL:  h.Get("PAYPAL-CERT-URL"),
		ID:       h.Get("PAYPAL-TRANSMISSION-ID"),
		Sig:      h.Get("PAYPAL-TRANSMISSION-SIG"),
		Time:     h.Get("PAYPAL-TRANSMISSION-TIME"),
	}
}

func (t Transmission) complete() bool {
	return t.AuthAlgo != "" && t.CertURL != "" && t.ID != "" && t.Sig != "" && t.Time != ""
}

// VerifyWebhook asks PayPal to verify the delivery signature. Anything other
// than SUCCESS is an invalid signature; PayPal being unreachable surfaces as
// a provider error so the delivery is retried rather than trusted.
func (g *Gateway) VerifyWebhook(ctx context.Context, t Transmission, payload []byte) error {
	if !t.complete() || g.cfg.WebhookID == "" || !json.Valid(payload) {
		return apperr.Validation(apperr.CodeInvalidSignature, "invalid paypal signature")
	}
	body := map[string]any{
		"auth_algo":         t.AuthAlgo,
		"cert_url":          t.CertURL,
		"transmission_id":   t.ID,
		"transmission_sig":  t.Sig,
		"transmission_time": t.Time,
		"webhook_id":        g.cfg.WebhookID,
		"webhook_event":     json.RawMessage(payload),
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := g.c.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", body, &out, nil); err != nil {
		return err
	}
	if out.VerificationStatus != "SUCCESS" {
		return apperr.Validation(apperr.CodeInvalidSignature, "invalid paypal signature")
	}
	return nil
}
