// Package paypal implements payment.Gateway against the PayPal REST API.
// Authentication uses the OAuth2 client credentials grant.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/fatflowers/memberledger/pkg/apperr"
)

const requestIDHeader = "PayPal-Request-Id"

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(ctx context.Context, baseURL, clientID, clientSecret string) *client {
	baseURL = strings.TrimRight(baseURL, "/")
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return &client{baseURL: baseURL, http: cc.Client(ctx)}
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
}

// do sends a JSON request and decodes the JSON answer into out (if non-nil).
func (c *client) do(ctx context.Context, method, path string, body any, out any, headers map[string]string) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode paypal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build paypal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.External(apperr.CodeProviderUnavailable, err, "paypal %s %s failed", method, path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.External(apperr.CodeProviderUnavailable, err, "paypal %s %s: read body", method, path)
	}

	if resp.StatusCode >= 300 {
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		cause := fmt.Errorf("paypal status %d: %s %s (debug_id=%s)", resp.StatusCode, ae.Name, ae.Message, ae.DebugID)
		if resp.StatusCode >= 500 {
			return apperr.External(apperr.CodeProviderUnavailable, cause, "paypal %s %s failed", method, path)
		}
		return apperr.External(apperr.CodeProviderError, cause, "paypal rejected %s %s: %s", method, path, ae.Message)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.External(apperr.CodeProviderError, err, "paypal %s %s: decode response", method, path)
	}
	return nil
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

func approveLink(links []link) string {
	for _, l := range links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// FormatAmount renders minor units as the decimal string PayPal expects.
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// ParseAmount converts a PayPal decimal amount to minor units.
func ParseAmount(v string) (int64, error) {
	v = strings.TrimSpace(v)
	whole, frac, _ := strings.Cut(v, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimals", v)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", v, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", v, err)
	}
	if strings.HasPrefix(whole, "-") {
		return w*100 - f, nil
	}
	return w*100 + f, nil
}
