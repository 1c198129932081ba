package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
)

const defaultAPIBaseURL = "https://api.tosspayments.com/v1/payments"

// HTTPTransport talks to the payment provider's REST API.
type HTTPTransport struct {
	BaseURL   string
	SecretKey string

	HTTPClient *http.Client
}

type confirmBody struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

type issueBody struct {
	CustomerKey string `json:"customerKey"`
	AuthKey     string `json:"authKey"`
}

type chargeBody struct {
	CustomerKey string `json:"customerKey"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderName   string `json:"orderName"`
}

type paymentResponse struct {
	Status      string `json:"status"`
	PaymentKey  string `json:"paymentKey"`
	OrderID     string `json:"orderId"`
	Method      string `json:"method"`
	TotalAmount int64  `json:"totalAmount"`
	ApprovedAt  string `json:"approvedAt"`
	Receipt     *struct {
		URL string `json:"url"`
	} `json:"receipt"`
}

type billingKeyResponse struct {
	BillingKey      string `json:"billingKey"`
	CustomerKey     string `json:"customerKey"`
	Method          string `json:"method"`
	AuthenticatedAt string `json:"authenticatedAt"`
}

type failureResponse struct {
	Failure *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"failure"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHTTPTransportFromEnv reads the provider endpoint and secret from env.
func NewHTTPTransportFromEnv() *HTTPTransport {
	return &HTTPTransport{
		BaseURL:   strings.TrimRight(strings.TrimSpace(env.GetEnv("PAYMENT_API_BASE_URL", defaultAPIBaseURL)), "/"),
		SecretKey: strings.TrimSpace(env.GetEnv("PAYMENT_SECRET_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: env.GetEnvDuration("PAYMENT_HTTP_TIMEOUT", 30*time.Second),
		},
	}
}

func (t *HTTPTransport) Confirm(ctx context.Context, req ConfirmRequest) (*Result, error) {
	const op = "confirm"
	body := confirmBody{PaymentKey: req.PaymentKey, OrderID: req.OrderID, Amount: req.Amount}

	var out paymentResponse
	if err := t.post(ctx, op, "/confirm", req.IdempotencyKey, body, &out); err != nil {
		return nil, err
	}
	return toResult(op, &out)
}

func (t *HTTPTransport) IssueBillingKey(ctx context.Context, req IssueRequest) (*BillingKey, error) {
	const op = "issue_billing_key"
	body := issueBody{CustomerKey: req.CustomerKey, AuthKey: req.AuthKey}

	// issuing is idempotent per customer key
	var out billingKeyResponse
	if err := t.post(ctx, op, "/billing/authorizations/issue", req.CustomerKey, body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.BillingKey) == "" {
		return nil, &Error{Kind: KindNonRetryable, Op: op, Code: CodeUnexpectedStatus, Message: "empty billingKey"}
	}

	bk := &BillingKey{BillingKey: out.BillingKey, CustomerKey: out.CustomerKey, Method: out.Method}
	if bk.CustomerKey == "" {
		bk.CustomerKey = req.CustomerKey
	}
	if ts, err := parseTime(out.AuthenticatedAt); err == nil {
		bk.IssuedAt = ts
	}
	return bk, nil
}

func (t *HTTPTransport) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	const op = "charge"
	body := chargeBody{
		CustomerKey: req.CustomerKey,
		Amount:      req.Amount,
		OrderID:     req.OrderID,
		OrderName:   req.OrderName,
	}

	var out paymentResponse
	path := "/billing/" + url.PathEscape(req.BillingKey)
	if err := t.post(ctx, op, path, req.IdempotencyKey(), body, &out); err != nil {
		return nil, err
	}
	return toResult(op, &out)
}

func (t *HTTPTransport) post(ctx context.Context, op, path, idempotencyKey string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Kind: KindNonRetryable, Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: KindNonRetryable, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(t.SecretKey+":")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportErr(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return classifyTransportErr(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ge := &Error{Kind: classifyStatus(resp.StatusCode), Op: op, StatusCode: resp.StatusCode}
		var fail failureResponse
		if jerr := json.Unmarshal(raw, &fail); jerr == nil {
			if fail.Failure != nil {
				ge.Code, ge.Message = fail.Failure.Code, fail.Failure.Message
			} else {
				ge.Code, ge.Message = fail.Code, fail.Message
			}
		}
		if ge.Code == "" && ge.Message == "" {
			ge.Message = truncate(string(raw), 256)
		}
		return ge
	}

	if err := json.Unmarshal(raw, out); err != nil {
		// an unreadable 2xx leaves the outcome unknown; the provider dedups the retry
		return &Error{Kind: KindRetryable, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func toResult(op string, out *paymentResponse) (*Result, error) {
	if out.Status != StatusDone {
		return nil, &Error{
			Kind:    KindNonRetryable,
			Op:      op,
			Code:    CodeUnexpectedStatus,
			Message: fmt.Sprintf("payment status %q", out.Status),
		}
	}

	res := &Result{
		Status:      out.Status,
		PaymentKey:  out.PaymentKey,
		OrderID:     out.OrderID,
		Method:      out.Method,
		TotalAmount: out.TotalAmount,
	}
	if out.Receipt != nil {
		res.ReceiptURL = out.Receipt.URL
	}
	if ts, err := parseTime(out.ApprovedAt); err == nil {
		res.ApprovedAt = ts
	}
	return res, nil
}

// parseTime reads ISO-8601 timestamps with offset, e.g. 2025-05-13T18:59:04+09:00.
func parseTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty timestamp")
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
