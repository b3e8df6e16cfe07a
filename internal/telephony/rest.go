package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the gateway REST API base URL.
const DefaultBaseURL = "https://api.twilio.com/2010-04-01"

const defaultHTTPTimeout = 30 * time.Second

// RESTClient implements Client against the gateway HTTP API with basic
// auth. All mutating endpoints are form-encoded POSTs.
type RESTClient struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// NewRESTClient creates a gateway REST client.
func NewRESTClient(accountSID, authToken, baseURL string) (*RESTClient, error) {
	if accountSID == "" {
		return nil, fmt.Errorf("account SID is required")
	}
	if authToken == "" {
		return nil, fmt.Errorf("auth token is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL scheme: %s (only http/https allowed)", parsedURL.Scheme)
	}

	return &RESTClient{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
	}, nil
}

// APIError is the gateway's error document for non-2xx responses.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// CreateCall dials an outbound call.
func (c *RESTClient) CreateCall(ctx context.Context, params CallParams) (*Call, error) {
	if params.To == "" {
		return nil, fmt.Errorf("call destination is required")
	}

	form := url.Values{}
	form.Set("To", params.To)
	form.Set("From", params.From)
	if params.URL != "" {
		form.Set("Url", params.URL)
	}

	var call Call
	path := fmt.Sprintf("/Accounts/%s/Calls.json", c.accountSID)
	if err := c.postForm(ctx, path, form, &call); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	return &call, nil
}

// SendSMS sends a text message.
func (c *RESTClient) SendSMS(ctx context.Context, from, to, body string) (*Message, error) {
	if to == "" {
		return nil, fmt.Errorf("message destination is required")
	}
	if body == "" {
		return nil, fmt.Errorf("message body is required")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", body)

	var msg Message
	path := fmt.Sprintf("/Accounts/%s/Messages.json", c.accountSID)
	if err := c.postForm(ctx, path, form, &msg); err != nil {
		return nil, fmt.Errorf("send sms: %w", err)
	}
	return &msg, nil
}

// StartPayment begins a capture session on an active call.
func (c *RESTClient) StartPayment(ctx context.Context, callSID string, params PaymentParams) (*Payment, error) {
	if callSID == "" {
		return nil, fmt.Errorf("call SID is required")
	}

	form := url.Values{}
	form.Set("IdempotencyKey", params.IdempotencyKey)
	form.Set("StatusCallback", params.StatusCallback)
	if params.ChargeAmount != "" {
		form.Set("ChargeAmount", params.ChargeAmount)
	}
	if params.Currency != "" {
		form.Set("Currency", params.Currency)
	}
	if params.Description != "" {
		form.Set("Description", params.Description)
	}
	if params.PaymentConnector != "" {
		form.Set("PaymentConnector", params.PaymentConnector)
	}
	if params.TokenType != "" {
		form.Set("TokenType", params.TokenType)
	}

	var payment Payment
	path := fmt.Sprintf("/Accounts/%s/Calls/%s/Payments.json", c.accountSID, callSID)
	if err := c.postForm(ctx, path, form, &payment); err != nil {
		return nil, fmt.Errorf("start payment: %w", err)
	}
	return &payment, nil
}

// UpdatePayment advances or finalizes a capture session.
func (c *RESTClient) UpdatePayment(ctx context.Context, callSID, paymentSID string, update PaymentUpdate) (*Payment, error) {
	if callSID == "" || paymentSID == "" {
		return nil, fmt.Errorf("call SID and payment SID are required")
	}
	if update.Capture == "" && update.Status == "" {
		return nil, fmt.Errorf("payment update needs a capture field or a status")
	}

	form := url.Values{}
	form.Set("IdempotencyKey", update.IdempotencyKey)
	form.Set("StatusCallback", update.StatusCallback)
	if update.Capture != "" {
		form.Set("Capture", update.Capture)
	}
	if update.Status != "" {
		form.Set("Status", update.Status)
	}

	var payment Payment
	path := fmt.Sprintf("/Accounts/%s/Calls/%s/Payments/%s.json", c.accountSID, callSID, paymentSID)
	if err := c.postForm(ctx, path, form, &payment); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}
	return &payment, nil
}

// GetPayment fetches the current state of a capture session.
func (c *RESTClient) GetPayment(ctx context.Context, callSID, paymentSID string) (*Payment, error) {
	if callSID == "" || paymentSID == "" {
		return nil, fmt.Errorf("call SID and payment SID are required")
	}

	path := fmt.Sprintf("/Accounts/%s/Calls/%s/Payments/%s.json", c.accountSID, callSID, paymentSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	var payment Payment
	if err := c.do(req, &payment); err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &payment, nil
}

func (c *RESTClient) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	return c.do(req, out)
}

func (c *RESTClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
