// Package oracle is a Go client for the Fortune Oracle HTTP API.
package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// PaymentHeader carries the base64 encoded payment proof on paid calls.
const PaymentHeader = "X-PAYMENT"

// Mailbox pickup headers. The signature covers the address and the timestamp,
// see the server documentation at /api/skill.
const (
	MailboxTimestampHeader = "X-Oracle-Timestamp"
	MailboxSignatureHeader = "X-Oracle-Signature"
)

// Client wraps the HTTP interactions with the Fortune Oracle API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu      sync.RWMutex
	payment string
}

// Health mirrors the /api/health response.
type Health struct {
	Status         string `json:"status"`
	Agent          string `json:"agent"`
	Address        string `json:"address"`
	PaymentEnabled bool   `json:"payment_enabled"`
	Network        string `json:"network"`
	PayTo          string `json:"payTo"`
	Price          string `json:"price"`
}

// InterpretRequest asks for a lots interpretation, a three-stick reading, or
// both. Reference derives the sticks when StickNumbers is empty.
type InterpretRequest struct {
	Lots         []int64 `json:"lots,omitempty"`
	StickNumbers []int   `json:"stickNumbers,omitempty"`
	Category     string  `json:"category,omitempty"`
	Language     string  `json:"language,omitempty"`
	WishText     string  `json:"wishText,omitempty"`
	Reference    string  `json:"reference,omitempty"`
}

// InterpretResult is returned by both interpretation endpoints.
type InterpretResult struct {
	Interpretation string   `json:"interpretation,omitempty"`
	StickNumbers   []int    `json:"stickNumbers,omitempty"`
	MainPoem       []string `json:"mainPoem,omitempty"`
	OverallLuck    string   `json:"overallLuck,omitempty"`
	Explanation    string   `json:"explanation,omitempty"`
	Advice         string   `json:"advice,omitempty"`
	Oracle         string   `json:"oracle,omitempty"`
	Degraded       bool     `json:"degraded,omitempty"`
	Payer          string   `json:"payer,omitempty"`
	Paid           bool     `json:"x402_paid"`
	Timestamp      string   `json:"timestamp"`
}

// Reading is one entry of the reading history.
type Reading struct {
	ID             string  `json:"id"`
	EnvelopeID     string  `json:"envelope_id,omitempty"`
	Sender         string  `json:"sender"`
	Source         string  `json:"source"`
	Lots           []int64 `json:"lots"`
	Sum            string  `json:"sum"`
	PhraseIndex    int     `json:"phrase_index"`
	Interpretation string  `json:"interpretation"`
	CreatedAt      int64   `json:"created_at"`
}

// Receipt acknowledges an envelope queued through /submit.
type Receipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Envelope is a signed agent message as returned by the mailbox endpoint.
type Envelope struct {
	ID        string          `json:"id"`
	Schema    string          `json:"schema"`
	Sender    string          `json:"sender"`
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// Charge is a Coinbase Commerce checkout created by the oracle.
type Charge struct {
	ChargeID   string `json:"charge_id"`
	ChargeCode string `json:"charge_code"`
	HostedURL  string `json:"hosted_url"`
	ExpiresAt  string `json:"expires_at"`
}

// CommerceRequest asks for a reading paid through a Commerce charge.
type CommerceRequest struct {
	ChargeID string `json:"charge_id"`
	Category string `json:"category"`
	Language string `json:"language,omitempty"`
	WishText string `json:"wishText,omitempty"`
}

// CommerceResult is the reading released for a paid charge.
type CommerceResult struct {
	ChargeID     string   `json:"charge_id"`
	StickNumbers []int    `json:"stickNumbers"`
	MainPoem     []string `json:"mainPoem"`
	OverallLuck  string   `json:"overallLuck"`
	Explanation  string   `json:"explanation"`
	Advice       string   `json:"advice"`
	Oracle       string   `json:"oracle"`
	Degraded     bool     `json:"degraded,omitempty"`
	Paid         bool     `json:"commerce_paid"`
	Timestamp    string   `json:"timestamp"`
}

// ChargePendingError is returned when a Commerce charge has not been paid yet.
type ChargePendingError struct {
	Reason  string `json:"error"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e *ChargePendingError) Error() string {
	return fmt.Sprintf("oracle: charge not paid (%s): %s", e.Status, e.Message)
}

// PaymentRequirement is one accepted way to pay for a protected call.
type PaymentRequirement struct {
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Price       string `json:"price"`
	PayTo       string `json:"payTo"`
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType"`
}

// PaymentRequiredError is returned when the server answers 402.
type PaymentRequiredError struct {
	Reason  string               `json:"error"`
	Accepts []PaymentRequirement `json:"accepts"`
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("oracle: payment required: %s", e.Reason)
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("oracle api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("oracle api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the oracle API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetPayment stores the X-PAYMENT header sent with Interpret.
func (c *Client) SetPayment(header string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payment = header
}

// Payment returns the stored payment header.
func (c *Client) Payment() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.payment
}

// EncodePayment builds a payment header naming from as the payer.
func EncodePayment(from, network string) string {
	raw, _ := json.Marshal(map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     network,
		"payload": map[string]any{
			"authorization": map[string]string{"from": from},
		},
	})
	return base64.StdEncoding.EncodeToString(raw)
}

// Health reports the agent status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

// Cast interprets lots on the free endpoint and returns the text.
func (c *Client) Cast(ctx context.Context, lots []int64) (string, error) {
	if lots == nil {
		lots = []int64{}
	}
	var result InterpretResult
	body := map[string][]int64{"lots": lots}
	if err := c.do(ctx, http.MethodPost, "/api/fortune/interpret-free", body, nil, &result); err != nil {
		return "", err
	}
	return result.Interpretation, nil
}

// InterpretFree calls the free interpretation endpoint.
func (c *Client) InterpretFree(ctx context.Context, req InterpretRequest) (InterpretResult, error) {
	var result InterpretResult
	if err := c.do(ctx, http.MethodPost, "/api/fortune/interpret-free", req, nil, &result); err != nil {
		return InterpretResult{}, err
	}
	return result, nil
}

// Interpret calls the payment-gated endpoint with the stored payment header.
func (c *Client) Interpret(ctx context.Context, req InterpretRequest) (InterpretResult, error) {
	header := http.Header{}
	if p := c.Payment(); p != "" {
		header.Set(PaymentHeader, p)
	}
	var result InterpretResult
	if err := c.do(ctx, http.MethodPost, "/api/fortune/interpret", req, header, &result); err != nil {
		return InterpretResult{}, err
	}
	return result, nil
}

// Readings lists recent readings, optionally filtered by sender.
func (c *Client) Readings(ctx context.Context, sender string, limit int) ([]Reading, error) {
	query := url.Values{}
	if sender != "" {
		query.Set("sender", sender)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "/api/v1/readings"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var readings []Reading
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &readings); err != nil {
		return nil, err
	}
	return readings, nil
}

// Submit posts an encoded envelope to the agent endpoint.
func (c *Client) Submit(ctx context.Context, envelope json.RawMessage) (Receipt, error) {
	if !json.Valid(envelope) {
		return Receipt{}, errors.New("oracle: envelope is not valid JSON")
	}
	var receipt Receipt
	if err := c.do(ctx, http.MethodPost, "/submit", envelope, nil, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Replies picks up the envelopes queued for address. signature must be the
// address owner's signature over the mailbox access digest for issuedAt.
// Returned envelopes are removed from the mailbox.
func (c *Client) Replies(ctx context.Context, address string, issuedAt int64, signature string, limit int) ([]Envelope, error) {
	endpoint := "/api/v1/mailbox/" + url.PathEscape(address)
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	header := http.Header{}
	header.Set(MailboxTimestampHeader, strconv.FormatInt(issuedAt, 10))
	header.Set(MailboxSignatureHeader, signature)
	var envelopes []Envelope
	if err := c.do(ctx, http.MethodGet, endpoint, nil, header, &envelopes); err != nil {
		return nil, err
	}
	return envelopes, nil
}

// CreateCharge opens a Commerce checkout for a reading.
func (c *Client) CreateCharge(ctx context.Context, category, language string) (Charge, error) {
	body := map[string]string{"category": category, "language": language}
	var charge Charge
	if err := c.do(ctx, http.MethodPost, "/api/commerce/create-charge", body, nil, &charge); err != nil {
		return Charge{}, err
	}
	return charge, nil
}

// InterpretCommerce redeems a paid charge for a reading. An unpaid charge
// yields a *ChargePendingError.
func (c *Client) InterpretCommerce(ctx context.Context, req CommerceRequest) (CommerceResult, error) {
	var result CommerceResult
	if err := c.do(ctx, http.MethodPost, "/api/fortune/interpret-commerce", req, nil, &result); err != nil {
		return CommerceResult{}, err
	}
	return result, nil
}

// Skill returns the markdown capability document served by the agent.
func (c *Client) Skill(ctx context.Context) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/skill", nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read skill: %w", err)
	}
	return string(data), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, header http.Header, out any) error {
	resp, err := c.send(ctx, method, endpoint, payload, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs the request and converts error statuses into typed errors.
// On success the caller owns the response body.
func (c *Client) send(ctx context.Context, method, endpoint string, payload any, header http.Header) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel.Path = path.Join(c.baseURL.Path, rel.Path)
	u := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read error response: %w", err)
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		var required PaymentRequiredError
		if err := json.Unmarshal(data, &required); err == nil && len(required.Accepts) > 0 {
			return nil, &required
		}
		var pending ChargePendingError
		if err := json.Unmarshal(data, &pending); err == nil && pending.Status != "" {
			return nil, &pending
		}
	}
	apiErr := APIError{StatusCode: resp.StatusCode}
	_ = json.Unmarshal(data, &apiErr)
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return nil, &apiErr
}
