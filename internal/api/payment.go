package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/web3"
	"Fortune-Oracle/pkg/logger"
)

// PaymentHeader 是付费请求携带支付凭证的请求头。
const PaymentHeader = "X-PAYMENT"

// PaymentResponseHeader 回传结算结果。
const PaymentResponseHeader = "X-PAYMENT-RESPONSE"

const paymentVersion = 1

// PaymentConfig 描述付费接口的收款要求。
type PaymentConfig struct {
	Enabled     bool
	Network     string
	PayTo       string
	Price       string
	Description string
}

// PaymentRequirement 是 402 响应中列出的一种可接受的支付方式。
type PaymentRequirement struct {
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
	Price       string `json:"price"`
	PayTo       string `json:"payTo"`
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType"`
}

// PaymentRequired 是 402 响应体。
type PaymentRequired struct {
	Version int                  `json:"x402Version"`
	Error   string               `json:"error"`
	Accepts []PaymentRequirement `json:"accepts"`
}

func (p PaymentConfig) requirements(resource, reason string) PaymentRequired {
	return PaymentRequired{
		Version: paymentVersion,
		Error:   reason,
		Accepts: []PaymentRequirement{{
			Scheme:      "exact",
			Network:     p.Network,
			Price:       p.Price,
			PayTo:       p.PayTo,
			Resource:    resource,
			Description: p.Description,
			MimeType:    "application/json",
		}},
	}
}

type paymentAuthorization struct {
	From string `json:"from"`
}

type paymentHeader struct {
	Version       int                   `json:"x402Version"`
	Network       string                `json:"network"`
	Authorization *paymentAuthorization `json:"authorization"`
	Payload       struct {
		Authorization *paymentAuthorization `json:"authorization"`
	} `json:"payload"`
}

// ParsePayer 从 base64 编码的 JSON 支付凭证中取出付款地址。
// 地址可以位于 payload.authorization.from 或 authorization.from。
func ParsePayer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", xerrors.New(xerrors.CodePaymentRequired, "缺少支付凭证")
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		if raw, err = base64.RawStdEncoding.DecodeString(header); err != nil {
			return "", xerrors.Wrap(xerrors.CodePaymentRequired, err, "支付凭证不是合法的 base64")
		}
	}
	var decoded paymentHeader
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", xerrors.Wrap(xerrors.CodePaymentRequired, err, "支付凭证不是合法的 JSON")
	}

	var from string
	switch {
	case decoded.Payload.Authorization != nil:
		from = decoded.Payload.Authorization.From
	case decoded.Authorization != nil:
		from = decoded.Authorization.From
	}
	if !web3.IsAddress(from) {
		return "", xerrors.New(xerrors.CodePaymentRequired, "支付凭证中的付款地址无效",
			xerrors.WithMetadata("from", from))
	}
	return from, nil
}

type settlement struct {
	Success bool   `json:"success"`
	Payer   string `json:"payer"`
	Network string `json:"network"`
}

func encodeSettlement(payer, network string) string {
	raw, _ := json.Marshal(settlement{Success: true, Payer: payer, Network: network})
	return base64.StdEncoding.EncodeToString(raw)
}

// payerKey 是上下文中存储付款地址的键类型。
type payerKey struct{}

// WithPayer 将已校验的付款地址存入上下文。
func WithPayer(ctx context.Context, payer string) context.Context {
	if payer == "" {
		return ctx
	}
	return context.WithValue(ctx, payerKey{}, payer)
}

// PayerFromContext 取出付款地址，未经过支付校验时返回 false。
func PayerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	payer, ok := ctx.Value(payerKey{}).(string)
	return payer, ok && payer != ""
}

// requirePayment 在启用收费时校验 X-PAYMENT 请求头，缺失或无效时返回 402。
func (s *Server) requirePayment(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.payment.Enabled {
			next(w, r)
			return
		}
		header := r.Header.Get(PaymentHeader)
		reason := "X-PAYMENT header is required"
		payer := ""
		if header != "" {
			parsed, err := ParsePayer(header)
			if err != nil {
				reason = err.Error()
			} else {
				payer = parsed
			}
		}
		if payer == "" {
			logger.Audit().Warn("payment_required",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.Bool("header_present", header != ""),
				slog.String("reason", reason))
			writeJSON(w, http.StatusPaymentRequired, s.payment.requirements(r.URL.Path, reason))
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(WithPayer(r.Context(), payer)))
		logger.Audit().Info("paid_request",
			slog.String("path", r.URL.Path),
			slog.String("payer", payer),
			slog.String("network", s.payment.Network),
			slog.String("price", s.payment.Price),
			slog.Int("status", rec.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	}
}
