package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"Fortune-Oracle/internal/commerce"
	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/fortune"
)

// WithCommerce 启用 Coinbase Commerce 收银台支付。
func WithCommerce(service commerce.Service) Option {
	return func(s *Server) {
		s.commerce = service
	}
}

// ChargeRequest 是创建订单接口的请求体。
type ChargeRequest struct {
	Category fortune.Category `json:"category,omitempty"`
	Language fortune.Language `json:"language,omitempty"`
}

// ChargeResponse 是创建订单接口的响应体。
type ChargeResponse struct {
	ChargeID   string `json:"charge_id"`
	ChargeCode string `json:"charge_code"`
	HostedURL  string `json:"hosted_url"`
	ExpiresAt  string `json:"expires_at"`
}

// CommerceInterpretRequest 是凭订单解签的请求体。
type CommerceInterpretRequest struct {
	ChargeID string           `json:"charge_id"`
	Category fortune.Category `json:"category"`
	Language fortune.Language `json:"language,omitempty"`
	WishText string           `json:"wishText,omitempty"`
}

// CommerceInterpretResponse 是凭订单解签的响应体。
type CommerceInterpretResponse struct {
	fortune.StickReading
	ChargeID  string `json:"charge_id"`
	Paid      bool   `json:"commerce_paid"`
	Timestamp string `json:"timestamp"`
}

// PaymentPending 是订单未付款时的 402 响应体。
type PaymentPending struct {
	Error   string `json:"error"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

var paymentPendingMessages = map[fortune.Language]string{
	fortune.LanguageSimplified:  "尚未检测到支付，请先在 Coinbase Commerce 完成支付",
	fortune.LanguageTraditional: "尚未偵測到支付，請先在 Coinbase Commerce 完成支付",
	fortune.LanguageEnglish:     "Payment not detected. Please complete payment in Coinbase Commerce first.",
}

func errCommerceDisabled() error {
	return xerrors.New(xerrors.CodeInitializationFailure, "Commerce API key not configured")
}

func (s *Server) handleCreateCharge(w http.ResponseWriter, r *http.Request) {
	if s.commerce == nil {
		s.writeError(w, errCommerceDisabled())
		return
	}
	var req ChargeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidPayload, err, "请求体解析失败"))
		return
	}
	charge, err := s.commerce.CreateCharge(r.Context(), commerce.ChargeRequest{
		Category: string(req.Category),
		Language: string(req.Language),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("已创建 Commerce 订单",
		slog.String("charge_id", charge.ID),
		slog.String("category", string(req.Category)))
	writeJSON(w, http.StatusOK, ChargeResponse{
		ChargeID:   charge.ID,
		ChargeCode: charge.Code,
		HostedURL:  charge.HostedURL,
		ExpiresAt:  charge.ExpiresAt,
	})
}

func (s *Server) handleInterpretCommerce(w http.ResponseWriter, r *http.Request) {
	var req CommerceInterpretRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidPayload, err, "请求体解析失败"))
		return
	}
	req.ChargeID = strings.TrimSpace(req.ChargeID)
	if req.ChargeID == "" || req.Category == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidPayload, "charge_id and category are required"))
		return
	}
	if req.Language == "" {
		req.Language = fortune.DefaultLanguage
	}
	if s.commerce == nil {
		s.writeError(w, errCommerceDisabled())
		return
	}

	charge, err := s.commerce.GetCharge(r.Context(), req.ChargeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !charge.Paid() {
		message, ok := paymentPendingMessages[req.Language]
		if !ok {
			message = paymentPendingMessages[fortune.LanguageEnglish]
		}
		writeJSON(w, http.StatusPaymentRequired, PaymentPending{
			Error:   "Payment not completed",
			Status:  charge.LastStatus(),
			Message: message,
		})
		return
	}

	reading, err := s.sticks.Read(r.Context(), fortune.StickRequest{
		StickNumbers: fortune.DeriveSticks(charge.Reference()),
		Category:     req.Category,
		Language:     req.Language,
		WishText:     req.WishText,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.observer != nil {
		s.observer.ObserveStickReading(string(req.Category), reading.Degraded)
	}
	s.logger.Info("Commerce 订单解签完成",
		slog.String("charge_id", charge.ID),
		slog.Bool("degraded", reading.Degraded))
	writeJSON(w, http.StatusOK, CommerceInterpretResponse{
		StickReading: reading,
		ChargeID:     charge.ID,
		Paid:         true,
		Timestamp:    s.now().UTC().Format(time.RFC3339),
	})
}
