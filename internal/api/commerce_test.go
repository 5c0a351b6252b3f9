package api

import (
	"context"
	"net/http"
	"testing"

	"Fortune-Oracle/internal/commerce"
	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/fortune"
)

type fakeCommerce struct {
	charges map[string]*commerce.Charge
	created []commerce.ChargeRequest
	err     error
}

func (f *fakeCommerce) CreateCharge(_ context.Context, req commerce.ChargeRequest) (*commerce.Charge, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	return &commerce.Charge{
		ID:        "charge-1",
		Code:      "K7XQ2M9A",
		HostedURL: "https://commerce.coinbase.com/charges/K7XQ2M9A",
		ExpiresAt: "2026-02-17T12:00:00Z",
	}, nil
}

func (f *fakeCommerce) GetCharge(_ context.Context, id string) (*commerce.Charge, error) {
	if f.err != nil {
		return nil, f.err
	}
	charge, ok := f.charges[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Invalid charge_id")
	}
	return charge, nil
}

func TestCreateCharge(t *testing.T) {
	fake := &fakeCommerce{}
	env := newTestEnv(t, WithCommerce(fake))

	rec := env.do(t, http.MethodPost, "/api/commerce/create-charge", map[string]string{"category": "wealth", "language": "en"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[ChargeResponse](t, rec)
	if got.ChargeID != "charge-1" || got.ChargeCode != "K7XQ2M9A" || got.HostedURL == "" || got.ExpiresAt == "" {
		t.Fatalf("unexpected charge response: %+v", got)
	}
	if len(fake.created) != 1 || fake.created[0].Category != "wealth" || fake.created[0].Language != "en" {
		t.Fatalf("charge metadata not forwarded: %+v", fake.created)
	}
}

func TestCreateChargeErrors(t *testing.T) {
	disabled := newTestEnv(t)
	rec := disabled.do(t, http.MethodPost, "/api/commerce/create-charge", `{}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without commerce, got %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Error != "Commerce API key not configured" {
		t.Fatalf("unexpected error %q", body.Error)
	}

	failing := newTestEnv(t, WithCommerce(&fakeCommerce{err: xerrors.New(xerrors.CodeTransportFailure, "Failed to create charge")}))
	rec = failing.do(t, http.MethodPost, "/api/commerce/create-charge", `{"category":"love"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on upstream failure, got %d", rec.Code)
	}
}

func TestInterpretCommercePaid(t *testing.T) {
	fake := &fakeCommerce{charges: map[string]*commerce.Charge{
		"charge-1": {ID: "charge-1", Code: "K7XQ2M9A", Timeline: []commerce.TimelineEntry{{Status: "NEW"}, {Status: "COMPLETED"}}},
	}}
	observer := &recordingObserver{}
	env := newTestEnv(t, WithCommerce(fake), WithObserver(observer))

	rec := env.do(t, http.MethodPost, "/api/fortune/interpret-commerce", map[string]string{
		"charge_id": "charge-1",
		"category":  "career",
		"language":  "en",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[CommerceInterpretResponse](t, rec)
	if !got.Paid || got.ChargeID != "charge-1" || got.Timestamp == "" {
		t.Fatalf("unexpected response: %+v", got)
	}
	want := fortune.DeriveSticks("K7XQ2M9A")
	if len(got.StickNumbers) != 3 || got.StickNumbers[0] != want[0] || got.StickNumbers[1] != want[1] || got.StickNumbers[2] != want[2] {
		t.Fatalf("sticks must derive from the charge code, want %v got %v", want, got.StickNumbers)
	}
	if got.Oracle == "" || len(got.MainPoem) == 0 {
		t.Fatalf("reading must be filled: %+v", got.StickReading)
	}
	if len(observer.sticks) != 1 {
		t.Fatalf("stick reading must be observed, got %v", observer.sticks)
	}
}

func TestInterpretCommerceUnpaid(t *testing.T) {
	fake := &fakeCommerce{charges: map[string]*commerce.Charge{
		"pending": {ID: "pending", Timeline: []commerce.TimelineEntry{{Status: "NEW"}, {Status: "PENDING"}}},
		"fresh":   {ID: "fresh"},
	}}
	env := newTestEnv(t, WithCommerce(fake))

	cases := []struct {
		charge, language, status, message string
	}{
		{"pending", "", "PENDING", "尚未检测到支付，请先在 Coinbase Commerce 完成支付"},
		{"pending", "zh-TW", "PENDING", "尚未偵測到支付，請先在 Coinbase Commerce 完成支付"},
		{"fresh", "en", "UNKNOWN", "Payment not detected. Please complete payment in Coinbase Commerce first."},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/api/fortune/interpret-commerce", map[string]string{
			"charge_id": tc.charge, "category": "love", "language": tc.language,
		}, nil)
		if rec.Code != http.StatusPaymentRequired {
			t.Fatalf("expected 402 for %s, got %d", tc.charge, rec.Code)
		}
		got := decodeBody[PaymentPending](t, rec)
		if got.Error != "Payment not completed" || got.Status != tc.status || got.Message != tc.message {
			t.Fatalf("unexpected pending body: %+v", got)
		}
	}
}

func TestInterpretCommerceRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, WithCommerce(&fakeCommerce{}))

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"missing charge", `{"category":"career"}`, http.StatusBadRequest},
		{"missing category", `{"charge_id":"charge-1"}`, http.StatusBadRequest},
		{"unknown charge", `{"charge_id":"nope","category":"career"}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/fortune/interpret-commerce", tc.body, nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}
