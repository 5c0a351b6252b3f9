package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := Wrap(CodeTransportFailure, cause, "发送回复失败", WithMetadata("target", "0xabc"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeTransportFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("transport failures should be retryable")
	}
	if got := err.Metadata()["target"]; got != "0xabc" {
		t.Fatalf("unexpected metadata: %q", got)
	}
}

func TestIsComparesCodes(t *testing.T) {
	a := New(CodeInvalidPayload, "lots 字段缺失")
	b := New(CodeInvalidPayload, "")
	if !stdErrors.Is(a, b) {
		t.Fatalf("errors with the same code should match")
	}
	if stdErrors.Is(a, New(CodeUnknownSchema, "")) {
		t.Fatalf("errors with different codes should not match")
	}
	if b.Message() != "invalid message payload" {
		t.Fatalf("expected default message, got %q", b.Message())
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New(CodeInvalidPayload, ""), http.StatusBadRequest},
		{New(CodePaymentRequired, ""), http.StatusPaymentRequired},
		{New(CodeSignatureMismatch, ""), http.StatusUnauthorized},
		{stdErrors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true, HTTPStatus: http.StatusConflict})

	err := New(code, "")
	if err.Severity() != SeverityWarning || !err.Retryable() {
		t.Fatalf("unexpected attributes: %+v", AttributesOf(code))
	}
	if overridden := New(code, "", WithRetryable(false)); overridden.Retryable() {
		t.Fatalf("override should disable retry")
	}
}
