package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	if err := Init(Config{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath, MaxSizeMB: 1},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Named("oracle").Info("ready", "port", 8000)
	Audit().Info("reply sent", "target", "0xabc")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	line := readFirstLine(t, appPath)
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("app log is not json: %v", err)
	}
	if entry["component"] != "oracle" || entry["msg"] != "ready" {
		t.Fatalf("unexpected entry: %v", entry)
	}

	auditLine := readFirstLine(t, auditPath)
	if !strings.Contains(auditLine, `"stream":"audit"`) || !strings.Contains(auditLine, "reply sent") {
		t.Fatalf("unexpected audit entry: %s", auditLine)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error for audit without path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARN": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func readFirstLine(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]
}
