package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSensitiveKeys(t *testing.T) {
	for _, key := range []string{"vault_secret", "keypair", "signature_envelope", "apiToken", " Password "} {
		if !Sensitive(key) {
			t.Fatalf("expected %q to be sensitive", key)
		}
	}
	for _, key := range []string{"escrow_id", "agent", "status", "error"} {
		if Sensitive(key) {
			t.Fatalf("expected %q to pass through", key)
		}
	}
}

func TestRedactAttrMasksHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: RedactAttr}))

	logger.Info("escrow keypair stored",
		"escrow_id", "esc-1",
		"vault_secret", "hunter2",
	)

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, RedactedValue) {
		t.Fatalf("expected redaction placeholder in output: %s", out)
	}
	if !strings.Contains(out, "esc-1") {
		t.Fatalf("non-sensitive field was masked: %s", out)
	}
}
