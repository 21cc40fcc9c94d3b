package security

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestSanitizeHeaders(t *testing.T) {
	tests := []struct {
		name     string
		headers  http.Header
		expected map[string]string
	}{
		{
			name: "sensitive headers are redacted",
			headers: http.Header{
				"Authorization": []string{"Bearer secret-token"},
				"Cookie":        []string{"session=abc123"},
				"Content-Type":  []string{"application/json"},
				"X-Api-Key":     []string{"my-api-key"},
			},
			expected: map[string]string{
				"Authorization": "[REDACTED]",
				"Cookie":        "[REDACTED]",
				"Content-Type":  "application/json",
				"X-Api-Key":     "[REDACTED]",
			},
		},
		{
			name: "multiple values are joined",
			headers: http.Header{
				"Accept": []string{"application/json", "text/html"},
			},
			expected: map[string]string{
				"Accept": "application/json, text/html",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeHeaders(tt.headers)

			for key, expectedValue := range tt.expected {
				if result[key] != expectedValue {
					t.Errorf("expected %s=%s, got %s", key, expectedValue, result[key])
				}
			}
		})
	}
}

func decodeMap(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	return data
}

func TestSanitizeBody(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		maxSize     int
		expectation func(t *testing.T, result json.RawMessage)
	}{
		{
			name:    "empty body returns nil",
			body:    []byte{},
			maxSize: 1000,
			expectation: func(t *testing.T, result json.RawMessage) {
				if result != nil {
					t.Errorf("expected nil, got %v", result)
				}
			},
		},
		{
			name:    "certificate secrets are redacted",
			body:    []byte(`{"infoTributaria":{"ruc":"1790012345001","claveAcceso":"0503202401179001234500110010010000000421234567813"},"certificate":{"p12_base64":"/certs/a.p12","password":"pw"}}`),
			maxSize: 4096,
			expectation: func(t *testing.T, result json.RawMessage) {
				data := decodeMap(t, result)
				cert := data["certificate"].(map[string]interface{})
				if cert["password"] != "[REDACTED]" {
					t.Errorf("expected password to be redacted, got %v", cert["password"])
				}
				if cert["p12_base64"] != "[REDACTED]" {
					t.Errorf("expected p12_base64 to be redacted, got %v", cert["p12_base64"])
				}
				info := data["infoTributaria"].(map[string]interface{})
				if info["claveAcceso"] == "[REDACTED]" {
					t.Error("access key must stay visible")
				}
			},
		},
		{
			name:    "gateway identifiers stay visible",
			body:    []byte(`{"status":"AUTHORIZED","accessKey":"123","authorization":{"number":"123"},"idempotency_key":"abc"}`),
			maxSize: 4096,
			expectation: func(t *testing.T, result json.RawMessage) {
				data := decodeMap(t, result)
				if data["accessKey"] != "123" {
					t.Errorf("expected accessKey to remain, got %v", data["accessKey"])
				}
				if data["idempotency_key"] != "abc" {
					t.Errorf("expected idempotency_key to remain, got %v", data["idempotency_key"])
				}
				if _, ok := data["authorization"].(map[string]interface{}); !ok {
					t.Errorf("expected authorization block to remain, got %v", data["authorization"])
				}
			},
		},
		{
			name:    "arrays are sanitized",
			body:    []byte(`[{"token":"t1"},{"name":"x"}]`),
			maxSize: 4096,
			expectation: func(t *testing.T, result json.RawMessage) {
				var data []map[string]interface{}
				if err := json.Unmarshal(result, &data); err != nil {
					t.Fatal(err)
				}
				if data[0]["token"] != "[REDACTED]" || data[1]["name"] != "x" {
					t.Errorf("unexpected sanitized array: %v", data)
				}
			},
		},
		{
			name:    "non-JSON text is wrapped",
			body:    []byte("Bad Gateway"),
			maxSize: 4096,
			expectation: func(t *testing.T, result json.RawMessage) {
				data := decodeMap(t, result)
				if data["_raw"] != "Bad Gateway" || data["_format"] != "text" {
					t.Errorf("unexpected wrapper: %v", data)
				}
			},
		},
		{
			name:    "binary is base64 wrapped",
			body:    []byte{0xff, 0xfe, 0x00},
			maxSize: 4096,
			expectation: func(t *testing.T, result json.RawMessage) {
				data := decodeMap(t, result)
				if data["_binary"] != true {
					t.Errorf("expected binary wrapper, got %v", data)
				}
			},
		},
		{
			name:    "body is truncated if too large",
			body:    []byte(`{"data":"very long string with lots of content"}`),
			maxSize: 20,
			expectation: func(t *testing.T, result json.RawMessage) {
				data := decodeMap(t, result)
				if data["_truncated"] != true {
					t.Errorf("expected truncated marker, got %v", data)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeBody(tt.body, tt.maxSize)
			tt.expectation(t, result)
		})
	}
}

func TestSanitizeBody_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`{"password":"x","ruc":"1790012345001"}`)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	data := decodeMap(t, SanitizeBody(buf.Bytes(), 4096))
	if data["password"] != "[REDACTED]" {
		t.Errorf("expected password to be redacted, got %v", data["password"])
	}
	if data["ruc"] != "1790012345001" {
		t.Errorf("expected ruc to remain, got %v", data["ruc"])
	}
}

func TestSanitizeURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{
			name:     "url without sensitive params unchanged",
			url:      "http://127.0.0.1:8090/api/v1/invoices/0503202401179001234500110010010000000421234567813/status?env=test",
			expected: "http://127.0.0.1:8090/api/v1/invoices/0503202401179001234500110010010000000421234567813/status?env=test",
		},
		{
			name:     "url with password param is redacted",
			url:      "https://api.example.com/auth?username=john&password=secret123",
			expected: "https://api.example.com/auth?username=john&password=[REDACTED]",
		},
		{
			name:     "url with token param is redacted",
			url:      "https://api.example.com/data?token=abc123&format=json",
			expected: "https://api.example.com/data?token=[REDACTED]&format=json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeURL(tt.url)
			if result != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}
