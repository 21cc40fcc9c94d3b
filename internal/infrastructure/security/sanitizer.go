package security

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
)

// Sensitive header names that should be redacted.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"proxy-authorization": true,
}

// Substrings that mark a JSON field or query parameter as secret. Access
// keys and authorization numbers are public identifiers and stay visible.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"private_key",
	"credential",
	"p12",
}

const redactedValue = "[REDACTED]"

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

// SanitizeHeaders returns a flattened copy of headers with secrets redacted.
func SanitizeHeaders(headers http.Header) map[string]string {
	sanitized := make(map[string]string, len(headers))

	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] {
			sanitized[key] = redactedValue
			continue
		}
		sanitized[key] = strings.Join(values, ", ")
	}

	return sanitized
}

// SanitizeBody returns body as JSON with secret fields redacted. Gzip bodies
// are inflated first; binary bodies are wrapped as base64 and oversized ones truncated.
func SanitizeBody(body []byte, maxSize int) json.RawMessage {
	if len(body) == 0 {
		return nil
	}

	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		decompressed, err := decompressGzip(body)
		if err != nil {
			return wrapBinaryAsJSON(body, "gzip-compressed (decompression failed)")
		}
		body = decompressed
	}

	if !utf8.Valid(body) {
		return wrapBinaryAsJSON(body, "binary (non-UTF8)")
	}

	if maxSize > 0 && len(body) > maxSize {
		return marshalRaw(map[string]interface{}{
			"_truncated": true,
			"_size":      len(body),
			"_preview":   string(body[:maxSize]),
		})
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return wrapText(body)
	}

	result, err := json.Marshal(sanitizeValue(data))
	if err != nil {
		return wrapText(body)
	}
	return json.RawMessage(result)
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

func wrapBinaryAsJSON(data []byte, format string) json.RawMessage {
	return marshalRaw(map[string]interface{}{
		"_binary": true,
		"_format": format,
		"_size":   len(data),
		"_base64": base64.StdEncoding.EncodeToString(data),
	})
}

func wrapText(body []byte) json.RawMessage {
	return marshalRaw(map[string]interface{}{
		"_raw":    string(body),
		"_format": "text",
	})
}

func marshalRaw(v interface{}) json.RawMessage {
	result, _ := json.Marshal(v)
	return json.RawMessage(result)
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for key, value := range val {
			if isSensitive(key) {
				out[key] = redactedValue
			} else {
				out[key] = sanitizeValue(value)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, value := range val {
			out[i] = sanitizeValue(value)
		}
		return out
	default:
		return val
	}
}

// SanitizeURL redacts the values of secret query parameters. Unparseable
// input is returned unchanged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}

	parts := strings.Split(u.RawQuery, "&")
	changed := false
	for i, part := range parts {
		name, _, found := strings.Cut(part, "=")
		if !found || !isSensitive(name) {
			continue
		}
		parts[i] = name + "=" + redactedValue
		changed = true
	}
	if !changed {
		return raw
	}

	u.RawQuery = strings.Join(parts, "&")
	return u.String()
}
