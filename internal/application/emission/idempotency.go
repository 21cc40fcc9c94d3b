package emission

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// IdempotencyKey is a deterministic hash of the submission identity. The
// same (issuer, establishment, point, sequence, issue date) always yields
// the same key.
func IdempotencyKey(ruc, establishment, emissionPoint, sequence string, issueDate time.Time) string {
	parts := []string{
		strings.TrimSpace(ruc),
		taxdoc.PadLeft(establishment, 3),
		taxdoc.PadLeft(emissionPoint, 3),
		taxdoc.PadLeft(sequence, 9),
		issueDate.Format(issueDateLayout),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
