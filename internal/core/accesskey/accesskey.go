// Package accesskey builds and checks the 49-digit authority access key.
//
// Layout: ddMMyyyy(8) docType(2) RUC(13) env(1) establishment+point(6)
// sequence(9) numeric code(8) emission type(1) check digit(1).
package accesskey

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

const (
	Length     = 49
	BaseLength = 48

	// EmissionTypeNormal is the only emission type in use.
	EmissionTypeNormal = "1"

	sequenceStart = 30
	sequenceEnd   = 39
)

// Params are the inputs to Generate. NumericCode is random when empty.
type Params struct {
	IssueDate     time.Time
	DocType       taxdoc.DocType
	RUC           string
	Environment   taxdoc.Environment
	Establishment string
	EmissionPoint string
	Sequence      string
	NumericCode   string
}

// Parts is a decoded access key.
type Parts struct {
	IssueDate     string
	DocType       string
	RUC           string
	Environment   string
	Establishment string
	EmissionPoint string
	Sequence      string
	NumericCode   string
	EmissionType  string
	CheckDigit    string
}

// Generate returns the full 49-digit key.
func Generate(p Params) (string, error) {
	code := p.NumericCode
	if code == "" {
		var err error
		code, err = randomNumericCode()
		if err != nil {
			return "", fmt.Errorf("generate numeric code: %w", err)
		}
	}

	base := p.IssueDate.Format("02012006") +
		string(p.DocType) +
		p.RUC +
		p.Environment.Code() +
		taxdoc.PadLeft(p.Establishment, 3) +
		taxdoc.PadLeft(p.EmissionPoint, 3) +
		taxdoc.PadLeft(p.Sequence, 9) +
		code +
		EmissionTypeNormal

	digit, err := CheckDigit(base)
	if err != nil {
		return "", err
	}
	return base + fmt.Sprint(digit), nil
}

// CheckDigit computes the modulo-11 digit over a 48-digit base. Weights 2..7
// are applied cyclically from the rightmost digit; 11 maps to 0 and 10 to 1.
func CheckDigit(base string) (int, error) {
	if len(base) != BaseLength || !isNumeric(base) {
		return 0, apperror.ErrInvalidAccessKey.
			WithMessage(fmt.Sprintf("access key base must be %d digits", BaseLength)).
			WithDetail("length", len(base))
	}

	sum, weight := 0, 2
	for i := len(base) - 1; i >= 0; i-- {
		sum += int(base[i]-'0') * weight
		weight++
		if weight > 7 {
			weight = 2
		}
	}

	switch digit := 11 - sum%11; digit {
	case 11:
		return 0, nil
	case 10:
		return 1, nil
	default:
		return digit, nil
	}
}

// ValidateFormat checks that key is exactly 49 numeric characters.
func ValidateFormat(key string) error {
	if len(key) != Length || !isNumeric(key) {
		return apperror.ErrInvalidAccessKey.WithDetail("accessKey", key)
	}
	return nil
}

// Verify checks format and that the 49th digit matches the first 48.
func Verify(key string) error {
	if err := ValidateFormat(key); err != nil {
		return err
	}
	digit, err := CheckDigit(key[:BaseLength])
	if err != nil {
		return err
	}
	if int(key[BaseLength]-'0') != digit {
		return apperror.ErrInvalidAccessKey.
			WithMessage("access key check digit mismatch").
			WithDetail("expected", digit)
	}
	return nil
}

// SequenceOf extracts the 9-digit sequence embedded in a well-formed key.
func SequenceOf(key string) (string, error) {
	if err := ValidateFormat(key); err != nil {
		return "", err
	}
	return key[sequenceStart:sequenceEnd], nil
}

// Parse splits a well-formed key into its fields.
func Parse(key string) (Parts, error) {
	if err := ValidateFormat(key); err != nil {
		return Parts{}, err
	}
	return Parts{
		IssueDate:     key[0:8],
		DocType:       key[8:10],
		RUC:           key[10:23],
		Environment:   key[23:24],
		Establishment: key[24:27],
		EmissionPoint: key[27:30],
		Sequence:      key[30:39],
		NumericCode:   key[39:47],
		EmissionType:  key[47:48],
		CheckDigit:    key[48:49],
	}, nil
}

func randomNumericCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
