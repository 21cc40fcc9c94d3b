package taxdoc

//go:generate mockgen -source=ports.go -destination=mock_ports.go -package=taxdoc

import (
	"context"
	"encoding/json"
	"time"
)

// GatewayStatus is the status string returned by the authority gateway.
type GatewayStatus string

const (
	GatewayAuthorized    GatewayStatus = "AUTHORIZED"
	GatewayNotAuthorized GatewayStatus = "NOT_AUTHORIZED"
	GatewayError         GatewayStatus = "ERROR"
	GatewayReceived      GatewayStatus = "RECEIVED"
	GatewayProcessing    GatewayStatus = "PROCESSING"
	GatewayReturned      GatewayStatus = "RETURNED"
)

// GatewayAuthorization is the optional authorization block of a gateway response.
type GatewayAuthorization struct {
	Number string `json:"number,omitempty"`
	Date   string `json:"date,omitempty"`
}

// GatewayResponse is the decoded body of emit and status calls.
type GatewayResponse struct {
	Status              GatewayStatus         `json:"status"`
	AccessKey           string                `json:"accessKey"`
	Messages            []string              `json:"messages"`
	Authorization       *GatewayAuthorization `json:"authorization,omitempty"`
	AuthorizedXMLBase64 string                `json:"xml_authorized_base64,omitempty"`
	RawBody             []byte                `json:"-"`
}

// EmitCall carries a serialized payload plus the identifiers used for logging.
type EmitCall struct {
	DocType    DocType
	IssuerRUC  string
	DocumentID string
	AccessKey  string
	Payload    []byte
}

// StatusQuery asks the gateway for the current authority status of a key.
type StatusQuery struct {
	AccessKey   string
	Environment Environment
	IssuerRUC   string
	DocumentID  string
}

// Gateway is the authority-facing service.
type Gateway interface {
	Emit(ctx context.Context, call EmitCall) (*GatewayResponse, error)
	StatusOf(ctx context.Context, query StatusQuery) (*GatewayResponse, error)
}

// SequenceAllocator hands out per (issuer, docType, env) sequence numbers.
type SequenceAllocator interface {
	// Reserve atomically increments and returns the counter.
	Reserve(ctx context.Context, issuerRUC string, docType DocType, env Environment) (int64, error)
	// Peek returns the value the next Reserve would return.
	Peek(ctx context.Context, issuerRUC string, docType DocType, env Environment) (int64, error)
	// Reset sets the value the next Reserve returns. It never moves the counter backwards.
	Reset(ctx context.Context, issuerRUC string, docType DocType, env Environment, next int64) error
}

// Transition moves a document from one of From to To. Non-zero fields are
// persisted together with the status change.
type Transition struct {
	DocumentID     string
	From           []Status
	To             Status
	Sequence       string
	AccessKey      string
	IdempotencyKey string
	Payload        json.RawMessage
	Messages       []string
	Authorization  *Authorization
	Artifact       []byte
	RepollAttempts *int
	NextPollAt     *time.Time
	ClearNextPoll  bool
	// EmitPending records whether the last emit left the gateway unsure
	// whether it received the payload.
	EmitPending *bool
}

// DocumentFilter narrows List.
type DocumentFilter struct {
	IssuerRUC string
	Status    Status
	DocType   DocType
	From      *time.Time
	To        *time.Time
	Limit     uint64
	Offset    uint64
}

// DocumentRepository persists documents. Transition is the single-writer gate:
// it must only apply when the stored status is one of t.From.
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	GetByAccessKey(ctx context.Context, accessKey string) (*Document, error)
	FindByNumber(ctx context.Context, issuerRUC string, docType DocType, establishment, emissionPoint, sequence string) (*Document, error)
	List(ctx context.Context, filter DocumentFilter) ([]Document, error)
	Transition(ctx context.Context, t Transition) error
	MarkVoided(ctx context.Context, id, voidedBy string) error
	ClaimDueForRepoll(ctx context.Context, now time.Time, limit int) ([]Document, error)
}

// IssuerRepository loads issuer profiles.
type IssuerRepository interface {
	Get(ctx context.Context, ruc string) (*Issuer, error)
	Upsert(ctx context.Context, issuer Issuer) error
}

// RepollTask is handed to the job runner after the initiating request commits.
type RepollTask struct {
	DocumentID string
	DocType    DocType
	Attempt    int
}

// RepollScheduler runs a re-poll later, decoupled from the caller.
type RepollScheduler interface {
	Schedule(ctx context.Context, task RepollTask) error
}

// Locker guards a key across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// ApplyTo mirrors a persisted transition onto doc.
func (t Transition) ApplyTo(doc *Document) {
	doc.Status = t.To
	if t.Sequence != "" {
		doc.Sequence = t.Sequence
	}
	if t.AccessKey != "" {
		doc.AccessKey = t.AccessKey
	}
	if t.IdempotencyKey != "" {
		doc.IdempotencyKey = t.IdempotencyKey
	}
	if t.Payload != nil {
		doc.Payload = t.Payload
	}
	if t.Messages != nil {
		doc.Messages = t.Messages
	}
	if t.Authorization != nil {
		doc.Authorization = *t.Authorization
	}
	if t.Artifact != nil {
		doc.Artifact = t.Artifact
	}
	if t.RepollAttempts != nil {
		doc.RepollAttempts = *t.RepollAttempts
	}
	if t.NextPollAt != nil {
		next := *t.NextPollAt
		doc.NextPollAt = &next
	}
	if t.ClearNextPoll {
		doc.NextPollAt = nil
	}
	if t.EmitPending != nil {
		doc.EmitPending = *t.EmitPending
	}
}

// Allows reports whether a document currently in status may take t.
func (t Transition) Allows(status Status) bool {
	for _, s := range t.From {
		if s == status {
			return true
		}
	}
	return false
}
