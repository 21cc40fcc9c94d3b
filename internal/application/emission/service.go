// Package emission drives tax documents from draft to authority authorization.
package emission

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"bmarc/ms_facturacion_sri/internal/core/accesskey"
	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
	"bmarc/ms_facturacion_sri/internal/infrastructure/metrics"
)

const (
	defaultMaxRepollAttempts = 12
	defaultListLimit         = 50
	maxListLimit             = 200

	// submitGrace is how long a SUBMITTED document may wait for its emit call
	// before the sweeper treats it as lost and re-polls it.
	submitGrace = 5 * time.Minute
)

// IssuerProvider loads issuer profiles.
type IssuerProvider interface {
	Get(ctx context.Context, ruc string) (*taxdoc.Issuer, error)
}

// Config tunes the state machine.
type Config struct {
	MaxRepollAttempts  int
	RepollInitialDelay time.Duration
	RepollMaxDelay     time.Duration
	// RepollGrace is added to the scheduled delay before the sweeper may
	// claim a document whose in-process task was lost.
	RepollGrace        time.Duration
	FinalConsumerLimit decimal.Decimal
	Defaults           Defaults
}

// Deps are the collaborators of Service. Metrics may be nil.
type Deps struct {
	Documents taxdoc.DocumentRepository
	Issuers   IssuerProvider
	Sequences taxdoc.SequenceAllocator
	Gateway   taxdoc.Gateway
	Scheduler taxdoc.RepollScheduler
	Metrics   *metrics.EmissionMetrics
	Logger    *slog.Logger
}

// Service orchestrates emission use cases.
type Service struct {
	docs      taxdoc.DocumentRepository
	issuers   IssuerProvider
	sequences taxdoc.SequenceAllocator
	gateway   taxdoc.Gateway
	scheduler taxdoc.RepollScheduler
	metrics   *metrics.EmissionMetrics
	log       *slog.Logger
	cfg       Config

	statusGroup singleflight.Group
	now         func() time.Time
	newID       func() string
}

// NewService wires the emission service.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.MaxRepollAttempts <= 0 {
		cfg.MaxRepollAttempts = defaultMaxRepollAttempts
	}
	if cfg.RepollInitialDelay <= 0 {
		cfg.RepollInitialDelay = 5 * time.Second
	}
	if cfg.RepollMaxDelay < cfg.RepollInitialDelay {
		cfg.RepollMaxDelay = 5 * time.Minute
	}
	if cfg.RepollGrace <= 0 {
		cfg.RepollGrace = time.Minute
	}
	if cfg.FinalConsumerLimit.IsZero() {
		cfg.FinalConsumerLimit = decimal.NewFromInt(50)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		docs:      deps.Documents,
		issuers:   deps.Issuers,
		sequences: deps.Sequences,
		gateway:   deps.Gateway,
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		log:       log.With("component", "emission"),
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// EmitRequest is the input of Emit. Credit notes identify the modified
// invoice either by ReferenceDocumentID or by ModifiedNumber.
type EmitRequest struct {
	DocType       taxdoc.DocType
	IssuerRUC     string
	Establishment string
	EmissionPoint string
	IssueDate     time.Time
	Buyer         taxdoc.Buyer
	Items         []taxdoc.LineItem
	Payments      []taxdoc.Payment

	ReferenceDocumentID string
	ModifiedNumber      string
	ModifiedIssueDate   time.Time
	Reason              string
}

// RepollResult reports what a re-poll did.
type RepollResult struct {
	DocumentID string
	Status     taxdoc.Status
	Attempt    int
	Skipped    bool
}

// Emit validates the request, persists a draft and submits it. It returns
// after the first gateway answer and never waits for authorization.
func (s *Service) Emit(ctx context.Context, req EmitRequest) (*taxdoc.Document, error) {
	if !req.DocType.Valid() {
		return nil, apperror.NewValidation("unsupported document type").WithDetail("docType", string(req.DocType))
	}

	doc := &taxdoc.Document{
		ID:        s.newID(),
		DocType:   req.DocType,
		IssuerRUC: strings.TrimSpace(req.IssuerRUC),
		Status:    taxdoc.StatusDraft,
		IssueDate: s.issueDate(req.IssueDate),
		Buyer:     ResolveBuyer(req.Buyer, s.cfg.Defaults.Email),
		Items:     NormalizeItems(req.DocType, req.Items),
		Payments:  req.Payments,
		Reason:    strings.TrimSpace(req.Reason),
	}

	if doc.IsCreditNote() {
		if err := s.resolveReference(ctx, doc, req); err != nil {
			return nil, err
		}
		if err := ValidateCreditNote(doc); err != nil {
			return nil, err
		}
	}

	issuer, err := s.issuers.Get(ctx, doc.IssuerRUC)
	if err != nil {
		return nil, err
	}
	header, err := ResolveHeader(*issuer, req.Establishment, req.EmissionPoint, s.cfg.Defaults)
	if err != nil {
		return nil, err
	}
	doc.Environment = header.Environment
	doc.Establishment = header.Establishment
	doc.EmissionPoint = header.EmissionPoint

	totals, err := Aggregate(doc.Items)
	if err != nil {
		return nil, err
	}
	applyTotals(doc, totals)

	if !doc.IsCreditNote() && doc.Buyer.IsFinalConsumer() && doc.GrandTotal.GreaterThanOrEqual(s.cfg.FinalConsumerLimit) {
		return nil, apperror.ErrFinalConsumerLimit.
			WithDetail("limit", s.cfg.FinalConsumerLimit.StringFixed(2)).
			WithDetail("total", doc.GrandTotal.StringFixed(2))
	}

	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	s.log.Info("Draft created",
		"document_id", doc.ID,
		"doc_type", doc.DocType.String(),
		"issuer_ruc", doc.IssuerRUC,
		"grand_total", doc.GrandTotal.StringFixed(2))

	return s.submit(ctx, doc, header, totals)
}

// resolveReference fills Modified from a stored invoice when one is found,
// otherwise from the number and date supplied in the request.
func (s *Service) resolveReference(ctx context.Context, doc *taxdoc.Document, req EmitRequest) error {
	var ref *taxdoc.Document
	switch {
	case req.ReferenceDocumentID != "":
		found, err := s.docs.Get(ctx, req.ReferenceDocumentID)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return apperror.ErrMissingReference.WithDetail("referenceDocumentId", req.ReferenceDocumentID)
			}
			return err
		}
		ref = found
	case strings.TrimSpace(req.ModifiedNumber) != "":
		est, pto, seq, err := taxdoc.ParseDocumentNumber(req.ModifiedNumber)
		if err != nil {
			return apperror.ErrMissingReference.WithMessage(err.Error())
		}
		found, err := s.docs.FindByNumber(ctx, doc.IssuerRUC, taxdoc.DocTypeInvoice, est, pto, seq)
		switch {
		case err == nil:
			ref = found
		case errors.Is(err, apperror.ErrNotFound):
			// invoice emitted outside this service
			if req.ModifiedIssueDate.IsZero() {
				return apperror.ErrMissingReference.WithMessage("modified document issue date is required")
			}
			doc.Modified = &taxdoc.ModifiedDocument{
				DocType:       taxdoc.DocTypeInvoice,
				Establishment: est,
				EmissionPoint: pto,
				Sequence:      seq,
				IssueDate:     req.ModifiedIssueDate,
			}
			return nil
		default:
			return err
		}
	default:
		return apperror.ErrMissingReference
	}

	if ref.DocType != taxdoc.DocTypeInvoice || ref.Sequence == "" {
		return apperror.ErrMissingReference.
			WithMessage("referenced document is not an emitted invoice").
			WithDetail("referenceDocumentId", ref.ID)
	}
	if ref.Voided {
		return apperror.ErrInvoiceVoided.WithDetail("referenceDocumentId", ref.ID).WithDetail("voidedBy", ref.VoidedBy)
	}
	if ref.Buyer.IsFinalConsumer() {
		return apperror.ErrFinalConsumerVoid.WithDetail("referenceDocumentId", ref.ID)
	}

	doc.ReferenceDocumentID = ref.ID
	doc.Modified = &taxdoc.ModifiedDocument{
		DocType:       taxdoc.DocTypeInvoice,
		Establishment: ref.Establishment,
		EmissionPoint: ref.EmissionPoint,
		Sequence:      ref.Sequence,
		IssueDate:     ref.IssueDate,
	}
	return nil
}

// submit runs the DRAFT path: reserve, key, payload, emit, classify.
func (s *Service) submit(ctx context.Context, doc *taxdoc.Document, header Header, totals Totals) (*taxdoc.Document, error) {
	next, err := s.sequences.Reserve(ctx, doc.IssuerRUC, doc.DocType, doc.Environment)
	if err != nil {
		s.metrics.IncReservation(doc.DocType.String(), string(doc.Environment), metrics.ResultUnavailable)
		s.log.Error("Sequence reservation failed",
			"document_id", doc.ID,
			"issuer_ruc", doc.IssuerRUC,
			"doc_type", doc.DocType.String(),
			"error", err)
		if errors.Is(err, apperror.ErrSequenceUnavailable) {
			return nil, err
		}
		return nil, apperror.ErrSequenceUnavailable.WithCause(err)
	}
	s.metrics.IncReservation(doc.DocType.String(), string(doc.Environment), metrics.ResultOK)

	sequence := taxdoc.PadLeft(strconv.FormatInt(next, 10), 9)
	key, err := accesskey.Generate(accesskey.Params{
		IssueDate:     doc.IssueDate,
		DocType:       doc.DocType,
		RUC:           doc.IssuerRUC,
		Environment:   doc.Environment,
		Establishment: doc.Establishment,
		EmissionPoint: doc.EmissionPoint,
		Sequence:      sequence,
	})
	if err != nil {
		return nil, err
	}

	draft := *doc
	draft.Sequence = sequence
	payload, err := BuildPayload(PayloadInput{Document: &draft, Header: header, Totals: totals, AccessKey: key})
	if err != nil {
		return nil, err
	}
	raw, err := payload.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	deadline := s.now().Add(submitGrace)
	if err := s.transition(ctx, doc, taxdoc.Transition{
		DocumentID:     doc.ID,
		From:           []taxdoc.Status{taxdoc.StatusDraft},
		To:             taxdoc.StatusSubmitted,
		Sequence:       sequence,
		AccessKey:      key,
		IdempotencyKey: payload.IdempotencyKey,
		Payload:        raw,
		NextPollAt:     &deadline,
		EmitPending:    flag(true),
	}); err != nil {
		return nil, err
	}

	resp, err := s.gateway.Emit(ctx, emitCall(doc))
	if err != nil {
		return s.handleEmitFailure(ctx, doc, err)
	}

	if resp.AccessKey != "" && resp.AccessKey != doc.AccessKey {
		gatewaySeq, _ := accesskey.SequenceOf(resp.AccessKey)
		s.log.Warn("Gateway answered with a different access key",
			"document_id", doc.ID,
			"access_key", doc.AccessKey,
			"gateway_access_key", resp.AccessKey,
			"gateway_sequence", gatewaySeq)
	}

	outcome, err := s.apply(ctx, doc, resp, []taxdoc.Status{taxdoc.StatusSubmitted}, 0)
	if err != nil {
		return nil, err
	}
	s.metrics.IncEmission(doc.DocType.String(), outcome.String())
	return doc, nil
}

// handleEmitFailure keeps retryable failures out of the caller's way and
// marks the rest as terminal errors.
func (s *Service) handleEmitFailure(ctx context.Context, doc *taxdoc.Document, cause error) (*taxdoc.Document, error) {
	s.log.Warn("Gateway emit failed",
		"document_id", doc.ID,
		"access_key", doc.AccessKey,
		"retryable", apperror.IsRetryable(cause),
		"error", cause)

	if apperror.IsRetryable(cause) {
		if err := s.markProcessing(ctx, doc, []taxdoc.Status{taxdoc.StatusSubmitted}, 0, []string{cause.Error()}, true); err != nil {
			return nil, err
		}
		s.metrics.IncEmission(doc.DocType.String(), "retry")
		return doc, nil
	}

	if err := s.fail(ctx, doc, []taxdoc.Status{taxdoc.StatusSubmitted}, []string{cause.Error()}); err != nil {
		return nil, err
	}
	s.metrics.IncEmission(doc.DocType.String(), OutcomeError.String())

	if appErr, ok := apperror.AsAppError(cause); ok {
		return nil, appErr.WithDetail("documentId", doc.ID)
	}
	return nil, cause
}

// apply persists the classified outcome of a gateway answer. attempts is
// the number of re-polls already consumed.
func (s *Service) apply(ctx context.Context, doc *taxdoc.Document, resp *taxdoc.GatewayResponse, from []taxdoc.Status, attempts int) (Outcome, error) {
	outcome := Classify(resp)

	s.log.Info("Authority answer",
		"document_id", doc.ID,
		"issuer_ruc", doc.IssuerRUC,
		"access_key", doc.AccessKey,
		"gateway_status", string(resp.Status),
		"outcome", outcome.String(),
		"messages", resp.Messages)

	switch outcome {
	case OutcomeAuthorized:
		return outcome, s.finalize(ctx, doc, resp, from)
	case OutcomeProcessing:
		return outcome, s.markProcessing(ctx, doc, from, attempts, resp.Messages, false)
	default:
		return outcome, s.transition(ctx, doc, taxdoc.Transition{
			DocumentID:    doc.ID,
			From:          from,
			To:            outcome.Status(),
			Messages:      resp.Messages,
			ClearNextPoll: true,
			EmitPending:   flag(false),
		})
	}
}

// fail moves the document to ERROR.
func (s *Service) fail(ctx context.Context, doc *taxdoc.Document, from []taxdoc.Status, messages []string) error {
	return s.transition(ctx, doc, taxdoc.Transition{
		DocumentID:    doc.ID,
		From:          from,
		To:            taxdoc.StatusError,
		Messages:      messages,
		ClearNextPoll: true,
		EmitPending:   flag(false),
	})
}

func (s *Service) finalize(ctx context.Context, doc *taxdoc.Document, resp *taxdoc.GatewayResponse, from []taxdoc.Status) error {
	auth := &taxdoc.Authorization{Number: doc.AccessKey}
	if resp.Authorization != nil {
		if resp.Authorization.Number != "" {
			auth.Number = resp.Authorization.Number
		}
		auth.AuthorizedAt = ParseAuthorizationDate(resp.Authorization.Date)
	}
	if auth.AuthorizedAt == nil {
		now := s.now()
		auth.AuthorizedAt = &now
	}

	if err := s.transition(ctx, doc, taxdoc.Transition{
		DocumentID:    doc.ID,
		From:          from,
		To:            taxdoc.StatusAuthorized,
		Messages:      resp.Messages,
		Authorization: auth,
		Artifact:      decodeArtifact(resp.AuthorizedXMLBase64),
		ClearNextPoll: true,
		EmitPending:   flag(false),
	}); err != nil {
		return err
	}

	if doc.IsCreditNote() && doc.ReferenceDocumentID != "" {
		if err := s.docs.MarkVoided(ctx, doc.ReferenceDocumentID, doc.ID); err != nil {
			s.log.Error("Failed to void referenced invoice",
				"document_id", doc.ID,
				"reference_document_id", doc.ReferenceDocumentID,
				"error", err)
		}
	}
	return nil
}

// markProcessing parks the document in PROCESSING and schedules the next
// re-poll. pending means the gateway may never have received the payload.
func (s *Service) markProcessing(ctx context.Context, doc *taxdoc.Document, from []taxdoc.Status, attempts int, messages []string, pending bool) error {
	next := s.now().Add(Backoff(attempts+1, s.cfg.RepollInitialDelay, s.cfg.RepollMaxDelay) + s.cfg.RepollGrace)
	if err := s.transition(ctx, doc, taxdoc.Transition{
		DocumentID:     doc.ID,
		From:           from,
		To:             taxdoc.StatusProcessing,
		Messages:       messages,
		RepollAttempts: &attempts,
		NextPollAt:     &next,
		EmitPending:    flag(pending),
	}); err != nil {
		return err
	}
	s.schedule(ctx, doc, attempts+1)
	return nil
}

func (s *Service) schedule(ctx context.Context, doc *taxdoc.Document, attempt int) {
	if s.scheduler == nil {
		return
	}
	task := taxdoc.RepollTask{DocumentID: doc.ID, DocType: doc.DocType, Attempt: attempt}
	if err := s.scheduler.Schedule(ctx, task); err != nil {
		// the sweeper picks the document up from next_poll_at
		s.log.Warn("Failed to schedule re-poll", "document_id", doc.ID, "attempt", attempt, "error", err)
	}
}

// transition persists t and mirrors it on doc.
func (s *Service) transition(ctx context.Context, doc *taxdoc.Document, t taxdoc.Transition) error {
	if err := s.docs.Transition(ctx, t); err != nil {
		if errors.Is(err, apperror.ErrConcurrentUpdate) {
			return err
		}
		return fmt.Errorf("transition %s -> %s: %w", doc.Status, t.To, err)
	}

	s.metrics.IncTransition(string(doc.Status), string(t.To))
	s.log.Info("Document transition",
		"document_id", doc.ID,
		"access_key", firstNonEmpty(t.AccessKey, doc.AccessKey),
		"from", string(doc.Status),
		"to", string(t.To))
	t.ApplyTo(doc)
	return nil
}

// Resubmit re-runs a document through the state machine. DRAFT documents go
// through the full flow. Documents whose last emit never completed re-send
// the stored payload right away; the rest are re-polled.
func (s *Service) Resubmit(ctx context.Context, id string) (*taxdoc.Document, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch doc.Status {
	case taxdoc.StatusAuthorized:
		return nil, apperror.ErrAlreadyAuthorized.WithDetail("documentId", id)
	case taxdoc.StatusNotAuthorized, taxdoc.StatusError:
		return nil, apperror.ErrTerminalDocument.WithDetail("documentId", id).WithDetail("status", string(doc.Status))
	case taxdoc.StatusSubmitted:
		return nil, apperror.ErrConcurrentUpdate.WithMessage("submission already in flight").WithDetail("documentId", id)
	case taxdoc.StatusProcessing, taxdoc.StatusStale:
		if doc.EmitPending {
			return s.resend(ctx, doc)
		}
		return s.RequestRepoll(ctx, id)
	}

	issuer, err := s.issuers.Get(ctx, doc.IssuerRUC)
	if err != nil {
		return nil, err
	}
	header, err := ResolveHeader(*issuer, doc.Establishment, doc.EmissionPoint, s.cfg.Defaults)
	if err != nil {
		return nil, err
	}
	doc.Environment = header.Environment
	totals, err := Aggregate(doc.Items)
	if err != nil {
		return nil, err
	}
	applyTotals(doc, totals)

	s.log.Info("Resubmitting draft", "document_id", doc.ID, "issuer_ruc", doc.IssuerRUC)
	return s.submit(ctx, doc, header, totals)
}

// Repoll queries the authority for a PROCESSING document. Each answer that
// is not final consumes one attempt; the last one leaves the document STALE.
func (s *Service) Repoll(ctx context.Context, task taxdoc.RepollTask) (RepollResult, error) {
	doc, err := s.docs.Get(ctx, task.DocumentID)
	if err != nil {
		return RepollResult{DocumentID: task.DocumentID}, err
	}

	result := RepollResult{DocumentID: doc.ID, Status: doc.Status, Attempt: doc.RepollAttempts}
	if doc.Status != taxdoc.StatusProcessing && doc.Status != taxdoc.StatusSubmitted {
		result.Skipped = true
		s.metrics.IncRepoll("skipped")
		return result, nil
	}

	from := []taxdoc.Status{doc.Status}
	attempt := doc.RepollAttempts + 1

	resending := doc.EmitPending
	var resp *taxdoc.GatewayResponse
	if !resending {
		resp, err = s.gateway.StatusOf(ctx, taxdoc.StatusQuery{
			AccessKey:   doc.AccessKey,
			Environment: doc.Environment,
			IssuerRUC:   doc.IssuerRUC,
			DocumentID:  doc.ID,
		})
		if IsUnknownKey(resp) || isUnknownKeyError(err) {
			s.log.Warn("Gateway does not know the access key, re-sending payload",
				"document_id", doc.ID,
				"access_key", doc.AccessKey,
				"attempt", attempt)
			resending = true
		}
	}
	if resending {
		resp, err = s.gateway.Emit(ctx, emitCall(doc))
	}
	if err == nil && resp == nil {
		resp = &taxdoc.GatewayResponse{}
	}

	var outcome Outcome
	pending := false
	switch {
	case err != nil && resending && !apperror.IsRetryable(err):
		outcome = OutcomeError
		resp = &taxdoc.GatewayResponse{Messages: []string{err.Error()}}
	case err != nil:
		s.log.Warn("Re-poll gateway call failed",
			"document_id", doc.ID,
			"access_key", doc.AccessKey,
			"attempt", attempt,
			"resending", resending,
			"error", err)
		outcome = OutcomeProcessing
		pending = resending
		resp = &taxdoc.GatewayResponse{Messages: []string{err.Error()}}
	case resending:
		outcome = Classify(resp)
	default:
		outcome = Classify(resp)
		if outcome != OutcomeAuthorized && outcome != OutcomeRejected {
			// only a final authority decision ends the re-poll cycle
			outcome = OutcomeProcessing
		}
	}

	switch {
	case outcome == OutcomeAuthorized:
		err = s.finalize(ctx, doc, resp, from)
	case outcome == OutcomeError && resp.Status == "":
		err = s.fail(ctx, doc, from, resp.Messages)
	case outcome != OutcomeProcessing:
		_, err = s.apply(ctx, doc, resp, from, attempt)
	case attempt >= s.cfg.MaxRepollAttempts:
		err = s.transition(ctx, doc, taxdoc.Transition{
			DocumentID:     doc.ID,
			From:           from,
			To:             taxdoc.StatusStale,
			Messages:       resp.Messages,
			RepollAttempts: &attempt,
			ClearNextPoll:  true,
			EmitPending:    flag(pending),
		})
		if err == nil {
			s.log.Warn("Document went stale",
				"document_id", doc.ID,
				"access_key", doc.AccessKey,
				"attempts", attempt,
				"emit_pending", pending)
		}
	default:
		err = s.markProcessing(ctx, doc, from, attempt, resp.Messages, pending)
	}

	if errors.Is(err, apperror.ErrConcurrentUpdate) {
		result.Skipped = true
		s.metrics.IncRepoll("skipped")
		return result, nil
	}
	if err != nil {
		return result, err
	}

	result.Status = doc.Status
	result.Attempt = attempt
	s.metrics.IncRepoll(strings.ToLower(string(doc.Status)))
	return result, nil
}

// RequestRepoll is the manual re-poll for PROCESSING and STALE documents. It
// resets the attempt budget and schedules an immediate status query.
func (s *Service) RequestRepoll(ctx context.Context, id string) (*taxdoc.Document, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch doc.Status {
	case taxdoc.StatusProcessing, taxdoc.StatusStale:
	case taxdoc.StatusAuthorized:
		return nil, apperror.ErrAlreadyAuthorized.WithDetail("documentId", id)
	default:
		return nil, apperror.ErrTerminalDocument.
			WithMessage("only PROCESSING or STALE documents can be re-polled").
			WithDetail("documentId", id).
			WithDetail("status", string(doc.Status))
	}

	if err := s.resetRepolls(ctx, doc); err != nil {
		return nil, err
	}
	s.schedule(ctx, doc, 0)
	return doc, nil
}

// resetRepolls moves the document back to PROCESSING with a fresh attempt budget.
func (s *Service) resetRepolls(ctx context.Context, doc *taxdoc.Document) error {
	zero := 0
	next := s.now().Add(s.cfg.RepollGrace)
	return s.transition(ctx, doc, taxdoc.Transition{
		DocumentID:     doc.ID,
		From:           []taxdoc.Status{taxdoc.StatusProcessing, taxdoc.StatusStale},
		To:             taxdoc.StatusProcessing,
		RepollAttempts: &zero,
		NextPollAt:     &next,
	})
}

// resend re-posts the stored payload of a document whose last emit never
// completed, with a fresh attempt budget.
func (s *Service) resend(ctx context.Context, doc *taxdoc.Document) (*taxdoc.Document, error) {
	if err := s.resetRepolls(ctx, doc); err != nil {
		return nil, err
	}
	s.log.Info("Re-sending pending emission", "document_id", doc.ID, "access_key", doc.AccessKey)
	if _, err := s.Repoll(ctx, taxdoc.RepollTask{DocumentID: doc.ID, DocType: doc.DocType}); err != nil {
		return nil, err
	}
	return s.docs.Get(ctx, doc.ID)
}

// emitCall rebuilds the gateway call from the stored payload, which carries
// the original access and idempotency keys.
func emitCall(doc *taxdoc.Document) taxdoc.EmitCall {
	return taxdoc.EmitCall{
		DocType:    doc.DocType,
		IssuerRUC:  doc.IssuerRUC,
		DocumentID: doc.ID,
		AccessKey:  doc.AccessKey,
		Payload:    doc.Payload,
	}
}

func flag(b bool) *bool {
	return &b
}

// Get returns a document by id.
func (s *Service) Get(ctx context.Context, id string) (*taxdoc.Document, error) {
	return s.docs.Get(ctx, id)
}

// List returns documents matching filter.
func (s *Service) List(ctx context.Context, filter taxdoc.DocumentFilter) ([]taxdoc.Document, error) {
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, apperror.NewValidation("from must be before or equal to to")
	}
	return s.docs.List(ctx, filter)
}

// StatusByAccessKey proxies a status query to the gateway. Concurrent
// queries for the same key share one call, which is detached from any single
// caller's cancellation and bounded by the gateway's status timeout.
func (s *Service) StatusByAccessKey(ctx context.Context, key string, env taxdoc.Environment) (*taxdoc.GatewayResponse, error) {
	if err := accesskey.ValidateFormat(key); err != nil {
		return nil, err
	}

	shared := context.WithoutCancel(ctx)
	ch := s.statusGroup.DoChan(key+"|"+string(env), func() (any, error) {
		return s.gateway.StatusOf(shared, taxdoc.StatusQuery{AccessKey: key, Environment: env})
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*taxdoc.GatewayResponse), nil
	}
}

// PeekSequence returns the number the next reservation would hand out.
func (s *Service) PeekSequence(ctx context.Context, ruc string, docType taxdoc.DocType, env taxdoc.Environment) (int64, error) {
	if !docType.Valid() {
		return 0, apperror.NewValidation("unsupported document type").WithDetail("docType", string(docType))
	}
	return s.sequences.Peek(ctx, ruc, docType, env)
}

// ResetSequence moves the counter so the next reservation returns next.
func (s *Service) ResetSequence(ctx context.Context, ruc string, docType taxdoc.DocType, env taxdoc.Environment, next int64) error {
	if !docType.Valid() {
		return apperror.NewValidation("unsupported document type").WithDetail("docType", string(docType))
	}
	if next < 1 || next > 999_999_999 {
		return apperror.NewValidation("next sequence must be between 1 and 999999999")
	}
	if err := s.sequences.Reset(ctx, ruc, docType, env, next); err != nil {
		return err
	}
	s.log.Info("Sequence reset",
		"issuer_ruc", ruc,
		"doc_type", docType.String(),
		"environment", string(env),
		"next", next)
	return nil
}

// issueDate keeps the calendar date of a requested date; without one it
// takes today in the authority's zone.
func (s *Service) issueDate(requested time.Time) time.Time {
	t := requested
	if t.IsZero() {
		t = s.now().In(authorityZone)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, authorityZone)
}

// Backoff is the delay before re-poll attempt n: zero for a manual request
// (n <= 0), then initial doubling per attempt up to max.
func Backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func applyTotals(doc *taxdoc.Document, totals Totals) {
	doc.Subtotal = totals.Subtotal
	doc.DiscountTotal = totals.DiscountTotal
	doc.TaxTotal = totals.TaxTotal
	doc.GrandTotal = totals.GrandTotal
}

// decodeArtifact returns the signed XML. Undecodable input is kept as received.
func decodeArtifact(b64 string) []byte {
	if b64 == "" {
		return nil
	}
	if raw, err := base64.StdEncoding.DecodeString(b64); err == nil {
		return raw
	}
	return []byte(b64)
}
