package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// DocumentStore is an in-memory taxdoc.DocumentRepository with the same
// compare-and-set semantics as the PostgreSQL store.
type DocumentStore struct {
	mu   sync.Mutex
	docs map[string]taxdoc.Document
	// Lease is how far ClaimDueForRepoll pushes next_poll_at.
	Lease time.Duration
}

// NewDocumentStore creates an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]taxdoc.Document), Lease: 5 * time.Minute}
}

func (s *DocumentStore) Create(_ context.Context, doc *taxdoc.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	s.docs[doc.ID] = cloneDocument(*doc)
	return nil
}

func (s *DocumentStore) Get(_ context.Context, id string) (*taxdoc.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, apperror.NewNotFound("document", id)
	}
	cp := cloneDocument(doc)
	return &cp, nil
}

func (s *DocumentStore) GetByAccessKey(_ context.Context, accessKey string) (*taxdoc.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.docs {
		if doc.AccessKey == accessKey {
			cp := cloneDocument(doc)
			return &cp, nil
		}
	}
	return nil, apperror.NewNotFound("document", accessKey)
}

func (s *DocumentStore) FindByNumber(_ context.Context, issuerRUC string, docType taxdoc.DocType, establishment, emissionPoint, sequence string) (*taxdoc.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.docs {
		if doc.IssuerRUC == issuerRUC && doc.DocType == docType &&
			doc.Establishment == establishment && doc.EmissionPoint == emissionPoint && doc.Sequence == sequence {
			cp := cloneDocument(doc)
			return &cp, nil
		}
	}
	return nil, apperror.NewNotFound("document", taxdoc.FormatNumber(establishment, emissionPoint, sequence))
}

func (s *DocumentStore) List(_ context.Context, f taxdoc.DocumentFilter) ([]taxdoc.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]taxdoc.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if f.IssuerRUC != "" && doc.IssuerRUC != f.IssuerRUC {
			continue
		}
		if f.Status != "" && doc.Status != f.Status {
			continue
		}
		if f.DocType != "" && doc.DocType != f.DocType {
			continue
		}
		if f.From != nil && doc.IssueDate.Before(*f.From) {
			continue
		}
		if f.To != nil && doc.IssueDate.After(*f.To) {
			continue
		}
		out = append(out, cloneDocument(doc))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Offset >= uint64(len(out)) {
		return []taxdoc.Document{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < uint64(len(out)) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *DocumentStore) Transition(_ context.Context, t taxdoc.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[t.DocumentID]
	if !ok {
		return apperror.NewNotFound("document", t.DocumentID)
	}
	if !t.Allows(doc.Status) {
		return apperror.ErrConcurrentUpdate.
			WithDetail("documentId", t.DocumentID).
			WithDetail("status", string(doc.Status))
	}
	t.ApplyTo(&doc)
	doc.UpdatedAt = time.Now()
	s.docs[doc.ID] = doc
	return nil
}

func (s *DocumentStore) MarkVoided(_ context.Context, id, voidedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return apperror.NewNotFound("document", id)
	}
	doc.Voided = true
	doc.VoidedBy = voidedBy
	s.docs[id] = doc
	return nil
}

func (s *DocumentStore) ClaimDueForRepoll(_ context.Context, now time.Time, limit int) ([]taxdoc.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []taxdoc.Document
	for id, doc := range s.docs {
		if limit > 0 && len(due) >= limit {
			break
		}
		if doc.Status != taxdoc.StatusProcessing && doc.Status != taxdoc.StatusSubmitted {
			continue
		}
		if doc.NextPollAt == nil || doc.NextPollAt.After(now) {
			continue
		}
		lease := now.Add(s.Lease)
		doc.NextPollAt = &lease
		s.docs[id] = doc
		due = append(due, cloneDocument(doc))
	}
	return due, nil
}

// Put stores doc as-is, replacing any existing document with the same id.
func (s *DocumentStore) Put(doc taxdoc.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = cloneDocument(doc)
}

// Len returns the number of stored documents.
func (s *DocumentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func cloneDocument(doc taxdoc.Document) taxdoc.Document {
	cp := doc
	cp.Items = append([]taxdoc.LineItem(nil), doc.Items...)
	cp.Payments = append([]taxdoc.Payment(nil), doc.Payments...)
	cp.Messages = append([]string(nil), doc.Messages...)
	if doc.Modified != nil {
		m := *doc.Modified
		cp.Modified = &m
	}
	if doc.NextPollAt != nil {
		n := *doc.NextPollAt
		cp.NextPollAt = &n
	}
	return cp
}

type sequenceKey struct {
	ruc     string
	docType taxdoc.DocType
	env     taxdoc.Environment
}

// SequenceCounter is an in-memory taxdoc.SequenceAllocator.
type SequenceCounter struct {
	mu   sync.Mutex
	last map[sequenceKey]int64
	// Err, when set, is returned by Reserve.
	Err error
}

// NewSequenceCounter creates a counter where every key starts at zero.
func NewSequenceCounter() *SequenceCounter {
	return &SequenceCounter{last: make(map[sequenceKey]int64)}
}

func (c *SequenceCounter) Reserve(_ context.Context, ruc string, docType taxdoc.DocType, env taxdoc.Environment) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	k := sequenceKey{ruc, docType, env}
	c.last[k]++
	return c.last[k], nil
}

func (c *SequenceCounter) Peek(_ context.Context, ruc string, docType taxdoc.DocType, env taxdoc.Environment) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[sequenceKey{ruc, docType, env}] + 1, nil
}

func (c *SequenceCounter) Reset(_ context.Context, ruc string, docType taxdoc.DocType, env taxdoc.Environment, next int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := sequenceKey{ruc, docType, env}
	if next-1 < c.last[k] {
		return apperror.NewValidation("sequence cannot move backwards").
			WithDetail("current", c.last[k]+1).
			WithDetail("requested", next)
	}
	c.last[k] = next - 1
	return nil
}
