package emission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	appemission "bmarc/ms_facturacion_sri/internal/application/emission"
	"bmarc/ms_facturacion_sri/internal/core/apperror"
	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
	"bmarc/ms_facturacion_sri/internal/testutil"
)

const testRUC = "1790012345001"

type harness struct {
	docs      *testutil.DocumentStore
	sequences *testutil.SequenceCounter
	gateway   *testutil.MockGateway
	scheduler *testutil.RecordingScheduler
	router    chi.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		docs:      testutil.NewDocumentStore(),
		sequences: testutil.NewSequenceCounter(),
		gateway:   &testutil.MockGateway{},
		scheduler: &testutil.RecordingScheduler{},
	}
	issuers := &testutil.MockIssuerRepository{Issuers: map[string]taxdoc.Issuer{
		testRUC: {
			RUC:                 testRUC,
			LegalName:           "COMERCIAL ANDINA S.A.",
			Address:             "Av. Amazonas N24-03",
			EstablishmentCode:   "001",
			EmissionPoint:       "001",
			Environment:         "test",
			CertificateLocator:  "/certs/andina.p12",
			CertificatePassword: "secret",
			Active:              true,
		},
	}}
	svc := appemission.NewService(appemission.Deps{
		Documents: h.docs,
		Issuers:   issuers,
		Sequences: h.sequences,
		Gateway:   h.gateway,
		Scheduler: h.scheduler,
		Logger:    testutil.NewNullLogger(),
	}, appemission.Config{})

	h.router = chi.NewRouter()
	NewHandler(svc, testutil.NewNullLogger()).Routes(h.router)
	return h
}

func (h *harness) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, testutil.CreateRequest(method, path, body, nil))
	return w
}

func invoiceBody() map[string]interface{} {
	return map[string]interface{}{
		"issuerRuc": testRUC,
		"issueDate": "2024-03-05",
		"buyer":     map[string]interface{}{"name": "Ana Torres", "id": "1712345678"},
		"items": []map[string]interface{}{
			{"description": "Café molido 500g", "quantity": "2", "unitPrice": "4.50", "discountPercent": "0", "taxPercent": "15"},
		},
	}
}

func storedInvoice(id string) taxdoc.Document {
	return taxdoc.Document{
		ID:            id,
		DocType:       taxdoc.DocTypeInvoice,
		IssuerRUC:     testRUC,
		Environment:   taxdoc.EnvironmentTest,
		Status:        taxdoc.StatusAuthorized,
		Establishment: "001",
		EmissionPoint: "001",
		Sequence:      "000000042",
		AccessKey:     "0503202401179001234500110010010000000421234567813",
		IssueDate:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Buyer:         taxdoc.Buyer{Name: "Ana Torres", ID: "1712345678"},
		Items: []taxdoc.LineItem{{
			Description: "Café molido 500g",
			Quantity:    decimal.NewFromInt(2),
			UnitPrice:   decimal.RequireFromString("4.50"),
			TaxPercent:  decimal.NewFromInt(15),
		}},
		GrandTotal: decimal.RequireFromString("10.35"),
		CreatedAt:  time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestHandler_EmitInvoice(t *testing.T) {
	tests := []struct {
		name           string
		body           interface{}
		emit           func(ctx context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error)
		expectedStatus int
		check          func(t *testing.T, h *harness, body map[string]interface{})
	}{
		{
			name:           "authorized invoice",
			body:           invoiceBody(),
			expectedStatus: http.StatusCreated,
			check: func(t *testing.T, h *harness, body map[string]interface{}) {
				if body["status"] != "AUTHORIZED" {
					t.Errorf("expected status AUTHORIZED, got %v", body["status"])
				}
				if body["statusLabel"] != "AUTORIZADO" {
					t.Errorf("expected label AUTORIZADO, got %v", body["statusLabel"])
				}
				if body["number"] != "001-001-000000001" {
					t.Errorf("expected number 001-001-000000001, got %v", body["number"])
				}
				if key, _ := body["accessKey"].(string); len(key) != 49 {
					t.Errorf("expected a 49 digit access key, got %q", key)
				}
				if body["grandTotal"] != "10.35" {
					t.Errorf("expected grand total 10.35, got %v", body["grandTotal"])
				}
				if body["issueDate"] != "2024-03-05" {
					t.Errorf("expected issue date 2024-03-05, got %v", body["issueDate"])
				}
			},
		},
		{
			name: "authority still processing",
			body: invoiceBody(),
			emit: func(ctx context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
				return &taxdoc.GatewayResponse{Status: taxdoc.GatewayReceived, AccessKey: call.AccessKey}, nil
			},
			expectedStatus: http.StatusAccepted,
			check: func(t *testing.T, h *harness, body map[string]interface{}) {
				if body["status"] != "PROCESSING" {
					t.Errorf("expected status PROCESSING, got %v", body["status"])
				}
				if len(h.scheduler.Scheduled()) != 1 {
					t.Errorf("expected one scheduled re-poll, got %d", len(h.scheduler.Scheduled()))
				}
			},
		},
		{
			name: "authority rejects",
			body: invoiceBody(),
			emit: func(ctx context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
				return &taxdoc.GatewayResponse{
					Status:   taxdoc.GatewayNotAuthorized,
					Messages: []string{"ERROR 65: FECHA EMISION EXTEMPORANEA"},
				}, nil
			},
			expectedStatus: http.StatusUnprocessableEntity,
			check: func(t *testing.T, h *harness, body map[string]interface{}) {
				if body["status"] != "NOT_AUTHORIZED" {
					t.Errorf("expected status NOT_AUTHORIZED, got %v", body["status"])
				}
				messages, _ := body["messages"].([]interface{})
				if len(messages) != 1 || messages[0] != "ERROR 65: FECHA EMISION EXTEMPORANEA" {
					t.Errorf("expected authority message, got %v", body["messages"])
				}
			},
		},
		{
			name: "gateway rejects payload",
			body: invoiceBody(),
			emit: func(ctx context.Context, call taxdoc.EmitCall) (*taxdoc.GatewayResponse, error) {
				return nil, apperror.ErrGatewayBadRequest.WithDetail("messages", []string{"infoTributaria.ruc requerido"})
			},
			expectedStatus: http.StatusUnprocessableEntity,
			check: func(t *testing.T, h *harness, body map[string]interface{}) {
				if body["message"] != "Error del Proveedor" {
					t.Errorf("expected provider error title, got %v", body["message"])
				}
				if body["code"] != apperror.CodeGatewayBadRequest {
					t.Errorf("expected code %s, got %v", apperror.CodeGatewayBadRequest, body["code"])
				}
			},
		},
		{
			name:           "invalid JSON",
			body:           "invalid json",
			expectedStatus: http.StatusBadRequest,
			check: func(t *testing.T, h *harness, body map[string]interface{}) {
				if body["message"] != "Error de Validación" {
					t.Errorf("expected message 'Error de Validación', got %v", body["message"])
				}
				if h.docs.Len() != 0 {
					t.Error("expected no document to be stored")
				}
			},
		},
		{
			name:           "missing issuer and items",
			body:           map[string]interface{}{"buyer": map[string]interface{}{"name": "x"}},
			expectedStatus: http.StatusBadRequest,
			check: func(t *testing.T, h *harness, body map[string]interface{}) {
				errs, _ := body["errors"].([]interface{})
				if len(errs) != 2 {
					t.Errorf("expected 2 errors, got %v", body["errors"])
				}
			},
		},
		{
			name: "malformed issue date",
			body: func() map[string]interface{} {
				b := invoiceBody()
				b["issueDate"] = "05/03/2024"
				return b
			}(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "non positive quantity",
			body: func() map[string]interface{} {
				b := invoiceBody()
				b["items"] = []map[string]interface{}{{"description": "x", "quantity": "0", "unitPrice": "1"}}
				return b
			}(),
			expectedStatus: http.StatusBadRequest,
			check: func(t *testing.T, h *harness, body map[string]interface{}) {
				if body["code"] != apperror.CodeInvalidLineItem {
					t.Errorf("expected code %s, got %v", apperror.CodeInvalidLineItem, body["code"])
				}
			},
		},
		{
			name: "unknown issuer",
			body: func() map[string]interface{} {
				b := invoiceBody()
				b["issuerRuc"] = "0999999999001"
				return b
			}(),
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.gateway.EmitFunc = tt.emit

			w := h.do(http.MethodPost, "/invoices", tt.body)
			if w.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d (body: %s)", tt.expectedStatus, w.Code, w.Body.String())
			}
			if tt.check != nil {
				tt.check(t, h, testutil.ReadErrorResponse(t, w))
			}
		})
	}
}

func TestHandler_EmitCreditNote(t *testing.T) {
	h := newHarness(t)
	h.docs.Put(storedInvoice("inv-1"))

	body := invoiceBody()
	body["referenceDocumentId"] = "inv-1"
	body["reason"] = "Devolución de mercadería"

	w := h.do(http.MethodPost, "/credit-notes", body)

	var resp DocumentResponse
	testutil.ReadJSONResponse(t, w, http.StatusCreated, &resp)
	if resp.DocType != "04" {
		t.Errorf("expected doc type 04, got %s", resp.DocType)
	}
	if resp.Modified == nil || resp.Modified.Number != "001-001-000000042" {
		t.Fatalf("expected modified number 001-001-000000042, got %+v", resp.Modified)
	}
	if resp.Modified.IssueDate != "2024-03-01" {
		t.Errorf("expected modified issue date 2024-03-01, got %s", resp.Modified.IssueDate)
	}

	invoice, err := h.docs.Get(context.Background(), "inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if !invoice.Voided || invoice.VoidedBy != resp.ID {
		t.Errorf("expected invoice voided by %s, got voided=%v by %q", resp.ID, invoice.Voided, invoice.VoidedBy)
	}
}

func TestHandler_EmitCreditNoteValidation(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(body map[string]interface{})
		expectedCode string
	}{
		{
			name:         "missing reason",
			mutate:       func(body map[string]interface{}) { body["referenceDocumentId"] = "inv-1" },
			expectedCode: apperror.CodeMissingReason,
		},
		{
			name:         "missing reference",
			mutate:       func(body map[string]interface{}) { body["reason"] = "Devolución" },
			expectedCode: apperror.CodeMissingReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.docs.Put(storedInvoice("inv-1"))
			body := invoiceBody()
			tt.mutate(body)

			w := h.do(http.MethodPost, "/credit-notes", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d (body: %s)", w.Code, w.Body.String())
			}
			resp := testutil.ReadErrorResponse(t, w)
			if resp["code"] != tt.expectedCode {
				t.Errorf("expected code %s, got %v", tt.expectedCode, resp["code"])
			}
			if h.gateway.EmitCount() != 0 {
				t.Error("expected no gateway call")
			}
		})
	}
}

func TestHandler_GetDocument(t *testing.T) {
	h := newHarness(t)
	doc := storedInvoice("inv-1")
	doc.Artifact = []byte("<autorizacion/>")
	h.docs.Put(doc)

	var resp DocumentResponse
	testutil.ReadJSONResponse(t, h.do(http.MethodGet, "/documents/inv-1", nil), http.StatusOK, &resp)
	if resp.ID != "inv-1" || resp.Number != "001-001-000000042" {
		t.Errorf("unexpected document %+v", resp)
	}
	if resp.AuthorizedXMLBase64 != "PGF1dG9yaXphY2lvbi8+" {
		t.Errorf("expected base64 artifact, got %q", resp.AuthorizedXMLBase64)
	}

	w := h.do(http.MethodGet, "/documents/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_ListDocuments(t *testing.T) {
	h := newHarness(t)
	first := storedInvoice("inv-1")
	second := storedInvoice("inv-2")
	second.Status = taxdoc.StatusProcessing
	second.CreatedAt = first.CreatedAt.Add(time.Hour)
	h.docs.Put(first)
	h.docs.Put(second)

	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedTotal  int
	}{
		{name: "all", query: "", expectedStatus: http.StatusOK, expectedTotal: 2},
		{name: "by status", query: "?status=processing", expectedStatus: http.StatusOK, expectedTotal: 1},
		{name: "by issuer and type", query: "?issuer=" + testRUC + "&docType=invoice", expectedStatus: http.StatusOK, expectedTotal: 2},
		{name: "paged", query: "?limit=1&offset=1", expectedStatus: http.StatusOK, expectedTotal: 1},
		{name: "date window", query: "?from=2024-03-02&to=2024-03-31", expectedStatus: http.StatusOK, expectedTotal: 0},
		{name: "unknown status", query: "?status=LOST", expectedStatus: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=-1", expectedStatus: http.StatusBadRequest},
		{name: "inverted window", query: "?from=2024-03-31&to=2024-03-01", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(http.MethodGet, "/documents"+tt.query, nil)
			if tt.expectedStatus != http.StatusOK {
				if w.Code != tt.expectedStatus {
					t.Errorf("expected status %d, got %d", tt.expectedStatus, w.Code)
				}
				return
			}
			var resp ListResponse
			testutil.ReadJSONResponse(t, w, http.StatusOK, &resp)
			if resp.Total != tt.expectedTotal || len(resp.Data) != tt.expectedTotal {
				t.Errorf("expected %d documents, got total=%d len=%d", tt.expectedTotal, resp.Total, len(resp.Data))
			}
		})
	}
}

func TestHandler_ResubmitAndRepoll(t *testing.T) {
	h := newHarness(t)
	h.docs.Put(storedInvoice("inv-1"))
	stale := storedInvoice("inv-2")
	stale.Status = taxdoc.StatusStale
	stale.RepollAttempts = 12
	h.docs.Put(stale)

	w := h.do(http.MethodPost, "/documents/inv-1/resubmit", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for an authorized document, got %d", w.Code)
	}
	if resp := testutil.ReadErrorResponse(t, w); resp["code"] != apperror.CodeAlreadyAuthorized {
		t.Errorf("expected code %s, got %v", apperror.CodeAlreadyAuthorized, resp["code"])
	}

	var resp DocumentResponse
	testutil.ReadJSONResponse(t, h.do(http.MethodPost, "/documents/inv-2/repoll", nil), http.StatusAccepted, &resp)
	if resp.Status != "PROCESSING" || resp.RepollAttempts != 0 {
		t.Errorf("expected PROCESSING with a fresh budget, got %s/%d", resp.Status, resp.RepollAttempts)
	}
	tasks := h.scheduler.Scheduled()
	if len(tasks) != 1 || tasks[0].DocumentID != "inv-2" || tasks[0].Attempt != 0 {
		t.Errorf("expected an immediate re-poll of inv-2, got %+v", tasks)
	}

	w = h.do(http.MethodPost, "/documents/inv-1/repoll", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 when re-polling an authorized document, got %d", w.Code)
	}
}

func TestHandler_ResubmitDraft(t *testing.T) {
	h := newHarness(t)
	draft := storedInvoice("draft-1")
	draft.Status = taxdoc.StatusDraft
	draft.Sequence = ""
	draft.AccessKey = ""
	h.docs.Put(draft)

	var resp DocumentResponse
	testutil.ReadJSONResponse(t, h.do(http.MethodPost, "/documents/draft-1/resubmit", nil), http.StatusCreated, &resp)
	if resp.Status != "AUTHORIZED" || resp.Number != "001-001-000000001" {
		t.Errorf("expected authorized 001-001-000000001, got %s %s", resp.Status, resp.Number)
	}
}

func TestHandler_AuthorityStatus(t *testing.T) {
	h := newHarness(t)
	h.gateway.StatusOfFunc = func(ctx context.Context, q taxdoc.StatusQuery) (*taxdoc.GatewayResponse, error) {
		return &taxdoc.GatewayResponse{
			Status:        taxdoc.GatewayAuthorized,
			AccessKey:     q.AccessKey,
			Authorization: &taxdoc.GatewayAuthorization{Number: q.AccessKey, Date: "2024-03-05T10:00:00-05:00"},
		}, nil
	}
	key := "0503202401179001234500110010010000000421234567813"

	var resp map[string]interface{}
	testutil.ReadJSONResponse(t, h.do(http.MethodGet, "/authority/"+key+"/status?env=prod", nil), http.StatusOK, &resp)
	if resp["status"] != "AUTHORIZED" {
		t.Errorf("expected AUTHORIZED, got %v", resp["status"])
	}
	if len(h.gateway.Queries) != 1 || h.gateway.Queries[0].Environment != taxdoc.EnvironmentProduction {
		t.Errorf("expected one production query, got %+v", h.gateway.Queries)
	}

	w := h.do(http.MethodGet, "/authority/12345/status", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a short key, got %d", w.Code)
	}
	if len(h.gateway.Queries) != 1 {
		t.Error("expected no gateway call for an invalid key")
	}
}

func TestHandler_Sequences(t *testing.T) {
	h := newHarness(t)
	path := "/issuers/" + testRUC + "/sequences/01"

	var peek SequenceResponse
	testutil.ReadJSONResponse(t, h.do(http.MethodGet, path+"?env=test", nil), http.StatusOK, &peek)
	if peek.Next != 1 || peek.Environment != "test" {
		t.Errorf("expected next 1 in test, got %+v", peek)
	}

	var reset SequenceResponse
	testutil.ReadJSONResponse(t, h.do(http.MethodPut, path, ResetSequenceRequest{Env: "test", Next: 42}), http.StatusOK, &reset)
	if reset.Next != 42 {
		t.Errorf("expected next 42, got %d", reset.Next)
	}

	testutil.ReadJSONResponse(t, h.do(http.MethodGet, path, nil), http.StatusOK, &peek)
	if peek.Next != 42 {
		t.Errorf("expected peek 42 after reset, got %d", peek.Next)
	}

	tests := []struct {
		name           string
		method         string
		path           string
		body           interface{}
		expectedStatus int
	}{
		{name: "backwards reset", method: http.MethodPut, path: path, body: ResetSequenceRequest{Env: "test", Next: 5}, expectedStatus: http.StatusBadRequest},
		{name: "out of range", method: http.MethodPut, path: path, body: ResetSequenceRequest{Env: "test", Next: 0}, expectedStatus: http.StatusBadRequest},
		{name: "unknown doc type", method: http.MethodGet, path: "/issuers/" + testRUC + "/sequences/07", expectedStatus: http.StatusBadRequest},
		{name: "invalid body", method: http.MethodPut, path: path, body: "{", expectedStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(tt.method, tt.path, tt.body)
			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d (body: %s)", tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		raw  string
		ok   bool
		want string
	}{
		{raw: "", ok: true},
		{raw: "2024-03-05", ok: true, want: "2024-03-05"},
		{raw: "2024-03-05T23:30:00-05:00", ok: true, want: "2024-03-05"},
		{raw: "05/03/2024", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := parseDate(tt.raw)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if tt.want != "" && got.Format(dateLayout) != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Format(dateLayout))
			}
		})
	}
}
