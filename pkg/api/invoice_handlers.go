package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/swiftinvoice/pkg/httputil"
	"github.com/platinummonkey/swiftinvoice/pkg/invoices"
)

// InvoiceService is the owner-scoped invoice surface. *invoices.Service
// implements it.
type InvoiceService interface {
	Create(ctx context.Context, in invoices.Input) (*invoices.Invoice, error)
	Get(ctx context.Context, id string) (*invoices.Invoice, error)
	List(ctx context.Context, limit int) ([]*invoices.Invoice, error)
	Update(ctx context.Context, id string, in invoices.Input) (*invoices.Invoice, error)
	SetStatus(ctx context.Context, id string, in invoices.StatusInput) (*invoices.Invoice, error)
	Delete(ctx context.Context, id string) error
}

// InvoiceList is the list response body
type InvoiceList struct {
	Invoices []*invoices.Invoice `json:"invoices"`
}

// InvoiceHandlers handles invoice HTTP requests
type InvoiceHandlers struct {
	service InvoiceService
}

// NewInvoiceHandlers creates a new InvoiceHandlers
func NewInvoiceHandlers(service InvoiceService) *InvoiceHandlers {
	return &InvoiceHandlers{service: service}
}

// RegisterRoutes registers invoice routes
func (h *InvoiceHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/invoices", h.CreateInvoice).Methods(http.MethodPost)
	router.HandleFunc("/invoices", h.ListInvoices).Methods(http.MethodGet)
	router.HandleFunc("/invoices/{id}", h.GetInvoice).Methods(http.MethodGet)
	router.HandleFunc("/invoices/{id}", h.UpdateInvoice).Methods(http.MethodPatch)
	router.HandleFunc("/invoices/{id}", h.DeleteInvoice).Methods(http.MethodDelete)
	router.HandleFunc("/invoices/{id}/status", h.SetInvoiceStatus).Methods(http.MethodPost)
}

// CreateInvoice creates a draft invoice owned by the caller
func (h *InvoiceHandlers) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var in invoices.Input
	if err := httputil.ParseJSON(r, &in); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	inv, err := h.service.Create(r.Context(), in)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteCreated(w, inv)
}

// ListInvoices lists the caller's invoices, newest first
func (h *InvoiceHandlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", invoices.DefaultListLimit)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	list, err := h.service.List(r.Context(), limit)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if list == nil {
		list = []*invoices.Invoice{}
	}
	httputil.WriteSuccess(w, InvoiceList{Invoices: list})
}

// GetInvoice returns one of the caller's invoices
func (h *InvoiceHandlers) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, inv)
}

// UpdateInvoice replaces the editable fields of a draft
func (h *InvoiceHandlers) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var in invoices.Input
	if err := httputil.ParseJSON(r, &in); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	inv, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, inv)
}

// SetInvoiceStatus applies a manual forward status change
func (h *InvoiceHandlers) SetInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var in invoices.StatusInput
	if err := httputil.ParseJSON(r, &in); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	inv, err := h.service.SetStatus(r.Context(), id, in)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, inv)
}

// DeleteInvoice deletes a draft with no outstanding checkout session
func (h *InvoiceHandlers) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.ParsePathString(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
