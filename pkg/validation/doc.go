// Package validation checks request structs against their `validate` tags
// and reports every violation at once as an InvalidArgument error.
//
//	type CreateRequest struct {
//		InvoiceID string `json:"invoiceId" validate:"required"`
//	}
//
//	if err := validation.Struct("checkout.Initiate", req); err != nil {
//		return nil, err // apperr.InvalidArgument listing each field
//	}
//
// Messages use the JSON field name so they match what the caller sent.
package validation
