// Package apperr defines the error taxonomy shared by every swiftinvoice
// component.
//
// # Overview
//
// Errors that cross a component boundary carry a Kind. The Kind decides the
// HTTP status returned to callers and, on the webhook path, whether the
// payment gateway will redeliver the event:
//
//	Unauthenticated     401  no verified principal
//	InvalidArgument     400  malformed or missing request fields
//	PermissionDenied    403  principal does not own the invoice
//	NotFound            404  referenced record does not exist
//	Conflict            409  request is valid but the record state forbids it
//	GatewayError        502  payment gateway call failed
//	MalformedEvent      400  verified webhook lacks correlation data (not retried)
//	SignatureInvalid    400  webhook authenticity check failed
//	PersistenceFailure  500  database write failed (gateway retries)
//	Internal            500  anything unclassified
//
// # Usage
//
//	if id == "" {
//		return apperr.New(apperr.InvalidArgument, "checkout.Initiate", "invoice id is required")
//	}
//	if err := store.Put(ctx, inv); err != nil {
//		return apperr.Wrap(apperr.PersistenceFailure, "invoices.Create", err)
//	}
//
//	status := apperr.HTTPStatus(apperr.KindOf(err))
//
// Public reports the message a caller may see. Wrapped causes never leak
// through it.
package apperr
