// Package checkout starts hosted payment sessions for invoice fees.
//
// The Initiator validates a fee request against the caller and the stored
// invoice, prices it from a fixed catalog, and asks a Gateway for a
// session. The invoice id, fee kind and initiating owner travel in the
// session metadata; that metadata is the only link the webhook Reconciler
// gets back, and it re-checks all of it against the store.
//
// Nothing in this package mutates an invoice.
package checkout
