// Package cli provides the swiftinvoice command-line interface.
//
// # Commands
//
// invoices create: Create a draft invoice
//
//	swiftinvoice invoices create \
//		--client "Acme Corp" \
//		--email billing@acme.example \
//		--item "Design work:10:7500" \
//		--item "Hosting:1:2000" \
//		--tax 8.25
//
// invoices list / get / delete:
//
//	swiftinvoice invoices list --limit 20
//	swiftinvoice invoices get --id <invoice-id>
//	swiftinvoice invoices delete --id <invoice-id>
//
// checkout: Start a checkout session and print the payment URL
//
//	swiftinvoice checkout \
//		--invoice <invoice-id> \
//		--fee service-fee \
//		--cancel-url https://app.example.com/invoices/<invoice-id>
//
// whoami: Show the principal loaded from the credential file
//
// # Credentials
//
// Every command reads an ID token from --credentials (default
// $XDG_CONFIG_HOME/swiftinvoice/token), verifies it locally with the
// Firebase project given by --project or an OIDC issuer, and waits for that
// to finish before the first request. The file is watched, so signing in
// from another terminal is picked up by a running command.
//
// Common flags also read SWIFTINVOICE_SERVER, SWIFTINVOICE_CREDENTIALS,
// SWIFTINVOICE_IDENTITY_PROJECT_ID, SWIFTINVOICE_OIDC_ISSUER and
// SWIFTINVOICE_OIDC_CLIENT_ID.
package cli
