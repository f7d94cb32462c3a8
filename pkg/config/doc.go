// Package config loads swiftinvoice configuration.
//
// Values come from three layers, later ones winning:
//
//  1. Default()
//  2. the YAML file named by SWIFTINVOICE_CONFIG_FILE
//  3. SWIFTINVOICE_* environment variables
//
// Common settings:
//
//	SWIFTINVOICE_PORT="8080"
//	SWIFTINVOICE_STORAGE_BACKEND="postgres"  # memory, firestore, postgres
//	SWIFTINVOICE_POSTGRES_URL="postgres://localhost/swiftinvoice?sslmode=disable"
//	SWIFTINVOICE_FIRESTORE_PROJECT="swiftinvoice-prod"
//	SWIFTINVOICE_IDENTITY_VERIFIER="firebase"  # firebase, oidc
//	SWIFTINVOICE_STRIPE_SECRET_KEY="sk_live_..."
//	SWIFTINVOICE_STRIPE_WEBHOOK_SECRET="whsec_..."
//	SWIFTINVOICE_SUCCESS_URL="https://app.example.com/invoices"
//	SWIFTINVOICE_REDIS_URL="redis://localhost:6379/0"
//	SWIFTINVOICE_ARCHIVE_BUCKET="swiftinvoice-events"
//	SWIFTINVOICE_LOG_LEVEL="info"  # debug, info, warn, error
//
// Validate collects every problem into one multierror so a misconfigured
// deployment reports all of them on the first start.
package config
