// Package middleware provides HTTP middleware for authentication and rate limiting.
//
// # Middleware Components
//
// Auth: bearer token authentication
//
//	auth := middleware.NewAuth(verifier)
//	router.Use(auth.Handler)
//	// Verifies "Authorization: Bearer <token>" and stores the principal
//	// in the request context (identity.FromContext)
//
// RateLimit: per-principal limiting for routes that reach the payment gateway
//
//	limiter := middleware.NewRateLimiter(middleware.CheckoutRateLimitConfig())
//	checkout.Use(middleware.RateLimit(limiter))
//
// A Redis-backed DistributedRateLimiter shares buckets across replicas and
// fails open when Redis is unreachable.
//
// # Related Packages
//
//   - pkg/identity: Principal and TokenVerifier
//   - pkg/httputil: Error responses
package middleware
