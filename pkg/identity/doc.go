// Package identity determines who is calling.
//
// # Identity Gate
//
// A Gate subscribes once to a Provider and exposes the latest principal
// together with a one-shot readiness latch. Nothing may read identity before
// the provider's first notification, authenticated or not:
//
//	gate := identity.NewGate(provider)
//	defer gate.Close()
//
//	ctx, cancel := context.WithTimeout(ctx, cfg.Identity.ReadyTimeout)
//	defer cancel()
//	if err := gate.Wait(ctx); err != nil {
//		return err // identity.ErrNotReady: surface as a load failure
//	}
//	principal, ok := gate.Current()
//
// The gate never times out on its own. Callers bound the wait with a context.
// Subsequent changes are broadcast to every Watch channel.
//
// # Token Verification
//
// Servers verify bearer tokens per request with a TokenVerifier:
//
//   - FirebaseVerifier uses the Firebase Admin SDK
//   - OIDCVerifier verifies against any OpenID Connect issuer
//
// FileProvider turns a credential file into a Provider by re-verifying the
// token whenever the file changes.
package identity
