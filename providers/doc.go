// Package providers holds the helpers shared by the built-in session
// providers: persisted session metadata and request re-signing.
//
// Concrete providers live in subpackages:
//
//	providers/backend  cookie and CSRF aware backend API provider
//	providers/local    anonymous sessions issued on the client
//	providers/oauth    third-party identity SDK provider
//	providers/devkit   scripted fake provider and conformance checks
package providers
