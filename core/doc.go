// Package core contains the session lifecycle and request-resilience engine:
// the provider contracts and registry, the normalized session state machine,
// token refresh coordination, retry/backoff, and circuit breaking. Provider
// implementations and storage adapters depend on this package; core must not
// depend on any of them.
package core
