// Package breaker guards the shared key-value backend with a circuit breaker.
//
// The breaker trips after a run of consecutive backend failures and, while open, rejects
// every call immediately with an error carrying the time until the next trial. After the
// recovery timeout exactly one trial call is admitted; its outcome closes or reopens the
// circuit. Callers above this package turn an open circuit into a fail-closed rejection.
package breaker
