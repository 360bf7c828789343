package vpnauth

import (
	"context"

	"github.com/MrEthical07/vpnauth/internal"
)

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type acceptLanguageContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. It feeds audit events and the
// refresh-token fingerprint.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the HTTP User-Agent string to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithAcceptLanguage attaches the HTTP Accept-Language header to ctx.
func WithAcceptLanguage(ctx context.Context, lang string) context.Context {
	return context.WithValue(ctx, acceptLanguageContextKey{}, lang)
}

func stringFromContext(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// ClientIP returns the address attached by [WithClientIP], or "".
func ClientIP(ctx context.Context) string {
	return clientIPFromContext(ctx)
}

func clientIPFromContext(ctx context.Context) string {
	return stringFromContext(ctx, clientIPContextKey{})
}

func userAgentFromContext(ctx context.Context) string {
	return stringFromContext(ctx, userAgentContextKey{})
}

func acceptLanguageFromContext(ctx context.Context) string {
	return stringFromContext(ctx, acceptLanguageContextKey{})
}

// fingerprintFromContext is the client fingerprint refresh tokens are bound to.
func fingerprintFromContext(ctx context.Context) string {
	return internal.ClientFingerprint(
		userAgentFromContext(ctx),
		clientIPFromContext(ctx),
		acceptLanguageFromContext(ctx),
	)
}
