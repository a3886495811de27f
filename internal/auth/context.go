package auth

import "context"

// anonymousCaller names requests served while authentication is disabled.
const anonymousCaller = "anonymous"

type callerKey struct{}

// withCaller attaches an authorised caller to ctx. The permission set is
// built once here so handlers can check permissions without locking.
func withCaller(ctx context.Context, caller *Subject) context.Context {
	if caller == nil {
		return ctx
	}
	caller.normalise()
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller the middleware authorised for ctx.
func CallerFrom(ctx context.Context) (*Subject, bool) {
	if ctx == nil {
		return nil, false
	}
	caller, ok := ctx.Value(callerKey{}).(*Subject)
	return caller, ok && caller != nil
}

// CallerName is the audit name of the caller, "anonymous" when none is attached.
func CallerName(ctx context.Context) string {
	if caller, ok := CallerFrom(ctx); ok && caller.Name != "" {
		return caller.Name
	}
	return anonymousCaller
}
