package executor

import (
	"context"
	"fmt"
	"strings"
)

type contextKey int

const (
	jobKey contextKey = iota
	notifierKey
	claimsKey
)

// WithJob attaches a caller-chosen job id.
func WithJob(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, jobKey, job)
}

// JobFromContext returns the job id attached by WithJob.
func JobFromContext(ctx context.Context) (string, bool) {
	job, ok := ctx.Value(jobKey).(string)
	return job, ok && job != ""
}

// WithNotifier attaches the notifier of the client that originated a call.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierKey, n)
}

// NotifierFromContext returns the notifier attached by WithNotifier.
func NotifierFromContext(ctx context.Context) (Notifier, bool) {
	n, ok := ctx.Value(notifierKey).(Notifier)
	return n, ok && n != nil
}

// WithClaims attaches server-verified user claims.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns the claims attached by WithClaims.
func ClaimsFromContext(ctx context.Context) Claims {
	claims, _ := ctx.Value(claimsKey).(Claims)
	return claims
}

// JobID resolves the id of a job: params.job, then the context, then generate.
func JobID(ctx context.Context, params Params, generate func() string) string {
	if job, ok := params["job"].(string); ok && job != "" {
		return job
	}
	if job, ok := JobFromContext(ctx); ok {
		return job
	}
	return generate()
}

// SubJob is the id of the nth part of job, such as one node of an execute walk.
func SubJob(job string, n int) string {
	return fmt.Sprintf("%s/%d", job, n)
}

// IsJobOf reports whether id is job itself or one of its parts.
func IsJobOf(id, job string) bool {
	return id == job || strings.HasPrefix(id, job+"/")
}
