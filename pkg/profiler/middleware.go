// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package profiler

import (
	"context"
	"net/http"
)

type ctxKey struct{}

// NewContext returns a copy of ctx carrying p.
func NewContext(ctx context.Context, p *Profiler) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the session carried by ctx, or nil.
func FromContext(ctx context.Context) *Profiler {
	p, _ := ctx.Value(ctxKey{}).(*Profiler)
	return p
}

// Middleware profiles each request with a fresh session from factory. The
// session is available to handlers through FromContext.
func Middleware(factory func() *Profiler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := factory()
		if p == nil {
			next.ServeHTTP(w, r)
			return
		}
		p.SetRequestURI(r.RequestURI)
		p.Start()
		defer p.End(context.WithoutCancel(r.Context()))

		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), p)))
	})
}
