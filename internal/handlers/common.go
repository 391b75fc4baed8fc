// Package handlers exposes the production services as a JSON API.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/diewo77/go-jobshop/auth"
	"github.com/diewo77/go-jobshop/httpx"
	"github.com/diewo77/go-jobshop/validation"
)

func actor(r *http.Request) string {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}

// decode reads the body into dst and runs check on it.
func decode[T any](r *http.Request, dst *T, check func(*T, validation.Violations)) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	if check == nil {
		return nil
	}
	v := validation.Violations{}
	check(dst, v)
	if !v.Empty() {
		return v
	}
	return nil
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
