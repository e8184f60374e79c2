// Copyright 2025 Certen Protocol
//
// Middleware order is fixed: CORS (outermost) -> auth -> metrics ->
// rate_limit -> content-type -> timeout -> body_limit -> handler.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ubl-network/ubl-gate/pkg/gateway"
)

// rateLimitSurrogate is the 429 body: shaped like a DENY receipt outcome
// rather than a plain error, so clients can treat it uniformly with policy
// denials. No receipt is actually built — nothing executed.
type rateLimitSurrogate struct {
	Decision       string `json:"decision"`
	Reason         string `json:"reason"`
	RetryAfterSecs int    `json:"retry_after_secs"`
	RequestID      string `json:"request_id,omitempty"`
	Code           string `json:"code"`
}

func writeRateLimited(w http.ResponseWriter, requestID string) {
	const retryAfter = 1
	w.Header().Set("retry-after", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rateLimitSurrogate{
		Decision:       "DENY",
		Reason:         "RATE_LIMIT",
		RetryAfterSecs: retryAfter,
		RequestID:      requestID,
		Code:           string(gateway.CodeRateLimited),
	})
}

type ctxKey int

const (
	ctxClient ctxKey = iota
	ctxScope
	ctxRequestID
)

// requestIDFrom returns the request ID assigned by withMiddleware, or ""
// if called outside a request handled by it.
func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxRequestID).(string)
	return id
}

func clientFrom(r *http.Request) gateway.ClientInfo {
	c, _ := r.Context().Value(ctxClient).(gateway.ClientInfo)
	return c
}

func scopeFrom(r *http.Request) gateway.Scope {
	s, ok := r.Context().Value(ctxScope).(gateway.Scope)
	if !ok {
		return gateway.DefaultScope
	}
	return s
}

func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := scopeFromRequest(r)
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		allowedOrigins := s.Cfg.CORSOriginsFor(scope.App, scope.Tenant)
		if gateway.ApplyCORS(w, r, allowedOrigins) {
			return // answered an OPTIONS preflight
		}

		client := gateway.ClientInfo{ClientID: "anonymous"}
		if !s.Cfg.AuthDisabled {
			var aerr *gateway.AppError
			client, aerr = gateway.Authenticate(r, s.Tokens)
			if aerr != nil {
				aerr.Body.RequestID = requestID
				aerr.WriteTo(w)
				return
			}
		}

		if s.Metrics != nil {
			s.Metrics.RequestsTotal.WithLabelValues(r.Method, r.URL.Path).Inc()
		}

		allowed := s.Limiter.Allow(client.ClientID)
		w.Header().Set("x-ratelimit-limit", strconv.Itoa(s.Limiter.Limit()))
		w.Header().Set("x-ratelimit-remaining", strconv.Itoa(s.Limiter.Remaining(client.ClientID)))
		if !allowed {
			if s.Metrics != nil {
				s.Metrics.RateLimited.Inc()
			}
			writeRateLimited(w, requestID)
			return
		}

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := r.Header.Get("Content-Type")
			if ct != "application/json" && ct != "application/json; charset=utf-8" {
				ctErr := gateway.UnsupportedMediaType("Content-Type must be application/json")
				ctErr.Body.RequestID = requestID
				ctErr.WriteTo(w)
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.Cfg.RequestTimeout)
		defer cancel()
		ctx = context.WithValue(ctx, ctxClient, client)
		ctx = context.WithValue(ctx, ctxScope, scope)
		ctx = context.WithValue(ctx, ctxRequestID, requestID)
		r = r.WithContext(ctx)

		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)

		next(w, r)
	}
}
