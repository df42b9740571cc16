// Copyright (c) 2026 VibeNote
// Licensed under the PolyForm Noncommercial License 1.0.0

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Problem codes for the daemon's error taxonomy. Inference-fatal and
// GPU-unavailable conditions never reach an HTTP handler: the former fails
// daemon startup before the listener runs, the latter is absorbed into the
// queue's throttle-and-wait behaviour rather than an outright rejection.
const (
	CodeAdmissionRejected = "ADMISSION_REJECTED"
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeMalformedRequest  = "MALFORMED_REQUEST"
)

// Problem is an RFC 7807-shaped error value returned by HTTP handlers.
type Problem struct {
	Status int
	Type   string
	Title  string
	Code   string
	Detail string
}

func (p *Problem) Error() string {
	return fmt.Sprintf("[%s] %s: %s", p.Code, p.Title, p.Detail)
}

func problemAdmissionRejected(reason string) *Problem {
	return &Problem{
		Status: http.StatusTooManyRequests,
		Type:   "admission/rejected",
		Title:  "Task rejected",
		Code:   CodeAdmissionRejected,
		Detail: reason,
	}
}

func problemConfigInvalid(detail string) *Problem {
	return &Problem{
		Status: http.StatusBadRequest,
		Type:   "config/invalid",
		Title:  "Configuration invalid",
		Code:   CodeConfigInvalid,
		Detail: detail,
	}
}

func problemMalformed(detail string) *Problem {
	return &Problem{
		Status: http.StatusBadRequest,
		Type:   "request/malformed",
		Title:  "Malformed request",
		Code:   CodeMalformedRequest,
		Detail: detail,
	}
}

// writeProblem writes p as an application/problem+json response carrying
// the chi request id for correlation.
func writeProblem(w http.ResponseWriter, r *http.Request, p *Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-ID", chimw.GetReqID(r.Context()))
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":       p.Type,
		"title":      p.Title,
		"status":     p.Status,
		"code":       p.Code,
		"detail":     p.Detail,
		"instance":   r.URL.EscapedPath(),
		"request_id": chimw.GetReqID(r.Context()),
	})
}
