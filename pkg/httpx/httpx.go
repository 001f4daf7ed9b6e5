// Package httpx renders JSON responses and apperr failures.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/apperr"
)

type ErrorResponse struct {
	Error     string      `json:"error"`
	Code      apperr.Code `json:"code,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// Error writes err with the status of its code. Internal errors are logged
// and their details hidden.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	msg := err.Error()
	var e *apperr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	status := apperr.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		if code == apperr.CodeInternal {
			msg = "internal server error"
		}
	}
	JSON(w, status, ErrorResponse{Error: msg, Code: code, RequestID: middleware.GetReqID(r.Context())})
}

// Decode reads a JSON body into v, rejecting unknown or trailing content.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.InvalidArgument("invalid request body")
	}
	if dec.More() {
		return apperr.InvalidArgument("invalid request body")
	}
	return nil
}
