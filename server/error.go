package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ssocore/ssocore/apierr"
)

// apiError is the wire shape for any non-2xx response: a bare
// {error, error_description} pair. This system isn't speaking OAuth2 on its
// own admin/auth surface — OAuth2 is only something it consumes from
// upstream providers — so no OAuth2-flavored error fields.
type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// errOpaque is the single message every Opaque() error collapses to, to
// avoid leaking distinguishing detail on auth endpoints.
const errOpaque = "request_failed"

// writeError maps err to status codes and, for Opaque errors on
// auth endpoints, flattens the body so no Reason ever reaches the wire.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	aerr, ok := apierr.As(err)
	if !ok {
		logger.Error("unmapped error reaching transport boundary", "err", err, "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal_error"})
		return
	}
	status := aerr.HTTPStatus()
	if aerr.Opaque() {
		writeJSON(w, status, apiError{Error: errOpaque})
		return
	}
	writeJSON(w, status, apiError{Error: string(aerr.Reason), ErrorDescription: aerr.Msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	enc, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(enc)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierr.BadRequest(apierr.ReasonValidation)
	}
	return nil
}
