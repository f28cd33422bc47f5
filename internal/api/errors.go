package api

import (
	"errors"
	"net/http"

	"github.com/novaproto/orchestrator/internal/auth"
	"github.com/novaproto/orchestrator/internal/domain"
)

// writeErr maps a domain.Error to its HTTP status and writes the {ok,error}
// envelope; any other error is treated as internal (§7 taxonomy: only
// *domain.Error carries a transport-facing classification).
func writeErr(w http.ResponseWriter, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		auth.WriteError(w, de.HTTPStatus(), string(de.Kind), de.Message)
		return
	}
	auth.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
}
