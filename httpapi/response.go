package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Rushilwiz/director4/schema"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		pkgErr    *schema.PackageNameError
		baseErr   *schema.UnknownBaseImageError
		scriptErr *schema.RunScriptNotFoundError
	)
	switch {
	case errors.Is(err, schema.ErrSiteNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, schema.ErrSiteExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, schema.ErrOverrideNotApproved):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, schema.ErrInvalidSiteID),
		errors.Is(err, schema.ErrInvalidQuota),
		errors.As(err, &pkgErr),
		errors.As(err, &baseErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &scriptErr):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
