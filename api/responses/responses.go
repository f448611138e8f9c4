package responses

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/shiwuteam/shiwu-backend/internal/checkout"
	pkgerrors "github.com/shiwuteam/shiwu-backend/pkg/errors"
	"github.com/shiwuteam/shiwu-backend/pkg/logger"
)

func WriteSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, checkout.Result{Success: true, Data: data})
}

// WriteResult maps a facade result onto the wire, picking the HTTP status
// from the error code's metadata.
func WriteResult(w http.ResponseWriter, result checkout.Result) {
	if result.Success {
		writeJSON(w, http.StatusOK, result)
		return
	}
	meta := pkgerrors.MetadataFor(pkgerrors.Code(result.ErrorCode))
	writeJSON(w, meta.HTTPStatus, result)
}

func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}

	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}

	meta := pkgerrors.MetadataFor(typed.Code())
	msg := meta.PublicMessage
	if meta.DetailsAllowed && typed.Message() != "" {
		msg = typed.Message()
	}

	if logg != nil && meta.HTTPStatus >= http.StatusInternalServerError {
		logg.Error(ctx, "request failed", err)
	}

	writeJSON(w, meta.HTTPStatus, checkout.Result{
		Success:      false,
		ErrorCode:    string(typed.Code()),
		ErrorMessage: msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf(`{"level":"error","msg":"failed to write response","err":"%v"}`, err)
	}
}
