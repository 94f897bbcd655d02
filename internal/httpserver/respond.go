package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/lnvps/api/internal/apperr"
)

// validate is shared across every handler package; the validator docs note
// a single instance should be reused since struct-tag parsing is cached.
var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeBody decodes a JSON request body into dst and runs struct-tag
// validation (spec.md §7 Validation errors -> HTTP 400). Handlers pass a
// pointer to a request struct annotated with `validate:"..."` tags.
func DecodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("malformed request body")
	}
	if err := validate.Struct(dst); err != nil {
		return apperr.Validation(err.Error())
	}
	return nil
}

// Respond writes data as a JSON response body with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the JSON envelope returned for every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RespondError writes an ErrorResponse with the given status code.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	Respond(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// WriteError translates a domain error to its HTTP status via
// apperr.HTTPStatus and writes the {"error": message} envelope spec.md §6
// requires, so handlers never switch on error kind themselves.
func WriteError(w http.ResponseWriter, err error) {
	RespondError(w, apperr.HTTPStatus(err), apperr.Code(err), err.Error())
}

// Page is the envelope used by every list endpoint.
type Page[T any] struct {
	Data   []T `json:"data"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
