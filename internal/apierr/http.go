package apierr

import (
	"encoding/json"
	"net/http"
)

type body struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes err as the spec's {error, message?} JSON body with the
// status code its Kind maps to. Non-*Error values are reported as internal.
func WriteJSON(w http.ResponseWriter, err error) {
	e, ok := As(err)
	if !ok {
		e = New(Internal, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e.Kind()))
	_ = json.NewEncoder(w).Encode(body{Error: string(e.Kind()), Message: e.Message()})
}
