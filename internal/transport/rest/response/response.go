package response

import (
	"encoding/json"
	"net/http"
)

// Res is the flat message body used for simple successes and every error:
// {"message":"..."}
type Res struct {
	Message string `json:"message"`
}

// JSON writes raw JSON with Content-Type.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Message writes {"message": ...}.
func Message(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, Res{Message: msg})
}
