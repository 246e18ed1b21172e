package middleware

import (
	"encoding/json"
	"net/http"

	"taxgpt-api/internal/model"
)

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.ChatResponse{
		Success:   false,
		Error:     message,
		Timestamp: model.Now(),
	})
}
