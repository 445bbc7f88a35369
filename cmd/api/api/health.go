package api

import (
	"net/http"
)

type healthResponse struct {
	Status string `json:"status"`
}

// GetHealth reports that the agent is serving. It does not touch storage.
func (s *ApiService) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
