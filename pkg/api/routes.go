package api

import "net/http"

// Routes registers the relay endpoints on a new mux. replicateAuth wraps
// the replication endpoint with peer authentication.
func (h *Handler) Routes(replicateAuth func(http.Handler) http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/relay/push", h.Push)
	mux.HandleFunc("/relay/pull", h.Pull)

	var replicate http.Handler = http.HandlerFunc(h.Replicate)
	if replicateAuth != nil {
		replicate = replicateAuth(replicate)
	}
	mux.Handle("/relay/replicate", replicate)
	return mux
}
