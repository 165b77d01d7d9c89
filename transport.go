package graftchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

func (r *Replica) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST "+proposePath, handleRpc(r, r.proposeCmd))
	mux.HandleFunc("POST "+acceptPath, handleRpc(r, r.handleAccept))
	mux.HandleFunc("POST "+dataPath, handleRpc(r, r.serverData))
	mux.HandleFunc("POST "+commandPath, handleRpc(r, r.processCommand))
	mux.HandleFunc("POST "+leaderPath, handleRpc(r, r.handleLeader))
	mux.HandleFunc("POST "+leaderProposalPath, handleRpc(r, r.handleLeaderProposal))
	mux.HandleFunc("POST "+leaderElectedPath, handleRpc(r, r.handleLeaderElected))
}

func handleRpc[Req any, Res any](r *Replica, handle func(context.Context, Req) (Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		request, err := DecodeJson[Req](req)
		if err != nil {
			http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
			return
		}

		response, err := handle(req.Context(), request)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrClosed) {
				status = http.StatusServiceUnavailable
			}
			r.logger.Debugw("Error handling peer call", "path", req.URL.Path, "error", err)
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			r.logger.Errorw("Error encoding to JSON", "error", err)
		}
	}
}

func DecodeJson[T any](r *http.Request) (T, error) {
	var req T
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}
