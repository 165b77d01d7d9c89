package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mizosoft/graftchat"
	"github.com/mizosoft/graftchat/api"
	"github.com/rs/cors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ChatService serves chat clients over HTTP on top of a Replica.
type ChatService struct {
	replica  *graftchat.Replica
	address  string
	listener net.Listener
	srv      *http.Server
	logger   *zap.SugaredLogger
}

func NewChatService(address string, config graftchat.Config) (*ChatService, error) {
	replica, err := graftchat.New(config)
	if err != nil {
		return nil, err
	}

	service := &ChatService{
		replica: replica,
		address: address,
		logger:  config.LoggerOrNoop().With(zap.String("name", "ChatService"), zap.Int("id", config.Id)).Sugar(),
	}
	service.srv = &http.Server{Handler: service.Router()}
	return service, nil
}

func (s *ChatService) Replica() *graftchat.Replica {
	return s.replica
}

// Address returns the address the service listens on, resolved once started.
func (s *ChatService) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

func (s *ChatService) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Post("/join", s.handleJoin)
	r.Post("/leave", s.handleLeave)
	r.Post("/message", s.handleMessage)
	r.Post("/like", s.handleLike)
	r.Post("/unlike", s.handleUnlike)
	r.Post("/messages", s.handleMessages)
	r.Get("/rooms", s.handleRooms)
	r.Get("/rooms/{room}/chatters", s.handleChatters)
	r.Get("/reachable", s.handleReachable)
	r.Get("/status", s.handleStatus)
	return r
}

// Start brings up the replica, which recovers before returning, then serves clients.
func (s *ChatService) Start() error {
	if err := s.replica.Start(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		s.logger.Infow("Starting service", "address", s.Address())
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("Serve error", "error", err)
		}
	}()
	return nil
}

func (s *ChatService) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return multierr.Combine(s.srv.Shutdown(ctx), s.replica.Close())
}

func (s *ChatService) handleJoin(w http.ResponseWriter, r *http.Request) {
	req, err := graftchat.DecodeJson[api.JoinRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	err = s.replica.Join(r.Context(), req.User, req.Room, timestampOrNow(req.Timestamp))
	s.respondSuccess(w, "join", req.ClientId, err)
}

func (s *ChatService) handleLeave(w http.ResponseWriter, r *http.Request) {
	req, err := graftchat.DecodeJson[api.LeaveRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	err = s.replica.Leave(r.Context(), req.User, req.Room, timestampOrNow(req.Timestamp))
	s.respondSuccess(w, "leave", req.ClientId, err)
}

func (s *ChatService) handleMessage(w http.ResponseWriter, r *http.Request) {
	req, err := graftchat.DecodeJson[api.MessageRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.replica.NewMessage(r.Context(), req.User, req.Room, req.Text, timestampOrNow(req.Timestamp))
	if err != nil {
		s.respondError(w, "message", req.ClientId, err)
		return
	}
	s.RespondOk(w, api.MessageResponse{Id: id})
}

func (s *ChatService) handleLike(w http.ResponseWriter, r *http.Request) {
	req, err := graftchat.DecodeJson[api.LikeRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	err = s.replica.Like(r.Context(), req.User, req.Room, req.MessageId, timestampOrNow(req.Timestamp))
	s.respondSuccess(w, "like", req.ClientId, err)
}

func (s *ChatService) handleUnlike(w http.ResponseWriter, r *http.Request) {
	req, err := graftchat.DecodeJson[api.LikeRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	err = s.replica.Unlike(r.Context(), req.User, req.Room, req.MessageId, timestampOrNow(req.Timestamp))
	s.respondSuccess(w, "unlike", req.ClientId, err)
}

func (s *ChatService) handleMessages(w http.ResponseWriter, r *http.Request) {
	req, err := graftchat.DecodeJson[api.MessagesRequest](r)
	if err != nil {
		http.Error(w, "Invalid request format: "+err.Error(), http.StatusBadRequest)
		return
	}

	count := req.Count
	if count == 0 {
		count = api.DefaultMessageCount
	}
	views, err := s.replica.GetMessages(req.User, req.Room, count)
	if err != nil {
		s.respondError(w, "messages", req.ClientId, err)
		return
	}

	messages := make([]api.Message, len(views))
	for i, v := range views {
		messages[i] = api.Message{Id: v.Id, Sender: v.Sender, Text: v.Text, Likes: v.Likes, Timestamp: v.Timestamp}
	}
	s.RespondOk(w, api.MessagesResponse{Messages: messages})
}

func (s *ChatService) handleRooms(w http.ResponseWriter, _ *http.Request) {
	s.RespondOk(w, api.RoomsResponse{Rooms: s.replica.AvailableRooms()})
}

func (s *ChatService) handleChatters(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	s.RespondOk(w, api.ChattersResponse{Room: room, Chatters: s.replica.GetChatters(room)})
}

func (s *ChatService) handleReachable(w http.ResponseWriter, _ *http.Request) {
	s.RespondOk(w, api.ReachableResponse{Reachable: s.replica.ReachableServers()})
}

func (s *ChatService) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.replica.Status()
	s.RespondOk(w, api.StatusResponse{
		Id:        status.Id,
		Leader:    status.Leader,
		Vector:    status.Vector,
		Reachable: status.Reachable,
		Ready:     status.Ready,
		Rooms:     status.Rooms,
	})
}

func (s *ChatService) respondSuccess(w http.ResponseWriter, op string, clientId string, err error) {
	if err != nil {
		s.respondError(w, op, clientId, err)
		return
	}
	s.RespondOk(w, api.SuccessResponse{Success: true})
}

func (s *ChatService) respondError(w http.ResponseWriter, op string, clientId string, err error) {
	status := statusOf(err)
	response := api.ErrorResponse{Kind: "Error", Error: err.Error(), LeaderHint: s.replica.Leader()}
	if kind, ok := graftchat.KindOf(err); ok {
		response.Kind = kind.String()
	}

	if status == http.StatusInternalServerError {
		s.logger.Errorw("Error handling request", "op", op, "clientId", clientId, "traceId", uuid.NewString(), "error", err)
	} else {
		s.logger.Debugw("Request failed", "op", op, "clientId", clientId, "error", err)
	}
	s.Respond(w, response, status)
}

func statusOf(err error) int {
	var perr *graftchat.ProposalError
	switch {
	case errors.Is(err, graftchat.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, graftchat.ErrNotParticipant), errors.Is(err, graftchat.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, graftchat.ErrNotReady), errors.Is(err, graftchat.ErrClosed), errors.As(err, &perr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *ChatService) RespondOk(w http.ResponseWriter, payload any) {
	s.Respond(w, payload, http.StatusOK)
}

func (s *ChatService) Respond(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Errorw("Error encoding to JSON", "error", err)
	}
}

func timestampOrNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}
