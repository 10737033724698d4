package ui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/matrix-org/duet/pkg/routing"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/matrix-org/duet/pkg/watcher"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	// Where to listen, ":8080" by default.
	Address string `yaml:"address"`
}

func (c Config) address() string {
	if c.Address == "" {
		return ":8080"
	}

	return c.Address
}

// Frames sent to a socket in response to its commands. Notifications carry a `kind` too, so the
// UI tells them apart by it.
type reply struct {
	Kind    string    `json:"kind"`
	Type    string    `json:"type"`
	Error   string    `json:"error,omitempty"`
	Call    *CallInfo `json:"call,omitempty"`
	Enabled *bool     `json:"enabled,omitempty"`
}

type request struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	PartnerID string `json:"partner_id"`
}

const (
	requestDial        = "dial"
	requestAccept      = "accept"
	requestDecline     = "decline"
	requestHangup      = "hangup"
	requestToggleAudio = "toggle-audio"
	requestToggleVideo = "toggle-video"
)

var errUnknownRequest = errors.New("unknown request")

type Server struct {
	config   Config
	commands Commands
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *logrus.Entry
}

func NewServer(config Config, commands Commands, hub *Hub) *Server {
	return &Server{
		config:   config,
		commands: commands,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI is served from elsewhere during development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logrus.WithField("component", "ui"),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logrus.StandardLogger(), NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.serveWS)

	r.Route("/api/calls", func(r chi.Router) {
		r.Get("/", s.getStatus)
		r.Post("/", s.postDial)
		r.Post("/{roomID}/accept", s.postAccept)
		r.Post("/{roomID}/decline", s.postDecline)
		r.Post("/active/hangup", s.postHangup)
		r.Post("/active/toggle-audio", s.postToggle(requestToggleAudio))
		r.Post("/active/toggle-video", s.postToggle(requestToggleVideo))
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/debug", middleware.Profiler())

	return r
}

// Serves until `ctx` is done.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.config.address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", server.Addr).Info("listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("failed to upgrade the connection")
		return
	}

	c := newClient(conn, s.logger.WithField("request_id", middleware.GetReqID(r.Context())))
	go c.writePump()

	if !s.hub.add(c) {
		c.close()
		return
	}
	defer s.hub.remove(c)

	// The frames we don't send back are only commands.
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("unexpected close")
			}
			return
		}

		if !c.enqueue(s.execute(r.Context(), req)) {
			c.logger.Warn("client is too slow, closing")
			return
		}
	}
}

func (s *Server) execute(ctx context.Context, req request) reply {
	result := reply{Kind: "reply", Type: req.Type}

	var (
		info    CallInfo
		enabled bool
		err     error
	)

	switch req.Type {
	case requestDial:
		info, err = s.commands.Dial(ctx, req.PartnerID)
		result.Call = &info
	case requestAccept:
		info, err = s.commands.Accept(ctx, req.RoomID)
		result.Call = &info
	case requestDecline:
		err = s.commands.Decline(ctx, req.RoomID)
	case requestHangup:
		err = s.commands.Hangup()
	case requestToggleAudio:
		enabled, err = s.commands.ToggleAudio()
		result.Enabled = &enabled
	case requestToggleVideo:
		enabled, err = s.commands.ToggleVideo()
		result.Enabled = &enabled
	default:
		err = errUnknownRequest
	}

	if err != nil {
		s.logger.WithError(err).WithField("type", req.Type).Info("request failed")
		return reply{Kind: "reply", Type: req.Type, Error: err.Error()}
	}

	return result
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.commands.Status())
}

func (s *Server) postDial(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PartnerID string `json:"partner_id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}

	info, err := s.commands.Dial(r.Context(), body.PartnerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) postAccept(w http.ResponseWriter, r *http.Request) {
	info, err := s.commands.Accept(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) postDecline(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.Decline(r.Context(), chi.URLParam(r, "roomID")); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.Hangup(); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postToggle(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		toggle := s.commands.ToggleAudio
		if kind == requestToggleVideo {
			toggle = s.commands.ToggleVideo
		}

		enabled, err := toggle()
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, routing.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, routing.ErrNoActiveCall), errors.Is(err, watcher.ErrNoActiveNotice), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, watcher.ErrNoticeExpired), errors.Is(err, routing.ErrCallOver):
		return http.StatusGone
	case errors.Is(err, store.ErrInvalidRecord):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), errorBody(err))
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Warn("failed to write the response")
	}
}
