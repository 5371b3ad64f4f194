package handlers

import (
	"net/http"

	"github.com/wesalappx/wesal-app-sub001/internal/middleware"
	"github.com/wesalappx/wesal-app-sub001/internal/realtime"
	"github.com/wesalappx/wesal-app-sub001/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Deps are the services the HTTP API is built on
type Deps struct {
	Bus           *realtime.Bus
	Hub           *services.WSHub
	Users         *services.UserService
	Pairing       *services.PairingService
	Sessions      *services.SessionService
	Notifications *services.NotificationService
	Whispers      *services.WhisperService
}

// NewRouter wires every route of the API
func NewRouter(d Deps) http.Handler {
	userHandler := NewUserHandler(d.Users)
	pairHandler := NewPairHandler(d.Pairing)
	sessionHandler := NewSessionHandler(d.Pairing, d.Sessions, d.Notifications)
	notificationHandler := NewNotificationHandler(d.Pairing, d.Notifications, d.Whispers)
	wsHandler := NewWebSocketHandler(d.Hub, d.Bus, d.Users, d.Pairing)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/users", userHandler.CreateUser)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(d.Users))

			r.Get("/users/me", userHandler.Me)
			r.Put("/users/me/push-token", userHandler.UpdatePushToken)

			r.Post("/pairing/codes", pairHandler.GenerateCode)
			r.Get("/pairing/codes/{code}/qr", pairHandler.CodeQR)
			r.Post("/pairing/accept", pairHandler.AcceptCode)
			r.Get("/pairing/status", pairHandler.GetStatus)
			r.Delete("/couples/{couple_id}", pairHandler.Unpair)

			r.Post("/sessions", sessionHandler.CreateOrGet)
			r.Get("/sessions/{session_id}", sessionHandler.Get)
			r.Patch("/sessions/{session_id}/state", sessionHandler.UpdateState)
			r.Post("/sessions/{session_id}/messages", sessionHandler.SendMessage)
			r.Post("/sessions/{session_id}/invite", sessionHandler.Invite)
			r.Delete("/sessions/{session_id}", sessionHandler.Close)

			r.Get("/notifications", notificationHandler.List)
			r.Post("/notifications/{id}/read", notificationHandler.MarkRead)
			r.Post("/whispers", notificationHandler.Whisper)
		})
	})

	r.Get("/ws", wsHandler.HandleWebSocket)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
