package api

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	notificationWriteWait    = 10 * time.Second
	notificationPingInterval = 30 * time.Second
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// checkOrigin accepts any origin in dev. Elsewhere a browser origin must be the
// API's own host or listed in ALLOWED_ORIGINS. Requests without an Origin header
// do not come from a browser and pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.cfg.IsDev() {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return slices.ContainsFunc(s.cfg.AllowedOrigins, func(allowed string) bool {
		return strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin)
	})
}

// handleNotifications relays the messages of a notification channel to a
// websocket client until either side goes away.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		http.Error(w, "notifications unavailable", http.StatusNotImplemented)
		return
	}
	channelID := chi.URLParam(r, "channelId")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, closeSub, err := s.deps.Notifications.Subscribe(ctx, channelID)
	if err != nil {
		s.deps.Logger.Error("Subscribing to notifications failed.", "channelId", channelID, "error", err)
		http.Error(w, "subscribe failed", http.StatusServiceUnavailable)
		return
	}
	defer func() { _ = closeSub() }()

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(notificationPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(notificationWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.deps.Logger.Debug("Notification write failed.", "channelId", channelID, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(notificationWriteWait)); err != nil {
				return
			}
		}
	}
}
