package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"takeoff-converter/internal/bus"
	"takeoff-converter/internal/config"
	"takeoff-converter/internal/events"
	"takeoff-converter/internal/ratelimit"
	"takeoff-converter/internal/saga"
	"takeoff-converter/internal/store"
	"takeoff-converter/internal/telemetry"
	"takeoff-converter/internal/tokenrelay"
)

// Headers carrying the encrypted credential envelope.
const (
	HeaderTokenKey     = "X-Token-Key"
	HeaderTokenPayload = "X-Token-Payload"
)

type SagaReader interface {
	Get(ctx context.Context, correlationID string) (*saga.Job, error)
}

type AuditReader interface {
	AuditTrail(ctx context.Context, correlationID string) ([]store.AuditEntry, error)
}

type MetadataReader interface {
	GetMetadata(ctx context.Context, modelID string) (store.Metadata, error)
}

type EventBus interface {
	Publish(ctx context.Context, topic string, ce cloudevents.Event) (string, error)
	DLQPeek(ctx context.Context, topic string, count int64) ([]bus.DeadLetter, error)
	Replay(ctx context.Context, topic string, count int64) (int, error)
}

type Limiter interface {
	Allow(ctx context.Context, customerID string) (ratelimit.Decision, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, channelID string) (<-chan []byte, func() error, error)
}

// Deps are the collaborators of the API. Audit, Metadata, Limiter, Notifications
// and Keys are optional.
type Deps struct {
	Sagas         SagaReader
	Audit         AuditReader
	Metadata      MetadataReader
	Bus           EventBus
	Limiter       Limiter
	Notifications Subscriber
	// Keys seals bearer tokens for callers that do not send an envelope.
	Keys   tokenrelay.KeyEncrypter
	Logger *slog.Logger
}

// Server wires HTTP handlers for the conversion API.
type Server struct {
	cfg  config.Config
	deps Deps
	now  func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, now: time.Now}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/conversions", s.handleStart)
	r.Get("/conversions/{correlationId}", s.handleGetConversion)
	r.Get("/models/{modelId}/metadata", s.handleGetMetadata)
	r.Get("/dlq/{topic}", s.handleDLQ)
	r.Post("/dlq/{topic}/replay", s.handleReplay)
	r.Get("/notifications/{channelId}", s.handleNotifications)
	return r
}

type startRequest struct {
	JobID                 string `json:"jobId"`
	JobModelID            string `json:"jobModelId"`
	ModelID               string `json:"modelId"`
	VersionID             string `json:"versionId"`
	CustomerID            string `json:"customerId"`
	SpaceID               string `json:"spaceId"`
	FolderID              string `json:"folderId"`
	NotificationChannelID string `json:"notificationChannelId"`
	InitiatedBy           string `json:"initiatedBy"`
}

func (r startRequest) missing() []string {
	var out []string
	for name, v := range map[string]string{
		"jobModelId": r.JobModelID,
		"modelId":    r.ModelID,
		"versionId":  r.VersionID,
		"customerId": r.CustomerID,
		"spaceId":    r.SpaceID,
	} {
		if strings.TrimSpace(v) == "" {
			out = append(out, name)
		}
	}
	return out
}

type startResponse struct {
	CorrelationID string `json:"correlationId"`
	StatusURL     string `json:"statusUrl"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if missing := req.missing(); len(missing) > 0 {
		slices.Sort(missing)
		http.Error(w, "missing fields: "+strings.Join(missing, ", "), http.StatusBadRequest)
		return
	}

	// Only well-formed requests spend the customer's quota.
	env, err := s.credential(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.deps.Limiter != nil {
		d, err := s.deps.Limiter.Allow(r.Context(), req.CustomerID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	start := saga.StartConversion{
		CorrelationID:         uuid.NewString(),
		JobID:                 req.JobID,
		JobModelID:            req.JobModelID,
		ModelID:               req.ModelID,
		VersionID:             req.VersionID,
		CustomerID:            req.CustomerID,
		SpaceID:               req.SpaceID,
		FolderID:              req.FolderID,
		NotificationChannelID: req.NotificationChannelID,
		InitiatedBy:           req.InitiatedBy,
		ReceivedAt:            s.now().UTC(),
		Credential:            env,
	}
	ce, err := events.NewStart(start)
	if err != nil {
		http.Error(w, "encode event", http.StatusInternalServerError)
		return
	}
	if _, err := s.deps.Bus.Publish(r.Context(), bus.TopicStart, ce); err != nil {
		s.deps.Logger.Error("Publishing start event failed.", "correlationId", start.CorrelationID, "error", err)
		http.Error(w, "publish failed", http.StatusServiceUnavailable)
		return
	}
	telemetry.ConversionsRequested.Inc()
	s.deps.Logger.Info("Conversion requested.", "correlationId", start.CorrelationID, "jobModelId", start.JobModelID, "customerId", start.CustomerID)

	writeJSON(w, http.StatusAccepted, startResponse{
		CorrelationID: start.CorrelationID,
		StatusURL:     "/conversions/" + start.CorrelationID,
	})
}

// credential reads the envelope headers, or seals a bearer token when the
// server holds an encryption key.
func (s *Server) credential(r *http.Request) (tokenrelay.Envelope, error) {
	env := tokenrelay.Envelope{
		WrappedKey: r.Header.Get(HeaderTokenKey),
		Payload:    r.Header.Get(HeaderTokenPayload),
	}
	if !env.Empty() {
		if env.WrappedKey == "" || env.Payload == "" {
			return env, errors.New("both " + HeaderTokenKey + " and " + HeaderTokenPayload + " are required")
		}
		return env, nil
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" || s.deps.Keys == nil {
		return env, errors.New("access credential is required")
	}
	sealed, err := tokenrelay.Seal(r.Context(), s.deps.Keys, token)
	if err != nil {
		s.deps.Logger.Error("Sealing credential failed.", "error", err)
		return env, errors.New("could not protect access credential")
	}
	return sealed, nil
}

type conversionResponse struct {
	*saga.Job
	Audit []store.AuditEntry `json:"audit,omitempty"`
}

func (s *Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationId")
	job, err := s.deps.Sagas.Get(r.Context(), id)
	if errors.Is(err, saga.ErrNotFound) {
		http.Error(w, "conversion not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load conversion", http.StatusInternalServerError)
		return
	}

	resp := conversionResponse{Job: job}
	if s.deps.Audit != nil {
		trail, err := s.deps.Audit.AuditTrail(r.Context(), id)
		if err != nil {
			s.deps.Logger.Warn("Loading audit trail failed.", "correlationId", id, "error", err)
		}
		resp.Audit = trail
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metadata == nil {
		http.Error(w, "metadata unavailable", http.StatusNotImplemented)
		return
	}
	m, err := s.deps.Metadata.GetMetadata(r.Context(), chi.URLParam(r, "modelId"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "metadata not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load metadata", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleDLQ returns the dead-lettered messages of a topic.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	topic, limit, ok := dlqParams(w, r)
	if !ok {
		return
	}
	items, err := s.deps.Bus.DLQPeek(r.Context(), topic, limit)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	topic, limit, ok := dlqParams(w, r)
	if !ok {
		return
	}
	n, err := s.deps.Bus.Replay(r.Context(), topic, limit)
	if err != nil {
		s.deps.Logger.Error("Replaying dead letters failed.", "topic", topic, "replayed", n, "error", err)
		http.Error(w, "replay failed", http.StatusInternalServerError)
		return
	}
	s.deps.Logger.Info("Dead letters replayed.", "topic", topic, "replayed", n)
	writeJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

func dlqParams(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	topic := chi.URLParam(r, "topic")
	if topic != bus.TopicStart && topic != bus.TopicResult {
		http.Error(w, "unknown topic", http.StatusNotFound)
		return "", 0, false
	}
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return "", 0, false
		}
		limit = n
	}
	return topic, limit, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
