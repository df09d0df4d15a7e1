package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takeoff-converter/internal/bus"
	"takeoff-converter/internal/config"
	"takeoff-converter/internal/events"
	"takeoff-converter/internal/notify"
	"takeoff-converter/internal/ratelimit"
	"takeoff-converter/internal/saga"
	"takeoff-converter/internal/store"
)

type fixedLimiter struct {
	decision ratelimit.Decision
	err      error
	calls    []string
}

func (l *fixedLimiter) Allow(_ context.Context, customerID string) (ratelimit.Decision, error) {
	l.calls = append(l.calls, customerID)
	return l.decision, l.err
}

type plainKeys struct{}

func (plainKeys) EncryptKey(_ context.Context, key []byte) ([]byte, error) {
	return append([]byte("wrapped:"), key...), nil
}

type auditTrail map[string][]store.AuditEntry

func (a auditTrail) AuditTrail(_ context.Context, id string) ([]store.AuditEntry, error) {
	return a[id], nil
}

type metadataMap map[string]store.Metadata

func (m metadataMap) GetMetadata(_ context.Context, modelID string) (store.Metadata, error) {
	md, ok := m[modelID]
	if !ok {
		return store.Metadata{}, store.ErrNotFound
	}
	return md, nil
}

type testEnv struct {
	server *Server
	bus    *bus.RedisBus
	sagas  *saga.MemoryStore
	client *redis.Client
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := &testEnv{
		bus:    bus.New(client, bus.Options{}),
		sagas:  saga.NewMemoryStore(),
		client: client,
	}
	deps := Deps{
		Sagas:         e.sagas,
		Bus:           e.bus,
		Notifications: notify.NewRedisNotifier(client),
	}
	if mutate != nil {
		mutate(&deps)
	}
	e.server = New(config.Config{}, deps)
	e.server.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

const validBody = `{"jobId":"job-1","jobModelId":"jm-1","modelId":"model-1","versionId":"v-1","customerId":"cust-1","spaceId":"space-1","notificationChannelId":"chan-1"}`

func postStart(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/conversions", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStartPublishesEventWithEnvelope(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := postStart(t, e.server.Router(), validBody, map[string]string{
		HeaderTokenKey:     "wrapped-key",
		HeaderTokenPayload: "payload",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, "/conversions/"+resp.CorrelationID, resp.StatusURL)

	d, err := e.bus.Receive(context.Background(), bus.TopicStart)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, d.DecodeErr)

	ev, err := events.Decode(d.Event)
	require.NoError(t, err)
	start, ok := ev.(saga.StartConversion)
	require.True(t, ok)
	assert.Equal(t, resp.CorrelationID, start.CorrelationID)
	assert.Equal(t, "job-1", start.JobID)
	assert.Equal(t, "jm-1", start.JobModelID)
	assert.Equal(t, "cust-1", start.CustomerID)
	assert.Equal(t, "wrapped-key", start.Credential.WrappedKey)
	assert.Equal(t, "payload", start.Credential.Payload)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), start.ReceivedAt.UTC())
}

func TestStartRejectsMissingFields(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := postStart(t, e.server.Router(), `{"jobModelId":"jm-1","customerId":"cust-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing fields: modelId, spaceId, versionId")

	rec = postStart(t, e.server.Router(), `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRequiresCredential(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := postStart(t, e.server.Router(), validBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "access credential is required")

	rec = postStart(t, e.server.Router(), validBody, map[string]string{HeaderTokenKey: "only-key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Bearer tokens need a key to seal them with.
	rec = postStart(t, e.server.Router(), validBody, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	d, err := e.bus.Receive(context.Background(), bus.TopicStart)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestStartSealsBearerToken(t *testing.T) {
	e := newTestEnv(t, func(d *Deps) { d.Keys = plainKeys{} })
	rec := postStart(t, e.server.Router(), validBody, map[string]string{"Authorization": "Bearer secret-token"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	d, err := e.bus.Receive(context.Background(), bus.TopicStart)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.NotContains(t, string(d.Body), "secret-token")

	ev, err := events.Decode(d.Event)
	require.NoError(t, err)
	start := ev.(saga.StartConversion)
	assert.False(t, start.Credential.Empty())
}

func TestStartRateLimited(t *testing.T) {
	limiter := &fixedLimiter{decision: ratelimit.Decision{RetryAfter: 1500 * time.Millisecond}}
	e := newTestEnv(t, func(d *Deps) { d.Limiter = limiter })

	rec := postStart(t, e.server.Router(), validBody, map[string]string{
		HeaderTokenKey:     "k",
		HeaderTokenPayload: "p",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"cust-1"}, limiter.calls)

	limiter.decision, limiter.err = ratelimit.Decision{}, errors.New("redis down")
	rec = postStart(t, e.server.Router(), validBody, map[string]string{
		HeaderTokenKey:     "k",
		HeaderTokenPayload: "p",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStartWithoutCredentialKeepsQuota(t *testing.T) {
	limiter := &fixedLimiter{decision: ratelimit.Decision{Allowed: true}}
	e := newTestEnv(t, func(d *Deps) { d.Limiter = limiter })

	rec := postStart(t, e.server.Router(), validBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = postStart(t, e.server.Router(), validBody, map[string]string{HeaderTokenKey: "only-key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, limiter.calls)

	rec = postStart(t, e.server.Router(), validBody, map[string]string{
		HeaderTokenKey:     "k",
		HeaderTokenPayload: "p",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"cust-1"}, limiter.calls)
}

func TestGetConversion(t *testing.T) {
	recorded := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	e := newTestEnv(t, func(d *Deps) {
		d.Audit = auditTrail{"corr-1": {{Event: "StartConversion", Outcome: "applied", Recorded: recorded}}}
	})
	_, err := e.sagas.Update(context.Background(), "corr-1", func(*saga.Job) (*saga.Job, error) {
		return &saga.Job{CorrelationID: "corr-1", JobModelID: "jm-1", State: saga.StateConverting}, nil
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/conversions/missing", nil)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/conversions/corr-1", nil)
	rec = httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		CorrelationID string             `json:"correlationId"`
		State         string             `json:"state"`
		Audit         []store.AuditEntry `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "corr-1", body.CorrelationID)
	assert.Equal(t, string(saga.StateConverting), body.State)
	require.Len(t, body.Audit, 1)
	assert.Equal(t, "applied", body.Audit[0].Outcome)
}

func TestGetMetadata(t *testing.T) {
	e := newTestEnv(t, func(d *Deps) {
		d.Metadata = metadataMap{"model-1": {ModelID: "model-1", CustomerID: "cust-1", FileID: "file-1"}}
	})

	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models/model-1/metadata", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"fileId":"file-1"`)

	rec = httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models/other/metadata", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	bare := newTestEnv(t, nil)
	rec = httptest.NewRecorder()
	bare.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models/model-1/metadata", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestDLQ(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	ce, err := events.NewFailed(saga.ConversionFailed{CorrelationID: "corr-9", ErrorMessage: "boom"})
	require.NoError(t, err)
	_, err = e.bus.Publish(ctx, bus.TopicResult, ce)
	require.NoError(t, err)
	d, err := e.bus.Receive(ctx, bus.TopicResult)
	require.NoError(t, err)
	require.NoError(t, e.bus.DeadLetter(ctx, d, "no saga"))

	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq/"+bus.TopicResult+"?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []bus.DeadLetter `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "no saga", body.Items[0].Error)

	rec = httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dlq/"+bus.TopicResult+"/replay", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"replayed":1}`, rec.Body.String())

	replayed, err := e.bus.Receive(ctx, bus.TopicResult)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, 1, replayed.Attempts)

	rec = httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dlq/"+bus.TopicStart+"?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationsStreamOverWebsocket(t *testing.T) {
	e := newTestEnv(t, nil)
	srv := httptest.NewServer(e.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/notifications/chan-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is established before the upgrade completes.
	notifier := notify.NewRedisNotifier(e.client)
	require.NoError(t, notifier.Progress(context.Background(), "chan-1", notify.Progress{
		JobModelID:      "jm-1",
		StageName:       "ParsingModel",
		PercentComplete: 25,
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)

	var msg notify.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, notify.KindProgress, msg.Kind)
	assert.True(t, bytes.Contains(msg.Payload, []byte(`"percentComplete":25`)))
}

func TestNotificationsRejectForeignOriginOutsideDev(t *testing.T) {
	e := newTestEnv(t, nil)
	e.server.cfg = config.Config{Env: "prod", AllowedOrigins: []string{"https://app.example.com"}}
	srv := httptest.NewServer(e.server.Router())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/notifications/chan-1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.org"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		origin string
		want   bool
	}{
		{name: "dev allows any", env: "dev", origin: "https://evil.example.org", want: true},
		{name: "no origin header", env: "prod", origin: "", want: true},
		{name: "same host", env: "prod", origin: "http://api.internal:8080", want: true},
		{name: "allow-listed", env: "prod", origin: "https://app.example.com", want: true},
		{name: "foreign", env: "prod", origin: "https://evil.example.org", want: false},
		{name: "malformed", env: "prod", origin: "::nope", want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New(config.Config{Env: tc.env, AllowedOrigins: []string{"https://app.example.com/"}}, Deps{})
			req := httptest.NewRequest(http.MethodGet, "http://api.internal:8080/notifications/c", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, s.checkOrigin(req))
		})
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
