package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"takeoff-converter/internal/bus"
	"takeoff-converter/internal/events"
	"takeoff-converter/internal/saga"
	"takeoff-converter/internal/store"
)

type auditedStore struct {
	*saga.MemoryStore
	trail map[string][]store.AuditEntry
}

func (s auditedStore) AuditTrail(_ context.Context, id string) ([]store.AuditEntry, error) {
	return s.trail[id], nil
}

type fixture struct {
	bus    *bus.RedisBus
	sagas  auditedStore
	opened int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	color.NoColor = true
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &fixture{
		bus:   bus.New(client, bus.Options{}),
		sagas: auditedStore{MemoryStore: saga.NewMemoryStore(), trail: map[string][]store.AuditEntry{}},
	}
}

func (f *fixture) open(context.Context) (*Env, func(), error) {
	f.opened++
	return &Env{Bus: f.bus, Conversions: f.sagas}, func() {}, nil
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := RootCmd(f.open)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (f *fixture) deadLetter(t *testing.T, correlationID, reason string) {
	t.Helper()
	ctx := context.Background()
	ce, err := events.NewFailed(saga.ConversionFailed{CorrelationID: correlationID, ErrorMessage: "boom"})
	require.NoError(t, err)
	_, err = f.bus.Publish(ctx, bus.TopicResult, ce)
	require.NoError(t, err)
	d, err := f.bus.Receive(ctx, bus.TopicResult)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, f.bus.DeadLetter(ctx, d, reason))
}

func TestStatusPrintsJobAndAudit(t *testing.T) {
	f := newFixture(t)
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	done := received.Add(1500 * time.Millisecond)
	_, err := f.sagas.Update(context.Background(), "corr-1", func(*saga.Job) (*saga.Job, error) {
		return &saga.Job{
			CorrelationID: "corr-1",
			JobModelID:    "jm-1",
			ModelID:       "model-1",
			VersionID:     "v-1",
			State:         saga.StateFailed,
			ReceivedAt:    received,
			CompletedAt:   &done,
			LastError:     "ParseError during ParsingModel",
		}, nil
	})
	require.NoError(t, err)
	f.sagas.trail["corr-1"] = []store.AuditEntry{
		{Event: "StartConversion", Outcome: "applied", Detail: "Converting", Recorded: received},
		{Event: "ConversionFailed", Outcome: "applied", Detail: "Failed", Recorded: done},
	}

	out, err := f.run(t, "status", "corr-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Conversion corr-1: Failed")
	assert.Contains(t, out, "model-1@v-1")
	assert.Contains(t, out, "ParseError during ParsingModel")
	assert.Contains(t, out, "(1.5s)")
	assert.Contains(t, out, "ConversionFailed")
}

func TestStatusUnknownConversion(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "status", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDLQListAndReplay(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, "corr-7", "no saga instance")

	out, err := f.run(t, "dlq", "list", bus.TopicResult)
	require.NoError(t, err)
	assert.Contains(t, out, "ATTEMPTS")
	assert.Contains(t, out, "no saga instance")

	out, err = f.run(t, "dlq", "replay", bus.TopicResult)
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 1 event(s)")

	out, err = f.run(t, "dlq", "list", bus.TopicResult)
	require.NoError(t, err)
	assert.Contains(t, out, "No dead letters")

	out, err = f.run(t, "depth")
	require.NoError(t, err)
	assert.Regexp(t, `conversion\.result\s+1 ready`, out)
	assert.Regexp(t, `in flight\s+0`, out)
}

func TestUnknownTopicDoesNotConnect(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, "dlq", "list", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown topic")
	assert.Zero(t, f.opened)
}

func TestConnectErrorIsReported(t *testing.T) {
	failing := func(context.Context) (*Env, func(), error) { return nil, nil, errors.New("redis down") }
	cmd := RootCmd(failing)
	cmd.SetArgs([]string{"depth"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect: redis down")
}
