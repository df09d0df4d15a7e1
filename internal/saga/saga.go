// Package saga tracks conversion jobs across asynchronous event boundaries.
//
// The state machine is a pure function from (current instance, event) to a
// Decision; the Orchestrator persists the decision and executes its effects.
package saga

import (
	"time"

	"takeoff-converter/internal/conversion"
	"takeoff-converter/internal/notify"
	"takeoff-converter/internal/takeoff"
	"takeoff-converter/internal/tokenrelay"
)

// State of a conversion job.
type State string

const (
	StateInitial    State = "Initial"
	StateConverting State = "Converting"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// SchemaVersion is stamped on every instance this code creates.
const SchemaVersion = 1

// Job is one saga instance, keyed by its correlation id.
type Job struct {
	CorrelationID         string     `json:"correlationId"`
	JobID                 string     `json:"jobId"`
	JobModelID            string     `json:"jobModelId"`
	ModelID               string     `json:"modelId"`
	VersionID             string     `json:"versionId"`
	CustomerID            string     `json:"customerId"`
	SpaceID               string     `json:"spaceId"`
	FolderID              string     `json:"folderId"`
	NotificationChannelID string     `json:"notificationChannelId"`
	InitiatedBy           string     `json:"initiatedBy"`
	State                 State      `json:"state"`
	ReceivedAt            time.Time  `json:"receivedAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	LastError             string     `json:"lastError,omitempty"`
	DownloadURL           string     `json:"downloadUrl,omitempty"`
	FileID                string     `json:"fileId,omitempty"`
	SchemaVersion         int        `json:"schemaVersion"`
	// Version is maintained by the store for optimistic updates.
	Version int64 `json:"version"`
}

// Event is one of StartConversion, ConversionCompleted or ConversionFailed.
type Event interface {
	Correlation() string
	Name() string
	sagaEvent()
}

// StartConversion creates a job and kicks off the pipeline. The credential
// envelope travels with the event and is never persisted.
type StartConversion struct {
	CorrelationID         string              `json:"correlationId"`
	JobID                 string              `json:"jobId"`
	JobModelID            string              `json:"jobModelId"`
	ModelID               string              `json:"modelId"`
	VersionID             string              `json:"versionId"`
	CustomerID            string              `json:"customerId"`
	SpaceID               string              `json:"spaceId"`
	FolderID              string              `json:"folderId"`
	NotificationChannelID string              `json:"notificationChannelId"`
	InitiatedBy           string              `json:"initiatedBy"`
	ReceivedAt            time.Time           `json:"receivedAt"`
	Credential            tokenrelay.Envelope `json:"-"`
}

// ConversionCompleted reports a successful pipeline run.
type ConversionCompleted struct {
	CorrelationID       string                       `json:"correlationId"`
	JobID               string                       `json:"jobId"`
	JobModelID          string                       `json:"jobModelId"`
	ModelID             string                       `json:"modelId"`
	CustomerID          string                       `json:"customerId"`
	DownloadURL         string                       `json:"downloadUrl"`
	FileID              string                       `json:"fileId"`
	PropertyDefinitions []takeoff.PropertyDefinition `json:"propertyDefinitions"`
	CompletedAt         time.Time                    `json:"completedAt"`
}

// ConversionFailed reports a failed pipeline run.
type ConversionFailed struct {
	CorrelationID string    `json:"correlationId"`
	JobID         string    `json:"jobId"`
	JobModelID    string    `json:"jobModelId"`
	ModelID       string    `json:"modelId"`
	CustomerID    string    `json:"customerId"`
	ErrorMessage  string    `json:"errorMessage"`
	ErrorKind     string    `json:"errorKind,omitempty"`
	CompletedAt   time.Time `json:"completedAt"`
}

func (e StartConversion) Correlation() string     { return e.CorrelationID }
func (e ConversionCompleted) Correlation() string { return e.CorrelationID }
func (e ConversionFailed) Correlation() string    { return e.CorrelationID }

func (StartConversion) Name() string     { return "StartConversion" }
func (ConversionCompleted) Name() string { return "ConversionCompleted" }
func (ConversionFailed) Name() string    { return "ConversionFailed" }

func (StartConversion) sagaEvent()     {}
func (ConversionCompleted) sagaEvent() {}
func (ConversionFailed) sagaEvent()    {}

// Effect is a side effect requested by a transition.
type Effect interface{ sagaEffect() }

// RunConversion asks the driver to run the pipeline for a new job.
type RunConversion struct {
	CorrelationID string
	Request       conversion.Request
}

// NotifyCompleted pushes the success notification.
type NotifyCompleted struct {
	ChannelID string
	Payload   notify.Completed
}

// NotifyFailed pushes the failure notification.
type NotifyFailed struct {
	ChannelID string
	Payload   notify.Failed
}

func (RunConversion) sagaEffect()   {}
func (NotifyCompleted) sagaEffect() {}
func (NotifyFailed) sagaEffect()    {}

// Outcome classifies how an event was handled.
type Outcome string

const (
	Applied  Outcome = "applied"
	Ignored  Outcome = "ignored"
	Rejected Outcome = "rejected"
)

// Decision is the result of a transition. Next is nil unless Outcome is Applied.
type Decision struct {
	Next    *Job
	Effects []Effect
	Outcome Outcome
	Reason  string
}

// Transition computes the next state for ev. cur is nil when no instance exists
// for the event's correlation id. cur is never modified.
func Transition(cur *Job, ev Event) Decision {
	switch e := ev.(type) {
	case StartConversion:
		return start(cur, e)
	case ConversionCompleted:
		return complete(cur, e)
	case ConversionFailed:
		return fail(cur, e)
	default:
		return Decision{Outcome: Rejected, Reason: "unknown event"}
	}
}

func start(cur *Job, e StartConversion) Decision {
	if cur != nil && cur.State != StateInitial {
		return Decision{Outcome: Ignored, Reason: "duplicate start for " + string(cur.State) + " job"}
	}
	next := &Job{
		CorrelationID:         e.CorrelationID,
		JobID:                 e.JobID,
		JobModelID:            e.JobModelID,
		ModelID:               e.ModelID,
		VersionID:             e.VersionID,
		CustomerID:            e.CustomerID,
		SpaceID:               e.SpaceID,
		FolderID:              e.FolderID,
		NotificationChannelID: e.NotificationChannelID,
		InitiatedBy:           e.InitiatedBy,
		State:                 StateConverting,
		ReceivedAt:            e.ReceivedAt.UTC(),
		SchemaVersion:         SchemaVersion,
	}
	if cur != nil {
		next.Version = cur.Version
	}
	return Decision{
		Next:    next,
		Outcome: Applied,
		Effects: []Effect{RunConversion{
			CorrelationID: e.CorrelationID,
			Request: conversion.Request{
				JobID:                 e.JobID,
				JobModelID:            e.JobModelID,
				ModelID:               e.ModelID,
				VersionID:             e.VersionID,
				SpaceID:               e.SpaceID,
				FolderID:              e.FolderID,
				CustomerID:            e.CustomerID,
				NotificationChannelID: e.NotificationChannelID,
				Credential:            e.Credential,
			},
		}},
	}
}

func complete(cur *Job, e ConversionCompleted) Decision {
	if d, ok := guardResult(cur); !ok {
		return d
	}
	next := *cur
	at := e.CompletedAt.UTC()
	next.State = StateCompleted
	next.CompletedAt = &at
	next.DownloadURL = e.DownloadURL
	next.FileID = e.FileID
	return Decision{
		Next:    &next,
		Outcome: Applied,
		Effects: []Effect{NotifyCompleted{
			ChannelID: cur.NotificationChannelID,
			Payload: notify.Completed{
				JobModelID:             cur.JobModelID,
				ModelID:                cur.ModelID,
				FileID:                 e.FileID,
				CompletedWithinSeconds: elapsed(cur.ReceivedAt, at),
			},
		}},
	}
}

func fail(cur *Job, e ConversionFailed) Decision {
	if d, ok := guardResult(cur); !ok {
		return d
	}
	next := *cur
	at := e.CompletedAt.UTC()
	next.State = StateFailed
	next.CompletedAt = &at
	next.LastError = e.ErrorMessage
	return Decision{
		Next:    &next,
		Outcome: Applied,
		Effects: []Effect{NotifyFailed{
			ChannelID: cur.NotificationChannelID,
			Payload: notify.Failed{
				JobModelID:             cur.JobModelID,
				ModelID:                cur.ModelID,
				ErrorMessage:           e.ErrorMessage,
				CompletedWithinSeconds: elapsed(cur.ReceivedAt, at),
			},
		}},
	}
}

// guardResult rejects results for unknown jobs and ignores them for jobs that
// are not converting.
func guardResult(cur *Job) (Decision, bool) {
	switch {
	case cur == nil || cur.State == StateInitial:
		return Decision{Outcome: Rejected, Reason: "no job for correlation id"}, false
	case cur.State.Terminal():
		return Decision{Outcome: Ignored, Reason: "job already " + string(cur.State)}, false
	}
	return Decision{}, true
}

func elapsed(from, to time.Time) float64 {
	d := to.Sub(from).Seconds()
	if d < 0 {
		return 0
	}
	return d
}
