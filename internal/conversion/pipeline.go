// Package conversion runs the model-to-takeoff pipeline for a single job: credential
// recovery, download, parse, extraction, upload and download-URL retrieval.
package conversion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"takeoff-converter/internal/modelgraph"
	"takeoff-converter/internal/modelstorage"
	"takeoff-converter/internal/notify"
	"takeoff-converter/internal/retry"
	"takeoff-converter/internal/takeoff"
	"takeoff-converter/internal/telemetry"
	"takeoff-converter/internal/tokenrelay"
)

// Request describes one conversion. The credential stays encrypted until the
// pipeline's first stage.
type Request struct {
	JobID                 string
	JobModelID            string
	ModelID               string
	VersionID             string
	SpaceID               string
	FolderID              string
	CustomerID            string
	NotificationChannelID string
	Credential            tokenrelay.Envelope
}

// Result is the outcome of a conversion. Exactly one of DownloadURL and
// ErrorMessage is set.
type Result struct {
	Success             bool
	DownloadURL         string
	FileID              string
	ErrorMessage        string
	ErrorKind           Kind
	JobID               string
	JobModelID          string
	ModelID             string
	PropertyDefinitions []takeoff.PropertyDefinition
}

// CredentialDecrypter recovers the plaintext access credential.
type CredentialDecrypter interface {
	Decrypt(ctx context.Context, env tokenrelay.Envelope) (string, error)
}

// MetadataStore records the uploaded file and its property schema for a model.
type MetadataStore interface {
	UpsertMetadata(ctx context.Context, modelID, customerID, fileID string, defs []takeoff.PropertyDefinition) (bool, error)
}

// ProgressNotifier receives stage-boundary progress.
type ProgressNotifier interface {
	Progress(ctx context.Context, channelID string, p notify.Progress) error
}

// Options tunes the pipeline.
type Options struct {
	Workers  int
	URLRetry retry.Policy
}

// Pipeline converts models. It is safe for concurrent use by multiple jobs.
type Pipeline struct {
	relay    CredentialDecrypter
	storage  modelstorage.Client
	parser   modelgraph.Parser
	metadata MetadataStore
	progress ProgressNotifier
	logger   *slog.Logger
	opts     Options
}

func NewPipeline(relay CredentialDecrypter, storage modelstorage.Client, parser modelgraph.Parser, metadata MetadataStore, progress ProgressNotifier, logger *slog.Logger, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.URLRetry.MaxAttempts == 0 {
		opts.URLRetry = retry.DefaultPolicy()
	}
	return &Pipeline{
		relay:    relay,
		storage:  storage,
		parser:   parser,
		metadata: metadata,
		progress: progress,
		logger:   logger,
		opts:     opts,
	}
}

type stage struct {
	name    string
	percent int
	kind    Kind
}

var (
	stageDecrypt     = stage{"DecryptingCredential", 5, CredentialError}
	stageDownload    = stage{"DownloadingModel", 10, UnexpectedError}
	stageParse       = stage{"ParsingModel", 25, ParseError}
	stageExtract     = stage{"ExtractingProperties", 40, UnexpectedError}
	stageSerialize   = stage{"SerializingTakeoff", 60, UnexpectedError}
	stageUpload      = stage{"UploadingTakeoff", 70, UploadError}
	stageURL         = stage{"RetrievingDownloadUrl", 80, UrlRetrievalError}
	stageDefinitions = stage{"SavingPropertyDefinitions", 90, MetadataError}
)

// StageConverted is reported once every stage has succeeded.
const StageConverted = "Converted"

// Run executes every stage in order. It never returns an error or panics: any
// failure is reported through the Result.
func (p *Pipeline) Run(ctx context.Context, req Request) (res Result) {
	logger := p.logger.With("jobId", req.JobID, "jobModelId", req.JobModelID, "modelId", req.ModelID)
	current := "Starting"

	defer func() {
		if r := recover(); r != nil {
			res = p.fail(logger, req, newError(UnexpectedError, current, fmt.Errorf("panic: %v", r)))
		}
	}()

	out, err := p.run(ctx, logger, req, &current)
	if err != nil {
		return p.fail(logger, req, err)
	}
	return out
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, req Request, current *string) (Result, error) {
	var (
		credential string
		raw        []byte
		model      *modelgraph.Model
		extracted  takeoff.Result
		document   []byte
		fileID     string
		defs       []takeoff.PropertyDefinition
		url        string
	)

	if err := p.step(ctx, logger, req, stageDecrypt, current, func(ctx context.Context) (err error) {
		credential, err = p.relay.Decrypt(ctx, req.Credential)
		return err
	}); err != nil {
		return Result{}, err
	}

	err := p.step(ctx, logger, req, stageDownload, current, func(ctx context.Context) (err error) {
		raw, err = p.storage.Download(ctx, credential, req.ModelID, req.VersionID)
		return err
	})
	credential = ""
	if err != nil {
		return Result{}, err
	}

	if err := p.step(ctx, logger, req, stageParse, current, func(ctx context.Context) (err error) {
		model, err = p.parser.Parse(ctx, bytes.NewReader(raw))
		if err == nil && model == nil {
			err = modelgraph.ErrEmptyModel
		}
		return err
	}); err != nil {
		return Result{}, err
	}
	raw = nil

	if err := p.step(ctx, logger, req, stageExtract, current, func(ctx context.Context) (err error) {
		extracted, err = takeoff.Extract(ctx, model, p.opts.Workers)
		return err
	}); err != nil {
		return Result{}, err
	}
	logger.Info("Extracted takeoff elements.", "elements", len(extracted.Elements), "definitions", len(extracted.Definitions))

	if err := p.step(ctx, logger, req, stageSerialize, current, func(ctx context.Context) (err error) {
		document, err = takeoff.Serialize(ctx, extracted.Elements, p.opts.Workers)
		return err
	}); err != nil {
		return Result{}, err
	}

	if err := p.step(ctx, logger, req, stageUpload, current, func(ctx context.Context) (err error) {
		fileID, err = p.storage.Upload(ctx, req.SpaceID, req.FolderID, fileName(req), document)
		return err
	}); err != nil {
		return Result{}, err
	}
	logger = logger.With("fileId", fileID)

	if err := p.step(ctx, logger, req, stageURL, current, func(ctx context.Context) (err error) {
		url, err = retry.Do(ctx, logger, "download-url", p.opts.URLRetry, func(ctx context.Context) (string, error) {
			telemetry.URLRetrievalAttempts.Inc()
			return p.storage.DownloadURL(ctx, req.SpaceID, fileID)
		})
		return err
	}); err != nil {
		return Result{}, err
	}

	// Metadata is the last side effect: a failed job must not replace the
	// model's current takeoff record.
	defs = extracted.Definitions
	if err := p.step(ctx, logger, req, stageDefinitions, current, func(ctx context.Context) error {
		ok, err := p.metadata.UpsertMetadata(ctx, req.ModelID, req.CustomerID, fileID, defs)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("metadata record was not updated")
		}
		return nil
	}); err != nil {
		return Result{}, err
	}

	p.notifyProgress(ctx, logger, req, StageConverted, 100)
	logger.Info("Conversion complete.")
	return Result{
		Success:             true,
		DownloadURL:         url,
		FileID:              fileID,
		JobID:               req.JobID,
		JobModelID:          req.JobModelID,
		ModelID:             req.ModelID,
		PropertyDefinitions: defs,
	}, nil
}

// step reports progress, runs fn, records its duration and classifies its error.
func (p *Pipeline) step(ctx context.Context, logger *slog.Logger, req Request, s stage, current *string, fn func(context.Context) error) error {
	*current = s.name
	p.notifyProgress(ctx, logger, req, s.name, s.percent)

	start := time.Now()
	err := fn(ctx)
	telemetry.StageDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}

	kind := s.kind
	if errors.Is(err, takeoff.ErrSchemaMismatch) {
		kind = SchemaMismatch
	}
	return newError(kind, s.name, err)
}

func (p *Pipeline) notifyProgress(ctx context.Context, logger *slog.Logger, req Request, name string, percent int) {
	err := p.progress.Progress(ctx, req.NotificationChannelID, notify.Progress{
		JobModelID:      req.JobModelID,
		StageName:       name,
		PercentComplete: percent,
	})
	if err != nil {
		telemetry.NotificationFailures.WithLabelValues(notify.KindProgress).Inc()
		logger.Warn("Progress notification failed.", "stage", name, "error", err)
	}
}

func (p *Pipeline) fail(logger *slog.Logger, req Request, err error) Result {
	kind := KindOf(err)
	logger.Error("Conversion failed.", "kind", kind, "error", err)
	return Result{
		Success:      false,
		ErrorMessage: err.Error(),
		ErrorKind:    kind,
		JobID:        req.JobID,
		JobModelID:   req.JobModelID,
		ModelID:      req.ModelID,
	}
}

func fileName(req Request) string {
	return fmt.Sprintf("%s_%s.takeoff.json", req.ModelID, req.VersionID)
}
