// Package pipeline orchestrates one end-to-end lab-results run: token
// acquisition, bulk export kick-off and polling, NDJSON ingestion with
// patient correlation, classification, report rendering, and delivery.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labwatch/labwatch/internal/domain/results"
	"github.com/labwatch/labwatch/internal/platform/auth"
	"github.com/labwatch/labwatch/internal/platform/bulk"
	"github.com/labwatch/labwatch/internal/platform/notification"
)

// TokenSource issues the bearer credential for a run.
type TokenSource interface {
	Token(ctx context.Context) (*auth.Token, error)
}

// ExportClient is the per-run bulk export surface the runner drives.
// *bulk.Client implements it.
type ExportClient interface {
	Kickoff(ctx context.Context, groupID string, resourceTypes []string, typeFilters string) (*bulk.Job, error)
	Await(ctx context.Context, job *bulk.Job) (*bulk.Manifest, error)
	StreamResourceType(ctx context.Context, manifest *bulk.Manifest, resourceType string, sink bulk.Sink) (bulk.StreamResult, error)
}

// ExportClientFactory builds an ExportClient bound to one run's token.
type ExportClientFactory func(accessToken string) ExportClient

// Options configures a Runner. ReportSubject is the subject base; each
// delivery appends the run's start date so long-lived processes never email
// a stale one.
type Options struct {
	GroupID           string
	ObservationFilter string
	ReportSubject     string
}

// Runner executes pipeline runs. It is safe to invoke repeatedly; every run
// builds fresh credential, job, and correlation state, and discards them at
// the end.
type Runner struct {
	opts      Options
	tokens    TokenSource
	newExport ExportClientFactory
	notifier  *notification.ReportNotifier
	store     RunStore
	logger    zerolog.Logger
}

// NewRunner constructs a Runner.
func NewRunner(opts Options, tokens TokenSource, newExport ExportClientFactory, notifier *notification.ReportNotifier, store RunStore, logger zerolog.Logger) *Runner {
	if opts.ReportSubject == "" {
		opts.ReportSubject = "Lab Results Report"
	}
	return &Runner{
		opts:      opts,
		tokens:    tokens,
		newExport: newExport,
		notifier:  notifier,
		store:     store,
		logger:    logger,
	}
}

// Run executes one pipeline pass. A failure before any data is ingested
// (auth, kick-off, polling) aborts the run with no report. Per-file stream
// failures degrade the run to a best-effort report instead of aborting.
func (r *Runner) Run(ctx context.Context) (*Run, error) {
	run := &Run{
		ID:        uuid.New(),
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := r.store.Create(ctx, run); err != nil {
		r.logger.Error().Err(err).Msg("failed to record run start")
	}

	r.logger.Info().Str("run", run.ID.String()).Str("group", r.opts.GroupID).Msg("pipeline run started")

	report, err := r.execute(ctx, run)
	if err != nil {
		r.finish(ctx, run, StatusFailed, err)
		return run, err
	}

	subject := r.opts.ReportSubject + " " + run.StartedAt.Format("2006-01-02")
	if err := r.notifier.Deliver(ctx, subject, report); err == nil {
		run.Delivered = true
	}

	status := StatusCompleted
	if run.FailedFiles > 0 {
		status = StatusDegraded
	}
	r.finish(ctx, run, status, nil)
	return run, nil
}

// execute performs the export and classification and returns the rendered
// report. run counters are filled in as phases complete.
func (r *Runner) execute(ctx context.Context, run *Run) (string, error) {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}

	client := r.newExport(token.AccessToken)

	job, err := client.Kickoff(ctx, r.opts.GroupID, []string{"Patient", "Observation"}, r.opts.ObservationFilter)
	if err != nil {
		return "", fmt.Errorf("kick off export: %w", err)
	}

	manifest, err := client.Await(ctx, job)
	if err != nil {
		return "", fmt.Errorf("await export: %w", err)
	}

	// Phase one: the patient pass fully drains before any observation is
	// resolved, so correlation never races a partially built registry.
	registry := results.NewPatientRegistry()
	patRes, err := client.StreamResourceType(ctx, manifest, "Patient", func(record json.RawMessage) {
		patient, err := results.ParsePatient(record)
		if err != nil {
			r.logger.Warn().Err(err).Msg("skipping unparseable patient record")
			return
		}
		registry.Add(patient)
	})
	if err != nil {
		return "", fmt.Errorf("stream patients: %w", err)
	}

	// Phase two: observations resolve against the complete registry and are
	// classified as they arrive.
	builder := results.NewBuilder()
	obsRes, err := client.StreamResourceType(ctx, manifest, "Observation", func(record json.RawMessage) {
		obs, err := results.ParseObservation(record)
		if err != nil {
			r.logger.Warn().Err(err).Msg("skipping unparseable observation record")
			return
		}
		patient, _ := registry.Get(obs.SubjectID)
		builder.Record(results.Entry{
			Observation: obs,
			Patient:     patient,
			Verdict:     results.Classify(obs),
		})
	})
	if err != nil {
		return "", fmt.Errorf("stream observations: %w", err)
	}

	run.Patients = registry.Len()
	run.Observations = obsRes.Records
	run.Abnormal = builder.AbnormalCount()
	run.Normal = builder.NormalCount()
	run.FailedFiles = patRes.FailedFiles + obsRes.FailedFiles

	return builder.Render(), nil
}

func (r *Runner) finish(ctx context.Context, run *Run, status string, cause error) {
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	if cause != nil {
		run.Error = cause.Error()
	}

	// The run record must survive cancellation of the run itself.
	if err := r.store.Update(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Error().Err(err).Str("run", run.ID.String()).Msg("failed to record run result")
	}

	evt := r.logger.Info()
	if cause != nil {
		evt = r.logger.Error().Err(cause)
	}
	evt.
		Str("run", run.ID.String()).
		Str("status", status).
		Int("patients", run.Patients).
		Int("observations", run.Observations).
		Int("abnormal", run.Abnormal).
		Int("failed_files", run.FailedFiles).
		Dur("elapsed", now.Sub(run.StartedAt)).
		Msg("pipeline run finished")
}
