// Package usecase contains the application services sitting between the
// ingress surfaces and the store.
package usecase

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// QueryService exposes the job lifecycle operations: submit, inspect, rerun
// and delete. Capacity and status transitions stay in the store and the
// dispatcher; this layer validates input and shapes errors.
type QueryService struct {
	store    domain.JobStore
	validate *validator.Validate

	// DefaultExportType fills the spec when the caller leaves it empty.
	DefaultExportType string
}

// NewQueryService constructs a QueryService.
func NewQueryService(store domain.JobStore, defaultExportType string) *QueryService {
	return &QueryService{
		store:             store,
		validate:          validator.New(),
		DefaultExportType: defaultExportType,
	}
}

// Enqueue validates the spec and inserts a new pending job.
func (s *QueryService) Enqueue(ctx domain.Context, spec domain.QuerySpec) (int64, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "queries.Enqueue")
	defer span.End()

	if spec.ExportType == "" {
		spec.ExportType = s.DefaultExportType
	}
	if err := s.validate.Struct(spec); err != nil {
		return 0, fmt.Errorf("op=enqueue: %s: %w",
			domain.Errf(domain.KindValidation, "%v", err), domain.ErrInvalidArgument)
	}
	id, err := s.store.Enqueue(ctx, spec)
	if err != nil {
		return 0, fmt.Errorf("op=enqueue: %w", err)
	}
	return id, nil
}

// Get loads one job. The stored database password is blanked before the job
// leaves this layer.
func (s *QueryService) Get(ctx domain.Context, id int64) (domain.Query, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Query{}, fmt.Errorf("op=get: %w", err)
	}
	job.DBPassword = ""
	return job, nil
}

// List returns jobs matching the filter, passwords blanked.
func (s *QueryService) List(ctx domain.Context, f domain.ListFilter) ([]domain.Query, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("op=list: status %q: %w", f.Status, domain.ErrInvalidArgument)
	}
	jobs, err := s.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("op=list: %w", err)
	}
	for i := range jobs {
		jobs[i].DBPassword = ""
	}
	return jobs, nil
}

// Delete removes a job that is not currently owned by a worker.
func (s *QueryService) Delete(ctx domain.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=delete: %w", err)
	}
	return nil
}

// Rerun returns a terminal job to pending for a fresh dispatch.
func (s *QueryService) Rerun(ctx domain.Context, id int64) error {
	if err := s.store.MarkRerun(ctx, id); err != nil {
		return fmt.Errorf("op=rerun: %w", err)
	}
	return nil
}

// Counts returns the per-status snapshot.
func (s *QueryService) Counts(ctx domain.Context) (domain.StatusCounts, error) {
	counts, err := s.store.CurrentCounts(ctx)
	if err != nil {
		return domain.StatusCounts{}, fmt.Errorf("op=counts: %w", err)
	}
	return counts, nil
}
