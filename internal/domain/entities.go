// Package domain holds the core entities, the job lifecycle state machine,
// the failure taxonomy and the ports implemented by the adapters.
package domain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across adapters and usecases.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrNoClaimableJob    = errors.New("no claimable job")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInternal          = errors.New("internal error")
)

// JobStatus enumerates the persisted query lifecycle states. The six-value
// form is mandatory: the worker must distinguish the pre- and post-export
// phases for recovery and status readers.
type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusQueued       JobStatus = "queued"
	StatusRunning      JobStatus = "running"
	StatusTransferring JobStatus = "transferring"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
)

// transitions is the legal status DAG. Rerun is not a transition: it is an
// explicit store operation that re-enters at pending from a terminal state.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:      {StatusQueued},
	StatusQueued:       {StatusRunning, StatusFailed},
	StatusRunning:      {StatusTransferring, StatusCompleted, StatusFailed},
	StatusTransferring: {StatusCompleted, StatusFailed},
}

// Valid reports whether s is one of the six known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusTransferring, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is a legal edge of the DAG.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Export formats accepted for a query.
const (
	ExportCSV     = "csv"
	ExportExcel   = "excel"
	ExportJSON    = "json"
	ExportFeather = "feather"
)

// ValidExportType reports whether t names a supported export format.
func ValidExportType(t string) bool {
	switch t {
	case ExportCSV, ExportExcel, ExportJSON, ExportFeather:
		return true
	}
	return false
}

// Result metadata keys persisted on completion.
const (
	MetaRowCount    = "row_count"
	MetaColumnCount = "column_count"
	MetaByteSize    = "byte_size"
	MetaLocalPath   = "local_path"
	MetaRemotePath  = "remote_path"
)

// Query is one submitted unit of work: a row in the queries table.
type Query struct {
	ID             int64
	UserID         int64
	DBUsername     string
	DBPassword     string
	DBTNS          string
	QueryText      string
	Status         JobStatus
	ExportLocation string
	ExportType     string
	ExportFilename string
	SSHHostname    string
	ClaimedBy      string
	ErrorMessage   string
	ResultMetadata map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// QuerySpec is the validated ingress payload for Enqueue.
type QuerySpec struct {
	UserID         int64  `validate:"required,gt=0"`
	DBUsername     string `validate:"required"`
	DBPassword     string `validate:"required"`
	DBTNS          string `validate:"required"`
	QueryText      string `validate:"required"`
	ExportType     string `validate:"omitempty,oneof=csv excel json feather"`
	ExportLocation string
	ExportFilename string
	SSHHostname    string
}

// UserSettings holds per-user defaults read through by the dispatcher when
// materializing a job's effective configuration.
type UserSettings struct {
	UserID             int64
	ExportLocation     string
	ExportType         string
	MaxParallelQueries int
	SSHHostname        string
	SSHPort            int
	SSHUsername        string
	SSHPassword        string
	SSHKey             string
	SSHKeyPassphrase   string
}

// StatusCounts is the per-status row count snapshot served to status readers.
type StatusCounts struct {
	Pending      int64 `json:"pending"`
	Queued       int64 `json:"queued"`
	Running      int64 `json:"running"`
	Transferring int64 `json:"transferring"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
}

// ClaimLimits bounds what ClaimNext may admit.
type ClaimLimits struct {
	// Generation identifies the live dispatcher process; stamped on claim.
	Generation string
	// GlobalCap bounds rows in {running, transferring} across all users.
	GlobalCap int
	// DefaultUserCap applies to users without explicit settings.
	DefaultUserCap int
}

// TransitionFields carries the optional column updates of a transition.
type TransitionFields struct {
	ErrorMessage string
	Metadata     map[string]any
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	UserID int64
	Status JobStatus
	Limit  int
	Offset int
}

// JobStore owns the persistent lifecycle record. All status writes are
// single-row updates; ClaimNext is the only cross-row capacity decision.
type JobStore interface {
	Enqueue(ctx context.Context, spec QuerySpec) (int64, error)
	ClaimNext(ctx context.Context, limits ClaimLimits) (Query, error)
	Transition(ctx context.Context, id int64, next JobStatus, fields TransitionFields) error
	Get(ctx context.Context, id int64) (Query, error)
	List(ctx context.Context, f ListFilter) ([]Query, error)
	Delete(ctx context.Context, id int64) error
	MarkRerun(ctx context.Context, id int64) error
	ReclaimStale(ctx context.Context, generation string, olderThan time.Duration) ([]int64, error)
	CurrentCounts(ctx context.Context) (StatusCounts, error)
}

// SettingsStore resolves a user's settings, falling back to defaults.
type SettingsStore interface {
	GetForUser(ctx context.Context, userID int64) (UserSettings, error)
}

// DBCredentials identify the target database of a query.
type DBCredentials struct {
	Username string
	Password string
	TNS      string
}

// RowIterator streams a result set in column order. Next returns io.EOF
// after the last row. Close is safe to call more than once.
type RowIterator interface {
	Columns() []string
	Next() ([]any, error)
	Close() error
}

// QueryRunner opens one connection to the target database, executes the SQL
// and streams the result set. Connection teardown is guaranteed on every
// exit path, including cancellation.
type QueryRunner interface {
	Run(ctx context.Context, creds DBCredentials, sqlText string) (RowIterator, error)
}

// ExportStats describes a finalized export file.
type ExportStats struct {
	RowCount    int64
	ColumnCount int64
	ByteSize    int64
}

// Exporter serializes a row iterator to a local file. Partial files are
// removed on any failure exit path.
type Exporter interface {
	Export(ctx context.Context, it RowIterator, path string) (ExportStats, error)
}

// UploadSpec describes one transfer to the job's SSH target.
type UploadSpec struct {
	LocalPath      string
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKey     string
	Passphrase     string
	RemoteDir      string
	RemoteFilename string
}

// TransferAgent pushes an exported file to a remote host and returns the
// final remote absolute path. Idempotent on retry: an existing remote file
// is overwritten.
type TransferAgent interface {
	Upload(ctx context.Context, spec UploadSpec) (string, error)
}

// Context is an alias so adapters can reference the domain without importing
// std context twice; adapters pass context.Context through unchanged.
type Context = context.Context
