package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/dbexport/internal/domain"
)

// SettingsRepo reads user settings. Users without a settings row fall back
// to the injected defaults, so the dispatcher can always materialize a job's
// effective configuration.
type SettingsRepo struct {
	Pool PgxPool

	// Defaults applied when a user has no settings row or leaves a field
	// empty.
	DefaultMaxParallel    int
	DefaultExportType     string
	DefaultExportLocation string
	DefaultSSHPort        int
}

// NewSettingsRepo constructs a SettingsRepo with the given pool and defaults.
func NewSettingsRepo(p PgxPool, maxParallel int, exportType, exportLocation string, sshPort int) *SettingsRepo {
	return &SettingsRepo{
		Pool:                  p,
		DefaultMaxParallel:    maxParallel,
		DefaultExportType:     exportType,
		DefaultExportLocation: exportLocation,
		DefaultSSHPort:        sshPort,
	}
}

// GetForUser loads the settings row for a user, applying defaults to any
// absent fields. A missing row is not an error.
func (r *SettingsRepo) GetForUser(ctx domain.Context, userID int64) (domain.UserSettings, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.GetForUser")
	defer span.End()

	s := domain.UserSettings{
		UserID:             userID,
		MaxParallelQueries: r.DefaultMaxParallel,
		ExportType:         r.DefaultExportType,
		ExportLocation:     r.DefaultExportLocation,
		SSHPort:            r.DefaultSSHPort,
	}

	q := `SELECT COALESCE(export_location,''), COALESCE(export_type,''),
		COALESCE(max_parallel_queries, 0), COALESCE(ssh_hostname,''),
		COALESCE(ssh_port, 0), COALESCE(ssh_username,''), COALESCE(ssh_password,''),
		COALESCE(ssh_key,''), COALESCE(ssh_key_passphrase,'')
		FROM user_settings WHERE user_id=$1`
	var (
		exportLocation, exportType                  string
		maxParallel, sshPort                        int
		sshHost, sshUser, sshPass, sshKey, sshKeyPP string
	)
	err := r.Pool.QueryRow(ctx, q, userID).Scan(
		&exportLocation, &exportType, &maxParallel, &sshHost,
		&sshPort, &sshUser, &sshPass, &sshKey, &sshKeyPP,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s, nil
		}
		return domain.UserSettings{}, fmt.Errorf("op=settings.get: %w", err)
	}

	if exportLocation != "" {
		s.ExportLocation = exportLocation
	}
	if exportType != "" {
		s.ExportType = exportType
	}
	if maxParallel > 0 {
		s.MaxParallelQueries = maxParallel
	}
	if sshPort > 0 {
		s.SSHPort = sshPort
	}
	s.SSHHostname = sshHost
	s.SSHUsername = sshUser
	s.SSHPassword = sshPass
	s.SSHKey = sshKey
	s.SSHKeyPassphrase = sshKeyPP
	return s, nil
}
