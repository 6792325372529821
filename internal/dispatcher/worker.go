package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/dbexport/internal/adapter/export"
	"github.com/fairyhunter13/dbexport/internal/adapter/observability"
	"github.com/fairyhunter13/dbexport/internal/domain"
)

// runJob drives one admitted job from running to a terminal state: execute
// the query, export the result set, optionally push it over SSH.
func (d *Dispatcher) runJob(ctx domain.Context, job domain.Query, settings domain.UserSettings) {
	log := slog.With(slog.Int64("job_id", job.ID), slog.Int64("user_id", job.UserID))
	started := time.Now()
	defer func() {
		observability.JobDuration.Observe(time.Since(started).Seconds())
	}()

	jctx, cancel := context.WithTimeout(ctx, d.Cfg.QueryTimeout())
	defer cancel()

	secrets := []string{job.DBPassword, settings.SSHPassword, settings.SSHKey, settings.SSHKeyPassphrase}

	format := firstNonEmpty(job.ExportType, settings.ExportType, d.Cfg.DefaultExportType)
	exporter, err := d.Exports.ForFormat(format)
	if err != nil {
		d.fail(job, err, secrets, nil)
		return
	}

	log.Info("job started", slog.String("export_type", format))

	it, err := d.Runner.Run(jctx, domain.DBCredentials{
		Username: job.DBUsername, Password: job.DBPassword, TNS: job.DBTNS,
	}, job.QueryText)
	if err != nil {
		d.fail(job, err, secrets, nil)
		return
	}
	defer it.Close()

	localPath, err := export.SpoolPath(d.Cfg.SpoolDir, job.UserID, job.ID, format)
	if err != nil {
		d.fail(job, err, secrets, nil)
		return
	}

	stats, err := exporter.Export(jctx, it, localPath)
	if err != nil {
		d.fail(job, err, secrets, nil)
		return
	}
	observability.ExportBytes.Observe(float64(stats.ByteSize))

	meta := map[string]any{
		domain.MetaRowCount:    stats.RowCount,
		domain.MetaColumnCount: stats.ColumnCount,
		domain.MetaByteSize:    stats.ByteSize,
		domain.MetaLocalPath:   localPath,
	}
	log.Info("export finished",
		slog.Int64("rows", stats.RowCount), slog.Int64("bytes", stats.ByteSize))

	host := firstNonEmpty(job.SSHHostname, settings.SSHHostname, d.Cfg.DefaultSSHHost)
	if host == "" {
		d.complete(job, meta)
		return
	}

	if err := d.transitionRetry(job.ID, domain.StatusTransferring, domain.TransitionFields{Metadata: meta}); err != nil {
		log.Error("could not mark job transferring", slog.Any("error", err))
		d.fail(job, domain.WrapErr(domain.KindInternal, err), secrets, meta)
		return
	}

	remotePath, err := d.Transfer.Upload(jctx, domain.UploadSpec{
		LocalPath:      localPath,
		Host:           host,
		Port:           settings.SSHPort,
		Username:       firstNonEmpty(settings.SSHUsername, d.Cfg.DefaultSSHUser),
		Password:       firstNonEmpty(settings.SSHPassword, d.Cfg.DefaultSSHPassword),
		PrivateKey:     settings.SSHKey,
		Passphrase:     settings.SSHKeyPassphrase,
		RemoteDir:      firstNonEmpty(job.ExportLocation, settings.ExportLocation, d.Cfg.DefaultExportLocation),
		RemoteFilename: export.Filename(job.ID, job.ExportFilename, format),
	})
	if err != nil {
		observability.TransfersTotal.WithLabelValues("failure").Inc()
		d.fail(job, err, secrets, meta)
		return
	}
	observability.TransfersTotal.WithLabelValues("success").Inc()

	meta[domain.MetaRemotePath] = remotePath
	d.complete(job, meta)
}

// complete writes the terminal completed state.
func (d *Dispatcher) complete(job domain.Query, meta map[string]any) {
	if err := d.transitionRetry(job.ID, domain.StatusCompleted, domain.TransitionFields{Metadata: meta}); err != nil {
		slog.Error("could not mark job completed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.Inc()
	slog.Info("job completed", slog.Int64("job_id", job.ID))
}

// fail classifies the error, redacts credentials and writes the terminal
// failed state. meta carries whatever the job produced before failing, such
// as the spool path of an exported but untransferred file.
func (d *Dispatcher) fail(job domain.Query, jobErr error, secrets []string, meta map[string]any) {
	je := domain.Classify(jobErr)
	msg := domain.Redact(je.Error(), secrets...)

	if err := d.transitionRetry(job.ID, domain.StatusFailed, domain.TransitionFields{
		ErrorMessage: msg,
		Metadata:     meta,
	}); err != nil {
		slog.Error("could not mark job failed", slog.Int64("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsFailedTotal.WithLabelValues(string(je.Kind)).Inc()
	slog.Warn("job failed",
		slog.Int64("job_id", job.ID),
		slog.String("kind", string(je.Kind)),
		slog.String("error", msg))
}

// failJob is the admission-path variant of fail, used before user settings
// are loaded.
func (d *Dispatcher) failJob(_ domain.Context, job domain.Query, jobErr error) {
	d.fail(job, jobErr, []string{job.DBPassword}, nil)
}

// transitionRetry persists a status change with a short retry, detached from
// the job context so terminal states survive shutdown cancellation.
func (d *Dispatcher) transitionRetry(id int64, next domain.JobStatus, fields domain.TransitionFields) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		err := d.Store.Transition(ctx, id, next, fields)
		if err == nil {
			return nil
		}
		// Lifecycle violations will not heal with retries.
		if isPermanentTransitionErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(bo, 2))
}

func isPermanentTransitionErr(err error) bool {
	return errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
