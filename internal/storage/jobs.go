package storage

import (
	"context"
	"fmt"

	"github.com/netopslab/fwupgrade/internal/stage"
)

const deviceJobColumns = `
	id, job_id, group_name, ip_address, name, stage, sequential,
	target_version, current_version, api_key, created_at, updated_at`

// JobDefaults seeds a DeviceJob row on first sight of a device.
type JobDefaults struct {
	GroupName      string
	Name           string
	Sequential     bool
	TargetVersion  string
	CurrentVersion string
	APIKey         string
}

// GetOrCreateDeviceJob fetches the row for (jobID, ip), inserting it at
// stage waiting when absent. The bool reports whether a row was created.
func (p *PostgresClient) GetOrCreateDeviceJob(ctx context.Context, jobID int64, ip string, defaults JobDefaults) (*DeviceJob, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO device_jobs
			(job_id, ip_address, group_name, name, stage, sequential,
			 target_version, current_version, api_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, ip_address) DO NOTHING
	`, jobID, ip, defaults.GroupName, defaults.Name, stage.StageWaiting,
		defaults.Sequential, defaults.TargetVersion, defaults.CurrentVersion,
		defaults.APIKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert device job: %w", err)
	}
	created := tag.RowsAffected() > 0

	var job DeviceJob
	err = tx.QueryRow(ctx, `
		SELECT `+deviceJobColumns+`
		FROM device_jobs
		WHERE job_id = $1 AND ip_address = $2
	`, jobID, ip).Scan(
		&job.ID, &job.JobID, &job.GroupName, &job.IPAddress, &job.Name,
		&job.Stage, &job.Sequential, &job.TargetVersion, &job.CurrentVersion,
		&job.APIKey, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load device job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &job, created, nil
}

// UpdateStage persists a stage transition and bumps updated_at.
func (p *PostgresClient) UpdateStage(ctx context.Context, jobID int64, ip string, s stage.Stage) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE device_jobs
		SET stage = $3, updated_at = NOW()
		WHERE job_id = $1 AND ip_address = $2
	`, jobID, ip, s)
	if err != nil {
		return fmt.Errorf("failed to update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device job not found: job %d ip %s", jobID, ip)
	}
	return nil
}

// AppendLog writes one append-only narration entry.
func (p *PostgresClient) AppendLog(ctx context.Context, jobID int64, ip, message string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO stage_logs (job_id, ip_address, message)
		VALUES ($1, $2, $3)
	`, jobID, ip, message)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListByJob returns every device row for one job, oldest first.
func (p *PostgresClient) ListByJob(ctx context.Context, jobID int64) ([]DeviceJob, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+deviceJobColumns+`
		FROM device_jobs
		WHERE job_id = $1
		ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]DeviceJob, 0)
	for rows.Next() {
		var job DeviceJob
		err := rows.Scan(
			&job.ID, &job.JobID, &job.GroupName, &job.IPAddress, &job.Name,
			&job.Stage, &job.Sequential, &job.TargetVersion, &job.CurrentVersion,
			&job.APIKey, &job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// ListLogs returns the stage log for one device, oldest first.
func (p *PostgresClient) ListLogs(ctx context.Context, jobID int64, ip string) ([]StageLogEntry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, job_id, ip_address, message, created_at
		FROM stage_logs
		WHERE job_id = $1 AND ip_address = $2
		ORDER BY created_at
	`, jobID, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage logs: %w", err)
	}
	defer rows.Close()

	entries := make([]StageLogEntry, 0)
	for rows.Next() {
		var e StageLogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.IPAddress, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage log: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// insertArtifactMeta records the metadata row for an uploaded backup blob.
func (p *PostgresClient) insertArtifactMeta(ctx context.Context, jobID int64, ip, name, objectKey string, size int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO backup_artifacts (job_id, ip_address, name, object_key, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, ip_address, name) DO NOTHING
	`, jobID, ip, name, objectKey, size)
	if err != nil {
		return fmt.Errorf("failed to insert artifact metadata: %w", err)
	}
	return nil
}
