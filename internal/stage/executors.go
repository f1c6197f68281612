package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/netopslab/fwupgrade/internal/deviceclient"
	"go.uber.org/zap"
)

// Job carries the per-device parameters an executor needs.
type Job struct {
	JobID          int64
	IPAddress      string
	Name           string
	TargetVersion  string
	CurrentVersion string
}

// Recorder persists the observational side effects of a stage: narration
// log entries and exported backup blobs.
type Recorder interface {
	AppendLog(ctx context.Context, jobID int64, ip, message string) error
	SaveBackupArtifact(ctx context.Context, jobID int64, ip, name string, content []byte) error
}

// Executor implements the remote behavior of one stage.
type Executor interface {
	Execute(ctx context.Context, client deviceclient.Client, job Job) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, client deviceclient.Client, job Job) error

func (f ExecutorFunc) Execute(ctx context.Context, client deviceclient.Client, job Job) error {
	return f(ctx, client, job)
}

// PollConfig bounds the waits on long-running remote operations.
type PollConfig struct {
	Interval time.Duration
	Attempts int
}

// Registry maps each stage to its executor. Dispatch is a table lookup;
// unknown stages have no executor and cannot be scheduled.
type Registry struct {
	executors map[Stage]Executor
	recorder  Recorder
	poll      PollConfig
	logger    *zap.Logger
}

func NewRegistry(recorder Recorder, poll PollConfig, logger *zap.Logger) *Registry {
	r := &Registry{
		recorder: recorder,
		poll:     poll,
		logger:   logger,
	}

	r.executors = map[Stage]Executor{
		StageSolarWindMute:   ExecutorFunc(r.executeMute),
		StageBackup:          ExecutorFunc(r.executeBackup),
		StageCleanup:         ExecutorFunc(r.executeCleanup),
		StageDownload:        ExecutorFunc(r.executeDownload),
		StageInstall:         ExecutorFunc(r.executeInstall),
		StageReboot:          ExecutorFunc(r.executeReboot),
		StageLogin:           ExecutorFunc(r.executeLogin),
		StageSolarWindUnmute: ExecutorFunc(r.executeUnmute),
		StageUpdated:         ExecutorFunc(r.executeUpdated),
	}
	return r
}

// Run executes the stage s for job and narrates start and outcome. The
// returned error is nil exactly when the stage completed successfully.
func (r *Registry) Run(ctx context.Context, client deviceclient.Client, s Stage, job Job) error {
	exec, ok := r.executors[s]
	if !ok {
		return fmt.Errorf("no executor for stage %q", s)
	}

	r.narrate(ctx, job, fmt.Sprintf("stage %s started", s))

	err := exec.Execute(ctx, client, job)
	if err != nil {
		r.narrate(ctx, job, fmt.Sprintf("stage %s failed: %v", s, err))
		return err
	}

	r.narrate(ctx, job, fmt.Sprintf("stage %s completed", s))
	return nil
}

func (r *Registry) narrate(ctx context.Context, job Job, message string) {
	if err := r.recorder.AppendLog(ctx, job.JobID, job.IPAddress, message); err != nil {
		r.logger.Warn("Failed to append stage log",
			zap.Int64("job_id", job.JobID),
			zap.String("ip", job.IPAddress),
			zap.Error(err))
	}
}

// pollUntil checks the remote state at the configured interval until check
// reports true or the attempt budget runs out. A transport error counts as
// one failed attempt, never as a crash.
func (r *Registry) pollUntil(ctx context.Context, job Job, what string, check func(ctx context.Context) (bool, error)) error {
	for attempt := 1; attempt <= r.poll.Attempts; attempt++ {
		done, err := check(ctx)
		if err != nil {
			r.logger.Warn("Poll attempt failed",
				zap.String("ip", job.IPAddress),
				zap.String("waiting_for", what),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else if done {
			return nil
		}

		if attempt == r.poll.Attempts {
			break
		}

		select {
		case <-time.After(r.poll.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("gave up waiting for %s after %d attempts", what, r.poll.Attempts)
}

func (r *Registry) executeMute(ctx context.Context, client deviceclient.Client, job Job) error {
	return client.MuteMonitoring(ctx)
}

func (r *Registry) executeUnmute(ctx context.Context, client deviceclient.Client, job Job) error {
	return client.UnmuteMonitoring(ctx)
}

func (r *Registry) executeBackup(ctx context.Context, client deviceclient.Client, job Job) error {
	config, err := client.ExportConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("configuration export failed: %w", err)
	}
	if err := r.recorder.SaveBackupArtifact(ctx, job.JobID, job.IPAddress, "running-config.xml", config); err != nil {
		return fmt.Errorf("failed to store configuration backup: %w", err)
	}

	state, err := client.ExportDeviceState(ctx)
	if err != nil {
		return fmt.Errorf("device-state export failed: %w", err)
	}
	if err := r.recorder.SaveBackupArtifact(ctx, job.JobID, job.IPAddress, "device-state.tgz", state); err != nil {
		return fmt.Errorf("failed to store device-state backup: %w", err)
	}

	return nil
}

func (r *Registry) executeCleanup(ctx context.Context, client deviceclient.Client, job Job) error {
	return client.CleanupOldImages(ctx, job.TargetVersion)
}

func (r *Registry) executeDownload(ctx context.Context, client deviceclient.Client, job Job) error {
	if err := client.DownloadVersion(ctx, job.TargetVersion); err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}

	return r.pollUntil(ctx, job, fmt.Sprintf("download of %s", job.TargetVersion), func(ctx context.Context) (bool, error) {
		inv, err := client.CheckSoftwareInventory(ctx)
		if err != nil {
			return false, err
		}
		img, ok := inv.Image(job.TargetVersion)
		return ok && img.Downloaded, nil
	})
}

func (r *Registry) executeInstall(ctx context.Context, client deviceclient.Client, job Job) error {
	if err := client.InstallVersion(ctx, job.TargetVersion); err != nil {
		return fmt.Errorf("install request failed: %w", err)
	}

	return r.pollUntil(ctx, job, fmt.Sprintf("install of %s", job.TargetVersion), func(ctx context.Context) (bool, error) {
		inv, err := client.CheckSoftwareInventory(ctx)
		if err != nil {
			return false, err
		}
		img, ok := inv.Image(job.TargetVersion)
		return ok && img.Installed, nil
	})
}

func (r *Registry) executeReboot(ctx context.Context, client deviceclient.Client, job Job) error {
	if err := client.Reboot(ctx); err != nil {
		return fmt.Errorf("reboot request failed: %w", err)
	}

	// The device drops off the network while booting; transport errors here
	// are expected and burn poll attempts until the API answers again.
	return r.pollUntil(ctx, job, fmt.Sprintf("reboot into %s", job.TargetVersion), func(ctx context.Context) (bool, error) {
		version, err := client.CurrentSoftwareVersion(ctx)
		if err != nil {
			return false, err
		}
		return version == job.TargetVersion, nil
	})
}

func (r *Registry) executeLogin(ctx context.Context, client deviceclient.Client, job Job) error {
	version, err := client.CurrentSoftwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("login check failed: %w", err)
	}
	if version != job.TargetVersion {
		return fmt.Errorf("device runs %s, expected %s: %w", version, job.TargetVersion, deviceclient.ErrUnexpectedState)
	}
	return nil
}

func (r *Registry) executeUpdated(ctx context.Context, client deviceclient.Client, job Job) error {
	version, err := client.CurrentSoftwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("final version check failed: %w", err)
	}
	if version != job.TargetVersion {
		return fmt.Errorf("device runs %s, expected %s: %w", version, job.TargetVersion, deviceclient.ErrUnexpectedState)
	}

	r.narrate(ctx, job, fmt.Sprintf("device updated to %s", version))
	return nil
}
