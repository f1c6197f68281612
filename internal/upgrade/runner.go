package upgrade

import (
	"context"
	"fmt"

	"github.com/netopslab/fwupgrade/internal/deviceclient"
	"github.com/netopslab/fwupgrade/internal/stage"
	"github.com/netopslab/fwupgrade/internal/storage"
	"go.uber.org/zap"
)

// deviceRunner drives one device through its remaining stage sequence. A
// stage failure halts this runner only; batch siblings keep going.
type deviceRunner struct {
	store    StatusStore
	registry *stage.Registry
	client   deviceclient.Client
	logger   *zap.Logger
}

// run executes the stages left for job, persisting each transition only
// after its executor succeeded and posting every transition to the board.
func (r *deviceRunner) run(ctx context.Context, job storage.DeviceJob, post func(Transition)) {
	remaining := stage.Remaining(job.Stage)
	if len(remaining) == 0 {
		return
	}

	stageJob := stage.Job{
		JobID:          job.JobID,
		IPAddress:      job.IPAddress,
		Name:           job.Name,
		TargetVersion:  job.TargetVersion,
		CurrentVersion: job.CurrentVersion,
	}

	r.logger.Info("Device runner started",
		zap.Int64("job_id", job.JobID),
		zap.String("ip", job.IPAddress),
		zap.String("from_stage", string(job.Stage)),
		zap.Int("remaining_stages", len(remaining)))

	for _, s := range remaining {
		if err := r.registry.Run(ctx, r.client, s, stageJob); err != nil {
			r.fail(ctx, job, s, err, post)
			return
		}

		if err := r.store.UpdateStage(ctx, job.JobID, job.IPAddress, s); err != nil {
			r.fail(ctx, job, s, fmt.Errorf("failed to persist stage: %w", err), post)
			return
		}

		post(Transition{Group: job.GroupName, IP: job.IPAddress, Name: job.Name, Stage: s})
	}

	r.logger.Info("Device runner finished",
		zap.Int64("job_id", job.JobID),
		zap.String("ip", job.IPAddress))
}

func (r *deviceRunner) fail(ctx context.Context, job storage.DeviceJob, s stage.Stage, cause error, post func(Transition)) {
	r.logger.Error("Device upgrade halted",
		zap.Int64("job_id", job.JobID),
		zap.String("ip", job.IPAddress),
		zap.String("stage", string(s)),
		zap.Error(cause))

	if err := r.store.AppendLog(ctx, job.JobID, job.IPAddress,
		fmt.Sprintf("upgrade halted at stage %s: %v", s, cause)); err != nil {
		r.logger.Warn("Failed to append halt log", zap.Error(err))
	}

	if err := r.store.UpdateStage(ctx, job.JobID, job.IPAddress, stage.StageError); err != nil {
		r.logger.Error("Failed to persist error stage",
			zap.Int64("job_id", job.JobID),
			zap.String("ip", job.IPAddress),
			zap.Error(err))
	}

	post(Transition{Group: job.GroupName, IP: job.IPAddress, Name: job.Name, Stage: stage.StageError})
}
