package upgrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/netopslab/fwupgrade/internal/deviceclient"
	"github.com/netopslab/fwupgrade/internal/stage"
	"github.com/netopslab/fwupgrade/internal/storage"
	"go.uber.org/zap"
)

// Orchestrator accepts batch-start and resume requests and drives the
// device runners for one batch to completion.
type Orchestrator struct {
	store    StatusStore
	clients  deviceclient.Factory
	registry *stage.Registry
	logger   *zap.Logger
}

func NewOrchestrator(store StatusStore, clients deviceclient.Factory, registry *stage.Registry, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		clients:  clients,
		registry: registry,
		logger:   logger,
	}
}

// HandleRequest validates and executes one channel request. It returns only
// after every runner of the batch reached a terminal stage; the returned
// error is a validation failure to be acknowledged to the requesting client.
func (o *Orchestrator) HandleRequest(ctx context.Context, payload []byte, bc Broadcaster) error {
	req, err := ParseStartRequest(payload)
	if err != nil {
		return err
	}

	if req.IsResume() {
		return o.resume(ctx, req, bc)
	}
	return o.start(ctx, req, bc)
}

func (o *Orchestrator) start(ctx context.Context, req *StartRequest, bc Broadcaster) error {
	seed := make(Snapshot)
	var runnable []storage.DeviceJob

	for _, group := range req.Groups {
		for _, child := range group.Children {
			job, created, err := o.store.GetOrCreateDeviceJob(ctx, req.JobID, child.IP, storage.JobDefaults{
				GroupName:      group.Parent,
				Name:           child.Name,
				Sequential:     req.Sequence,
				TargetVersion:  req.UpdateVersion,
				CurrentVersion: child.CurrentVersion,
				APIKey:         req.APIKey,
			})
			if err != nil {
				return fmt.Errorf("failed to track device %s: %w", child.IP, err)
			}

			seed.set(job.GroupName, job.IPAddress, DeviceStatus{Status: string(job.Stage), Name: job.Name})

			// A re-submitted device stays in the snapshot but gets no
			// second runner for this request.
			if created {
				runnable = append(runnable, *job)
			} else {
				o.logger.Info("Device already tracked, skipping runner",
					zap.Int64("job_id", req.JobID),
					zap.String("ip", child.IP))
			}
		}
	}

	o.logger.Info("Batch start accepted",
		zap.Int64("job_id", req.JobID),
		zap.Bool("sequential", req.Sequence),
		zap.Int("devices", len(runnable)))

	o.runBatch(ctx, seed, runnable, req.Sequence, bc)
	return nil
}

func (o *Orchestrator) resume(ctx context.Context, req *StartRequest, bc Broadcaster) error {
	jobs, err := o.store.ListByJob(ctx, req.JobID)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", req.JobID, err)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no devices tracked for job %d", req.JobID)
	}

	// Sequential is a per-job property. Rows can only disagree after manual
	// edits; the oldest row wins so replay mode stays deterministic.
	sequential := jobs[0].Sequential
	for _, job := range jobs[1:] {
		if job.Sequential != sequential {
			o.logger.Warn("Devices disagree on sequential flag, using oldest row",
				zap.Int64("job_id", req.JobID),
				zap.String("ip", job.IPAddress))
		}
	}

	seed := make(Snapshot)
	var runnable []storage.DeviceJob
	for _, job := range jobs {
		seed.set(job.GroupName, job.IPAddress, DeviceStatus{Status: string(job.Stage), Name: job.Name})
		if !stage.Terminal(job.Stage) {
			runnable = append(runnable, job)
		}
	}

	o.logger.Info("Batch resume accepted",
		zap.Int64("job_id", req.JobID),
		zap.Bool("sequential", sequential),
		zap.Int("outstanding", len(runnable)))

	o.runBatch(ctx, seed, runnable, sequential, bc)
	return nil
}

// runBatch broadcasts the seeded snapshot, runs every runner to a terminal
// stage under the batch's scheduling policy, then broadcasts the final
// snapshot once all runners are done.
func (o *Orchestrator) runBatch(ctx context.Context, seed Snapshot, jobs []storage.DeviceJob, sequential bool, bc Broadcaster) {
	bc.PushSnapshot(seed.clone())

	b := newBoard(seed, bc)

	if sequential {
		for _, job := range jobs {
			o.newRunner(job).run(ctx, job, b.post)
		}
	} else {
		var wg sync.WaitGroup
		for _, job := range jobs {
			wg.Add(1)
			go func(job storage.DeviceJob) {
				defer wg.Done()
				o.newRunner(job).run(ctx, job, b.post)
			}(job)
		}
		wg.Wait()
	}

	final := b.close()
	bc.PushSnapshot(final.clone())
}

func (o *Orchestrator) newRunner(job storage.DeviceJob) *deviceRunner {
	return &deviceRunner{
		store:    o.store,
		registry: o.registry,
		client:   o.clients.Client(job.IPAddress, job.APIKey),
		logger:   o.logger,
	}
}
