package upgrade

import (
	"context"

	"github.com/netopslab/fwupgrade/internal/stage"
	"github.com/netopslab/fwupgrade/internal/storage"
)

// StatusStore persists upgrade progress. Implemented by storage.Store and
// faked in tests.
type StatusStore interface {
	GetOrCreateDeviceJob(ctx context.Context, jobID int64, ip string, defaults storage.JobDefaults) (*storage.DeviceJob, bool, error)
	UpdateStage(ctx context.Context, jobID int64, ip string, s stage.Stage) error
	AppendLog(ctx context.Context, jobID int64, ip, message string) error
	SaveBackupArtifact(ctx context.Context, jobID int64, ip, name string, content []byte) error
	ListByJob(ctx context.Context, jobID int64) ([]storage.DeviceJob, error)
}
