package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/netopslab/fwupgrade/internal/stage"
)

// DeviceJob is one row per (job id, device ip) pair. Stage always reflects
// the last successfully completed stage, except when set to error.
type DeviceJob struct {
	ID             uuid.UUID   `json:"id"`
	JobID          int64       `json:"job_id"`
	GroupName      string      `json:"group_name"`
	IPAddress      string      `json:"ip_address"`
	Name           string      `json:"name"`
	Stage          stage.Stage `json:"stage"`
	Sequential     bool        `json:"sequential"`
	TargetVersion  string      `json:"target_version"`
	CurrentVersion string      `json:"current_version"`
	APIKey         string      `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// StageLogEntry is an append-only narration record for one device.
type StageLogEntry struct {
	ID        uuid.UUID `json:"id"`
	JobID     int64     `json:"job_id"`
	IPAddress string    `json:"ip_address"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupArtifact is the metadata row for one exported blob. The content
// itself lives in the artifact bucket under ObjectKey.
type BackupArtifact struct {
	ID        uuid.UUID `json:"id"`
	JobID     int64     `json:"job_id"`
	IPAddress string    `json:"ip_address"`
	Name      string    `json:"name"`
	ObjectKey string    `json:"object_key"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}
