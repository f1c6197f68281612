package storage

import (
	"context"
	"fmt"

	"github.com/netopslab/fwupgrade/internal/stage"
)

// Store is the status store backed by Postgres rows and an S3 artifact
// bucket. It satisfies the orchestrator's StatusStore interface.
type Store struct {
	*PostgresClient
	artifacts *ArtifactStore
}

func NewStore(pg *PostgresClient, artifacts *ArtifactStore) *Store {
	return &Store{PostgresClient: pg, artifacts: artifacts}
}

// SaveBackupArtifact uploads the blob and records its metadata row.
func (s *Store) SaveBackupArtifact(ctx context.Context, jobID int64, ip, name string, content []byte) error {
	key := fmt.Sprintf("%d/%s/%s", jobID, ip, name)

	if s.artifacts != nil {
		if err := s.artifacts.Upload(ctx, key, content); err != nil {
			return err
		}
	}

	return s.insertArtifactMeta(ctx, jobID, ip, name, key, int64(len(content)))
}

// ResetStage is the operator escape hatch for a device stuck at error: it
// rewrites the stored stage so a later batch-start resumes from there.
func (s *Store) ResetStage(ctx context.Context, jobID int64, ip string, to stage.Stage) error {
	if !stage.Valid(to) {
		return fmt.Errorf("unknown stage %q", to)
	}
	return s.UpdateStage(ctx, jobID, ip, to)
}
