/*
Package archive mirrors settled matches into S3-compatible object storage.

It decorates a Recorder: inserts still go to the primary store, and a JSON
snapshot of each match is uploaded in the background. Archival is best-effort;
an upload failure is logged and never surfaces to the game layer.
*/
package archive

import (
	"context"
	"time"

	"triviad/internal/app/game"
)

// ServiceConfig holds the configuration required to connect to the object store.
type ServiceConfig struct {
	S3BucketName      string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// uploadTimeout bounds a single background archive upload.
const uploadTimeout = 10 * time.Second

// Archiver wraps a Recorder with match snapshot uploads.
type Archiver struct {
	inner  game.Recorder
	client *s3Client
}

// New builds an Archiver around the given Recorder. If cfg is empty the
// returned Recorder is the inner one unchanged, so callers wire the same way
// whether archival is configured or not.
func New(inner game.Recorder, cfg ServiceConfig) (game.Recorder, error) {
	if cfg.S3BucketName == "" {
		return inner, nil
	}

	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}

	return &Archiver{inner: inner, client: client}, nil
}

// RecordMatch records the match through the primary store and then uploads
// a snapshot asynchronously.
func (a *Archiver) RecordMatch(ctx context.Context, gameType string, questionIDs, users []string, scores map[string]int) error {
	if err := a.inner.RecordMatch(ctx, gameType, questionIDs, users, scores); err != nil {
		return err
	}

	go func() {
		uploadCtx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		a.client.putMatch(uploadCtx, gameType, questionIDs, users, scores)
	}()

	return nil
}

// SyncOnLogin delegates to the primary store.
func (a *Archiver) SyncOnLogin(ctx context.Context, uid, clientSyncToken string) (map[string]any, error) {
	return a.inner.SyncOnLogin(ctx, uid, clientSyncToken)
}
