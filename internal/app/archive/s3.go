package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"triviad/internal/pkg/logx"
)

// s3Client handles interactions with S3-compatible storage.
type s3Client struct {
	cfg      ServiceConfig
	s3Client *s3.Client
	uploader *manager.Uploader
}

// newS3Client initializes the S3 client using a custom configuration that supports S3-compatible endpoints.
func newS3Client(cfg ServiceConfig) (*s3Client, error) {
	sdkCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKeyID,
			cfg.S3SecretAccessKey,
			"",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		logx.Error(err, "Failed to load AWS SDK config")
		return nil, errors.New("failed to initialize S3 client configuration")
	}

	client := s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		o.UsePathStyle = true
	})

	return &s3Client{
		cfg:      cfg,
		s3Client: client,
		uploader: manager.NewUploader(client),
	}, nil
}

// matchSnapshot is the archived representation of one settled match.
type matchSnapshot struct {
	GameType     string         `json:"gameType"`
	QuestionIDs  []string       `json:"questionIds"`
	Participants []string       `json:"participants"`
	Scores       map[string]int `json:"scores"`
	SettledAt    time.Time      `json:"settledAt"`
}

// putMatch uploads a JSON snapshot of a settled match. Failures are logged
// only; the primary record already exists in the database.
func (c *s3Client) putMatch(ctx context.Context, gameType string, questionIDs, users []string, scores map[string]int) {
	snap := matchSnapshot{
		GameType:     gameType,
		QuestionIDs:  questionIDs,
		Participants: users,
		Scores:       scores,
		SettledAt:    time.Now().UTC(),
	}

	body, err := json.Marshal(snap)
	if err != nil {
		logx.Error(err, "Failed to marshal match snapshot")
		return
	}

	key := fmt.Sprintf("matches/%s/%s.json", gameType, snap.SettledAt.Format("2006/01/02/150405.000000000"))
	contentType := "application/json"

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &c.cfg.S3BucketName,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		logx.Error(err, "Failed to archive match snapshot", "key", key)
		return
	}

	logx.Info("Match snapshot archived.", "key", key)
}
