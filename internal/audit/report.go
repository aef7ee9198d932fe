package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NamespaceReport aggregates the verdicts for one namespace.
type NamespaceReport struct {
	Namespace    string    `json:"namespace"`
	PolicyExists bool      `json:"policy_exists"`
	SpecExists   bool      `json:"spec_exists"`
	Verdicts     []Verdict `json:"verdicts"`
}

// Report is one full audit run.
type Report struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Namespaces []NamespaceReport `json:"namespaces"`
	Total      int               `json:"total"`
	Passed     int               `json:"passed"`
	Failed     int               `json:"failed"`
	PassRate   float64           `json:"pass_rate"`
}

func newReport() *Report {
	return &Report{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
}

func (r *Report) add(ns NamespaceReport) {
	r.Namespaces = append(r.Namespaces, ns)
	for _, v := range ns.Verdicts {
		r.Total++
		if v.Success {
			r.Passed++
		} else {
			r.Failed++
		}
	}
}

func (r *Report) finish() {
	r.FinishedAt = time.Now().UTC()
	if r.Total > 0 {
		r.PassRate = float64(r.Passed) / float64(r.Total)
	}
}

// Uploader writes audit reports to S3-compatible storage.
type Uploader struct {
	logger zerolog.Logger
	client *s3.Client
	bucket string
}

// NewUploader configures a client against the given endpoint with static
// credentials.
func NewUploader(logger zerolog.Logger, endpoint, region, accessKey, secretKey, bucket string) *Uploader {
	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		UsePathStyle: true,
	})
	return &Uploader{
		logger: logger.With().Str("component", "audit-uploader").Logger(),
		client: client,
		bucket: bucket,
	}
}

// Upload stores the report as JSON under a date-partitioned key.
func (u *Uploader) Upload(ctx context.Context, report *Report) error {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key := fmt.Sprintf("audits/%s/%s.json", report.StartedAt.Format("2006/01/02"), report.ID)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload report: %w", err)
	}

	u.logger.Info().Str("bucket", u.bucket).Str("key", key).Msg("audit report uploaded")
	return nil
}
