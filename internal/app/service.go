// Package app contains the application orchestration layer for sealml. It
// wires dataset parsing, the regression trainer and the protection pipeline
// to the artifact store without performing any I/O itself.
package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/haukened/sealml/internal/dataset"
	"github.com/haukened/sealml/internal/domain"
	"github.com/haukened/sealml/internal/metrics"
	"github.com/haukened/sealml/internal/protect"
)

// ErrNotFound indicates the artifact does not exist or has expired.
var ErrNotFound = errors.New("artifact not found")

// ErrSizeExceeded indicates the request body exceeds the configured maximum.
var ErrSizeExceeded = errors.New("size exceeded")

// ErrEmptyBody indicates an operation that needs input received none.
var ErrEmptyBody = errors.New("empty body")

// Default artifact names used when the caller supplies none.
const (
	DefaultTrainName       = "train.csv"
	DefaultPredictionsName = "predictions.csv"
)

// Service orchestrates training, prediction and artifact protection.
// Exported fields are set once at construction; a Service is safe for
// concurrent use when its collaborators are.
type Service struct {
	Store     ArtifactStore
	Protector Protector
	Trainer   Trainer
	Clock     Clock
	Metrics   Recorder
	Logger    *slog.Logger

	MaxBytes         int64
	MinRetention     time.Duration
	MaxRetention     time.Duration
	DefaultRetention time.Duration // zero keeps artifacts until deleted
}

// TrainResult is returned by Train.
type TrainResult struct {
	MSE      float64      `json:"mse"`
	Artifact ArtifactMeta `json:"artifact"`
}

// PredictResult is returned by Predict. MSE is set only for labeled input.
// Blob is the protected predictions file named FileName.
type PredictResult struct {
	MSE      *float64     `json:"mse,omitempty"`
	Rows     int          `json:"rows"`
	FileName string       `json:"file_name"`
	Blob     []byte       `json:"-"`
	Artifact ArtifactMeta `json:"artifact"`
}

// ProtectResult is returned by Protect.
type ProtectResult struct {
	Artifact ArtifactMeta
	Blob     []byte
}

func (s *Service) recorder() Recorder {
	if s.Metrics == nil {
		return nopRecorder{}
	}
	return s.Metrics
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default().With("domain", "app")
	}
	return s.Logger.With("domain", "app")
}

func (s *Service) checkSize(n int) error {
	if s.MaxBytes > 0 && int64(n) > s.MaxBytes {
		return ErrSizeExceeded
	}
	return nil
}

func (s *Service) checkBody(n int) error {
	if n == 0 {
		return ErrEmptyBody
	}
	return s.checkSize(n)
}

// expiry resolves a requested retention into an absolute expiry. Zero
// retention selects DefaultRetention; explicit values must fall within
// [MinRetention, MaxRetention].
func (s *Service) expiry(now time.Time, retention time.Duration) (time.Time, error) {
	if retention == 0 {
		if s.DefaultRetention <= 0 {
			return time.Time{}, nil
		}
		return now.Add(s.DefaultRetention), nil
	}
	if err := domain.ValidateRetention(retention, s.MinRetention, s.MaxRetention); err != nil {
		return time.Time{}, err
	}
	return now.Add(retention), nil
}

// Train parses raw as CSV, fits and persists the model, then stores a
// protected copy of the upload.
func (s *Service) Train(ctx context.Context, name string, raw []byte) (TrainResult, error) {
	if err := s.checkBody(len(raw)); err != nil {
		return TrainResult{}, err
	}
	if name == "" {
		name = DefaultTrainName
	}
	tab, err := dataset.Parse(raw)
	if err != nil {
		return TrainResult{}, err
	}
	mse, err := s.Trainer.Train(tab)
	if err != nil {
		return TrainResult{}, err
	}
	if err := s.Trainer.Save(); err != nil {
		return TrainResult{}, err
	}
	s.recorder().Inc(metrics.CounterModelsTrained, 1)

	meta, _, err := s.protectAndStore(ctx, name, KindUpload, raw, 0)
	if err != nil {
		return TrainResult{}, err
	}
	s.log().Info("model trained", "rows", tab.Len(), "mse", mse, "artifact", meta.ID)
	return TrainResult{MSE: mse, Artifact: meta}, nil
}

// Predict scores raw with the current model and stores the protected
// predictions file. labeled requests an MSE against the target column.
func (s *Service) Predict(ctx context.Context, raw []byte, labeled bool) (PredictResult, error) {
	if err := s.checkBody(len(raw)); err != nil {
		return PredictResult{}, err
	}
	tab, err := dataset.Parse(raw)
	if err != nil {
		return PredictResult{}, err
	}
	out, mse, err := s.Trainer.Test(tab, labeled)
	if err != nil {
		return PredictResult{}, err
	}
	csv, err := out.CSV()
	if err != nil {
		return PredictResult{}, err
	}
	meta, blob, err := s.protectAndStore(ctx, DefaultPredictionsName, KindPredictions, csv, 0)
	if err != nil {
		return PredictResult{}, err
	}
	s.recorder().Inc(metrics.CounterPredictions, 1)
	return PredictResult{
		MSE:      mse,
		Rows:     out.Len(),
		FileName: protect.FileName(DefaultPredictionsName),
		Blob:     blob,
		Artifact: meta,
	}, nil
}

// ResetModel forgets the trained model.
func (s *Service) ResetModel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Trainer.Reset()
}

// Protect encrypts payload under name and stores the result. An empty
// payload is valid. A zero retention selects the default.
func (s *Service) Protect(ctx context.Context, name string, payload []byte, retention time.Duration) (ProtectResult, error) {
	if name == "" {
		return ProtectResult{}, domain.ErrEmptyName
	}
	if err := s.checkSize(len(payload)); err != nil {
		return ProtectResult{}, err
	}
	meta, blob, err := s.protectAndStore(ctx, name, KindManual, payload, retention)
	if err != nil {
		return ProtectResult{}, err
	}
	return ProtectResult{Artifact: meta, Blob: blob}, nil
}

// Unprotect decrypts blob and returns the first archived entry.
func (s *Service) Unprotect(ctx context.Context, blob []byte) (protect.Result, error) {
	if err := s.checkBody(len(blob)); err != nil {
		return protect.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return protect.Result{}, err
	}
	res, err := s.Protector.Unprotect(blob)
	if err != nil {
		return protect.Result{}, err
	}
	s.recorder().Inc(metrics.CounterArtifactsUnprotected, 1)
	return res, nil
}

// Artifact validates id and opens the stored blob. Callers must close the reader.
func (s *Service) Artifact(ctx context.Context, id string) (ArtifactMeta, io.ReadCloser, error) {
	if _, err := domain.ParseID(id); err != nil {
		return ArtifactMeta{}, nil, domain.ErrInvalidID
	}
	return s.Store.Open(ctx, id)
}

// Artifacts lists stored artifacts.
func (s *Service) Artifacts(ctx context.Context) ([]ArtifactMeta, error) {
	return s.Store.List(ctx)
}

// DeleteArtifact validates id and removes the artifact.
func (s *Service) DeleteArtifact(ctx context.Context, id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return domain.ErrInvalidID
	}
	return s.Store.Delete(ctx, id)
}

func (s *Service) protectAndStore(ctx context.Context, name string, kind Kind, payload []byte, retention time.Duration) (ArtifactMeta, []byte, error) {
	now := s.Clock.Now()
	expiresAt, err := s.expiry(now, retention)
	if err != nil {
		return ArtifactMeta{}, nil, err
	}
	blob, err := s.Protector.Protect(name, payload)
	if err != nil {
		return ArtifactMeta{}, nil, err
	}
	id, err := domain.NewID()
	if err != nil {
		return ArtifactMeta{}, nil, err
	}
	meta := ArtifactMeta{
		ID:        id.String(),
		Name:      protect.FileName(name),
		Kind:      kind,
		Scheme:    s.Protector.Scheme(),
		ExpiresAt: expiresAt,
	}
	meta, err = s.Store.Save(ctx, meta, bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return ArtifactMeta{}, nil, err
	}
	s.recorder().Inc(metrics.CounterArtifactsProtected, 1)
	s.recorder().Observe(metrics.SummaryProtectBytes, int64(len(blob)))
	return meta, blob, nil
}
