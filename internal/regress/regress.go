// Package regress fits and applies an ordinary least squares model to
// dataset tables. One column is the target; every other column is a feature.
// The fitted model is persisted as CBOR so it survives restarts.
package regress

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/haukened/sealml/internal/dataset"
	"github.com/haukened/sealml/internal/domain"
)

// PredictionColumn names the output column added by Test.
const PredictionColumn = "prediction"

// rcond is the relative singular value cutoff used to determine rank.
const rcond = 1e-12

// Model is a fitted linear model.
type Model struct {
	Target    string    `cbor:"1,keyasint"`
	Features  []string  `cbor:"2,keyasint"`
	Coef      []float64 `cbor:"3,keyasint"`
	Intercept float64   `cbor:"4,keyasint"`
	TrainMSE  float64   `cbor:"5,keyasint"`
	Rows      int       `cbor:"6,keyasint"`
	TrainedAt time.Time `cbor:"7,keyasint"`
}

// Predict applies the model to one feature vector ordered like m.Features.
func (m *Model) Predict(x []float64) float64 {
	y := m.Intercept
	for i, c := range m.Coef {
		y += c * x[i]
	}
	return y
}

// Trainer owns the current model and its file.
// It is safe for concurrent use.
type Trainer struct {
	path   string
	target string
	now    func() time.Time
	logger *slog.Logger

	mu    sync.RWMutex
	model *Model
}

// NewTrainer returns a Trainer persisting its model at path and loads a
// previously saved model when one exists.
func NewTrainer(path, target string, logger *slog.Logger) (*Trainer, error) {
	if path == "" || target == "" {
		return nil, errors.New("regress: model path and target column are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trainer{path: path, target: target, now: time.Now, logger: logger.With("domain", "regress")}
	if err := t.Load(); err != nil && !errors.Is(err, domain.ErrModelNotTrained) {
		return nil, err
	}
	return t, nil
}

// Target returns the configured target column.
func (t *Trainer) Target() string { return t.target }

// Model returns a copy of the current model, or nil before training.
func (t *Trainer) Model() *Model {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.model == nil {
		return nil
	}
	cp := *t.model
	cp.Features = append([]string(nil), t.model.Features...)
	cp.Coef = append([]float64(nil), t.model.Coef...)
	return &cp
}

// Train fits a new model on tab, replaces the current one in memory and
// returns the training mean squared error. Call Save to persist it.
func (t *Trainer) Train(tab *dataset.Table) (float64, error) {
	ti := tab.Index(t.target)
	if ti < 0 {
		return 0, fmt.Errorf("%w: target column %q missing", domain.ErrParse, t.target)
	}
	features := make([]string, 0, len(tab.Columns)-1)
	idx := make([]int, 0, len(tab.Columns)-1)
	for i, c := range tab.Columns {
		if i != ti {
			features = append(features, c)
			idx = append(idx, i)
		}
	}
	n, p := tab.Len(), len(features)
	x := mat.NewDense(n, p+1, nil)
	y := mat.NewDense(n, 1, nil)
	for r, row := range tab.Rows {
		x.Set(r, 0, 1)
		for j, c := range idx {
			x.Set(r, j+1, row[c])
		}
		y.Set(r, 0, row[ti])
	}
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return 0, errors.New("regress: singular value decomposition did not converge")
	}
	rank := svd.Rank(rcond)
	if rank == 0 {
		return 0, errors.New("regress: design matrix has rank zero")
	}
	var beta mat.Dense
	svd.SolveTo(&beta, y, rank)

	m := &Model{
		Target:    t.target,
		Features:  features,
		Coef:      make([]float64, p),
		Intercept: beta.At(0, 0),
		Rows:      n,
		TrainedAt: t.now().UTC(),
	}
	for j := 0; j < p; j++ {
		m.Coef[j] = beta.At(j+1, 0)
	}
	var sse float64
	xs := make([]float64, p)
	for _, row := range tab.Rows {
		for j, c := range idx {
			xs[j] = row[c]
		}
		d := m.Predict(xs) - row[ti]
		sse += d * d
	}
	m.TrainMSE = sse / float64(n)

	t.mu.Lock()
	t.model = m
	t.mu.Unlock()
	t.logger.Info("model trained", "rows", n, "features", p, "rank", rank, "mse", m.TrainMSE)
	return m.TrainMSE, nil
}

// Test scores tab with the current model. The returned table holds the
// feature columns followed by the prediction (and the target when labeled).
// mse is nil unless labeled is true.
func (t *Trainer) Test(tab *dataset.Table, labeled bool) (*dataset.Table, *float64, error) {
	m := t.Model()
	if m == nil {
		return nil, nil, domain.ErrModelNotTrained
	}
	idx := make([]int, len(m.Features))
	for j, f := range m.Features {
		if idx[j] = tab.Index(f); idx[j] < 0 {
			return nil, nil, fmt.Errorf("%w: feature column %q missing", domain.ErrParse, f)
		}
	}
	ti := -1
	if labeled {
		if ti = tab.Index(m.Target); ti < 0 {
			return nil, nil, fmt.Errorf("%w: target column %q missing", domain.ErrParse, m.Target)
		}
	}
	out := &dataset.Table{Columns: append(append([]string(nil), m.Features...), PredictionColumn)}
	if labeled {
		out.Columns = append(out.Columns, m.Target)
	}
	var sse float64
	xs := make([]float64, len(idx))
	for _, row := range tab.Rows {
		for j, c := range idx {
			xs[j] = row[c]
		}
		pred := m.Predict(xs)
		rec := append(append(make([]float64, 0, len(out.Columns)), xs...), pred)
		if labeled {
			d := pred - row[ti]
			sse += d * d
			rec = append(rec, row[ti])
		}
		out.Rows = append(out.Rows, rec)
	}
	if !labeled {
		return out, nil, nil
	}
	mse := sse / float64(tab.Len())
	return out, &mse, nil
}

// Save writes the current model to disk atomically.
func (t *Trainer) Save() error {
	m := t.Model()
	if m == nil {
		return domain.ErrModelNotTrained
	}
	b, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("regress: encode model: %w", err)
	}
	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, ".model-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), t.path)
}

// Load replaces the in-memory model with the saved one. A missing file
// yields domain.ErrModelNotTrained.
func (t *Trainer) Load() error {
	b, err := os.ReadFile(t.path) // #nosec G304 configured model path
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrModelNotTrained
		}
		return err
	}
	var m Model
	if err := cbor.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("regress: decode model %s: %w", t.path, err)
	}
	if len(m.Coef) != len(m.Features) {
		return fmt.Errorf("regress: model %s has %d coefficients for %d features", t.path, len(m.Coef), len(m.Features))
	}
	t.mu.Lock()
	t.model = &m
	t.mu.Unlock()
	return nil
}

// Reset forgets the model in memory and on disk.
func (t *Trainer) Reset() error {
	t.mu.Lock()
	t.model = nil
	t.mu.Unlock()
	if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	t.logger.Info("model reset")
	return nil
}
