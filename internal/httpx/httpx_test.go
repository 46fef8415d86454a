package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haukened/sealml/internal/app"
	"github.com/haukened/sealml/internal/domain"
	"github.com/haukened/sealml/internal/httpx"
	"github.com/haukened/sealml/internal/protect"
)

const testID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type mockService struct {
	trainFn     func(ctx context.Context, name string, raw []byte) (app.TrainResult, error)
	predictFn   func(ctx context.Context, raw []byte, labeled bool) (app.PredictResult, error)
	resetFn     func(ctx context.Context) error
	protectFn   func(ctx context.Context, name string, payload []byte, retention time.Duration) (app.ProtectResult, error)
	unprotectFn func(ctx context.Context, blob []byte) (protect.Result, error)
	artifactFn  func(ctx context.Context, id string) (app.ArtifactMeta, io.ReadCloser, error)
	listFn      func(ctx context.Context) ([]app.ArtifactMeta, error)
	deleteFn    func(ctx context.Context, id string) error
}

func (m mockService) Train(ctx context.Context, name string, raw []byte) (app.TrainResult, error) {
	return m.trainFn(ctx, name, raw)
}
func (m mockService) Predict(ctx context.Context, raw []byte, labeled bool) (app.PredictResult, error) {
	return m.predictFn(ctx, raw, labeled)
}
func (m mockService) ResetModel(ctx context.Context) error { return m.resetFn(ctx) }
func (m mockService) Protect(ctx context.Context, name string, payload []byte, retention time.Duration) (app.ProtectResult, error) {
	return m.protectFn(ctx, name, payload, retention)
}
func (m mockService) Unprotect(ctx context.Context, blob []byte) (protect.Result, error) {
	return m.unprotectFn(ctx, blob)
}
func (m mockService) Artifact(ctx context.Context, id string) (app.ArtifactMeta, io.ReadCloser, error) {
	return m.artifactFn(ctx, id)
}
func (m mockService) Artifacts(ctx context.Context) ([]app.ArtifactMeta, error) {
	return m.listFn(ctx)
}
func (m mockService) DeleteArtifact(ctx context.Context, id string) error { return m.deleteFn(ctx, id) }

func serve(h *httpx.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func TestTrain(t *testing.T) {
	m := mockService{trainFn: func(_ context.Context, name string, raw []byte) (app.TrainResult, error) {
		if name != "runs.csv" || string(raw) != "time,x\n1,2\n" {
			t.Fatalf("unexpected input %q %q", name, raw)
		}
		return app.TrainResult{MSE: 0.25, Artifact: app.ArtifactMeta{ID: testID, Name: "runs.csv.zip.enc"}}, nil
	}}
	req := httptest.NewRequest(http.MethodPost, "/api/train", strings.NewReader("time,x\n1,2\n"))
	req.Header.Set(httpx.HeaderName, "runs.csv")
	w := serve(httpx.New(m, 1024, nil), req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body)
	}
	var got app.TrainResult
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MSE != 0.25 || got.Artifact.ID != testID {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestTrainErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{domain.ErrParse, http.StatusBadRequest},
		{app.ErrSizeExceeded, http.StatusRequestEntityTooLarge},
		{app.ErrEmptyBody, http.StatusBadRequest},
		{errors.New("disk"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		m := mockService{trainFn: func(context.Context, string, []byte) (app.TrainResult, error) {
			return app.TrainResult{}, tc.err
		}}
		w := serve(httpx.New(m, 1024, nil), httptest.NewRequest(http.MethodPost, "/api/train", strings.NewReader("x")))
		if w.Code != tc.status {
			t.Fatalf("%v: status %d, want %d", tc.err, w.Code, tc.status)
		}
	}
}

func TestBodyTooLarge(t *testing.T) {
	called := false
	m := mockService{protectFn: func(context.Context, string, []byte, time.Duration) (app.ProtectResult, error) {
		called = true
		return app.ProtectResult{}, nil
	}}
	req := httptest.NewRequest(http.MethodPost, "/api/protect", strings.NewReader("0123456789"))
	req.Header.Set(httpx.HeaderName, "a.csv")
	w := serve(httpx.New(m, 4, nil), req)
	if w.Code != http.StatusRequestEntityTooLarge || called {
		t.Fatalf("expected 413 without service call, got %d called=%v", w.Code, called)
	}

	// Unknown length is capped while reading.
	req = httptest.NewRequest(http.MethodPost, "/api/protect", io.NopCloser(strings.NewReader("0123456789")))
	req.ContentLength = -1
	req.Header.Set(httpx.HeaderName, "a.csv")
	w = serve(httpx.New(m, 4, nil), req)
	if w.Code != http.StatusRequestEntityTooLarge || called {
		t.Fatalf("expected 413 for streamed body, got %d called=%v", w.Code, called)
	}
}

func TestPredict(t *testing.T) {
	mse := 1.5
	m := mockService{predictFn: func(_ context.Context, raw []byte, labeled bool) (app.PredictResult, error) {
		if !labeled {
			t.Fatalf("expected labeled request")
		}
		return app.PredictResult{
			MSE:      &mse,
			Rows:     2,
			FileName: "predictions.csv.zip.enc",
			Blob:     []byte("sealed"),
			Artifact: app.ArtifactMeta{ID: testID},
		}, nil
	}}
	req := httptest.NewRequest(http.MethodPost, "/api/predict?labeled=true", strings.NewReader("time,x\n1,2\n"))
	w := serve(httpx.New(m, 1024, nil), req)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Body.String() != "sealed" {
		t.Fatalf("body %q", w.Body)
	}
	if got := w.Header().Get(httpx.HeaderMSE); got != "1.5" {
		t.Fatalf("mse header %q", got)
	}
	if got := w.Header().Get(httpx.HeaderRows); got != "2" {
		t.Fatalf("rows header %q", got)
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename=predictions.csv.zip.enc` {
		t.Fatalf("content-disposition %q", got)
	}
}

func TestPredictUnlabeledAndBadFlag(t *testing.T) {
	m := mockService{predictFn: func(_ context.Context, _ []byte, labeled bool) (app.PredictResult, error) {
		if labeled {
			t.Fatalf("expected unlabeled request")
		}
		return app.PredictResult{Blob: []byte("b"), FileName: "p"}, nil
	}}
	h := httpx.New(m, 1024, nil)
	w := serve(h, httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader("a\n1\n")))
	if w.Code != http.StatusOK || w.Header().Get(httpx.HeaderMSE) != "" {
		t.Fatalf("status=%d mse=%q", w.Code, w.Header().Get(httpx.HeaderMSE))
	}
	w = serve(h, httptest.NewRequest(http.MethodPost, "/api/predict?labeled=maybe", strings.NewReader("a\n1\n")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
}

func TestPredictWithoutModel(t *testing.T) {
	m := mockService{predictFn: func(context.Context, []byte, bool) (app.PredictResult, error) {
		return app.PredictResult{}, domain.ErrModelNotTrained
	}}
	w := serve(httpx.New(m, 1024, nil), httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader("a\n1\n")))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", w.Code)
	}
}

func TestReset(t *testing.T) {
	called := false
	m := mockService{resetFn: func(context.Context) error { called = true; return nil }}
	w := serve(httpx.New(m, 1024, nil), httptest.NewRequest(http.MethodPost, "/api/model/reset", nil))
	if w.Code != http.StatusNoContent || !called {
		t.Fatalf("status=%d called=%v", w.Code, called)
	}
}

func TestProtect(t *testing.T) {
	m := mockService{protectFn: func(_ context.Context, name string, payload []byte, retention time.Duration) (app.ProtectResult, error) {
		if name != "a.csv" || string(payload) != "time,x\n1,2\n" || retention != 2*time.Hour {
			t.Fatalf("unexpected input %q %q %v", name, payload, retention)
		}
		return app.ProtectResult{
			Artifact: app.ArtifactMeta{ID: testID, Name: "a.csv.zip.enc", Digest: "d1"},
			Blob:     []byte("sealed"),
		}, nil
	}}
	req := httptest.NewRequest(http.MethodPost, "/api/protect", strings.NewReader("time,x\n1,2\n"))
	req.Header.Set(httpx.HeaderName, "a.csv")
	req.Header.Set(httpx.HeaderRetention, "2h")
	w := serve(httpx.New(m, 1024, nil), req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body)
	}
	if w.Header().Get("Location") != "/api/artifacts/"+testID || w.Header().Get(httpx.HeaderDigest) != "d1" {
		t.Fatalf("headers %v", w.Header())
	}
	if w.Body.String() != "sealed" {
		t.Fatalf("body %q", w.Body)
	}
}

func TestProtectValidation(t *testing.T) {
	m := mockService{protectFn: func(context.Context, string, []byte, time.Duration) (app.ProtectResult, error) {
		t.Fatalf("service must not be called")
		return app.ProtectResult{}, nil
	}}
	h := httpx.New(m, 1024, nil)
	w := serve(h, httptest.NewRequest(http.MethodPost, "/api/protect", strings.NewReader("x")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing name: expected 400 got %d", w.Code)
	}
	for _, v := range []string{"soon", "3d"} {
		req := httptest.NewRequest(http.MethodPost, "/api/protect", strings.NewReader("x"))
		req.Header.Set(httpx.HeaderName, "a.csv")
		req.Header.Set(httpx.HeaderRetention, v)
		w = serve(h, req)
		if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "retention invalid") {
			t.Fatalf("retention %q: got %d %s", v, w.Code, w.Body)
		}
	}
}

func TestUnprotect(t *testing.T) {
	m := mockService{unprotectFn: func(_ context.Context, blob []byte) (protect.Result, error) {
		if string(blob) != "sealed" {
			t.Fatalf("blob %q", blob)
		}
		return protect.Result{Name: "a.csv", Payload: []byte("time,x\n"), Extras: []string{"b.csv", "c.csv"}}, nil
	}}
	w := serve(httpx.New(m, 1024, nil), httptest.NewRequest(http.MethodPost, "/api/unprotect", strings.NewReader("sealed")))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Body.String() != "time,x\n" {
		t.Fatalf("body %q", w.Body)
	}
	if got := w.Header().Get(httpx.HeaderExtraEntries); got != "b.csv,c.csv" {
		t.Fatalf("extras %q", got)
	}
	if !strings.HasPrefix(w.Header().Get("Warning"), "199 sealml") {
		t.Fatalf("warning %q", w.Header().Get("Warning"))
	}
}

func TestUnprotectSingleEntryHasNoWarning(t *testing.T) {
	m := mockService{unprotectFn: func(context.Context, []byte) (protect.Result, error) {
		return protect.Result{Name: "a.csv", Payload: []byte("p")}, nil
	}}
	w := serve(httpx.New(m, 1024, nil), httptest.NewRequest(http.MethodPost, "/api/unprotect", strings.NewReader("s")))
	if w.Header().Get("Warning") != "" || w.Header().Get(httpx.HeaderExtraEntries) != "" {
		t.Fatalf("unexpected warning headers %v", w.Header())
	}
}

func TestUnprotectIntegrityFailure(t *testing.T) {
	m := mockService{unprotectFn: func(context.Context, []byte) (protect.Result, error) {
		return protect.Result{}, domain.ErrIntegrity
	}}
	w := serve(httpx.New(m, 1024, nil), httptest.NewRequest(http.MethodPost, "/api/unprotect", strings.NewReader("s")))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", w.Code)
	}
}

func TestListArtifacts(t *testing.T) {
	m := mockService{listFn: func(context.Context) ([]app.ArtifactMeta, error) {
		return []app.ArtifactMeta{{ID: testID, Name: "a.csv.zip.enc", Kind: app.KindManual}}, nil
	}}
	w := serve(httpx.New(m, 1024, nil), httptest.NewRequest(http.MethodGet, "/api/artifacts", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var got []app.ArtifactMeta
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil || len(got) != 1 || got[0].ID != testID {
		t.Fatalf("decode %v %+v", err, got)
	}
}

func TestGetArtifact(t *testing.T) {
	m := mockService{artifactFn: func(_ context.Context, id string) (app.ArtifactMeta, io.ReadCloser, error) {
		if id != testID {
			return app.ArtifactMeta{}, nil, app.ErrNotFound
		}
		meta := app.ArtifactMeta{ID: id, Name: "a.csv.zip.enc", Size: 6, Digest: "d1"}
		return meta, io.NopCloser(bytes.NewReader([]byte("sealed"))), nil
	}}
	h := httpx.New(m, 1024, nil)
	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/artifacts/"+testID, nil))
	if w.Code != http.StatusOK || w.Body.String() != "sealed" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body)
	}
	if w.Header().Get("Content-Length") != "6" || w.Header().Get(httpx.HeaderDigest) != "d1" {
		t.Fatalf("headers %v", w.Header())
	}
	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/artifacts/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", w.Code)
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestGetArtifactDigestMismatch(t *testing.T) {
	m := mockService{artifactFn: func(context.Context, string) (app.ArtifactMeta, io.ReadCloser, error) {
		return app.ArtifactMeta{ID: testID}, io.NopCloser(failingReader{domain.ErrDigestMismatch}), nil
	}}
	w := serve(httpx.New(m, 1024, nil), httptest.NewRequest(http.MethodGet, "/api/artifacts/"+testID, nil))
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "corrupted") {
		t.Fatalf("got %d %s", w.Code, w.Body)
	}
}

func TestDeleteArtifact(t *testing.T) {
	m := mockService{deleteFn: func(_ context.Context, id string) error {
		if id == "bad" {
			return domain.ErrInvalidID
		}
		return nil
	}}
	h := httpx.New(m, 1024, nil)
	if w := serve(h, httptest.NewRequest(http.MethodDelete, "/api/artifacts/"+testID, nil)); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", w.Code)
	}
	if w := serve(h, httptest.NewRequest(http.MethodDelete, "/api/artifacts/bad", nil)); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", w.Code)
	}
}

func TestRoutingFallbacks(t *testing.T) {
	h := httpx.New(mockService{}, 1024, nil)
	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	if w.Code != http.StatusNotFound || w.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("404 expected, got %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/train", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("405 expected, got %d", w.Code)
	}
	if w.Header().Get(httpx.CorrelationIDHeader) == "" || w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("middleware headers missing: %v", w.Header())
	}
}

func TestPanicRecovered(t *testing.T) {
	m := mockService{listFn: func(context.Context) ([]app.ArtifactMeta, error) { panic("boom") }}
	w := serve(httpx.New(m, 1024, nil), httptest.NewRequest(http.MethodGet, "/api/artifacts", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", w.Code)
	}
}

func TestMetricsMount(t *testing.T) {
	h := httpx.New(mockService{}, 1024, nil)
	if w := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("metrics should be absent, got %d", w.Code)
	}
	h.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("m")) })
	if w := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)); w.Code != http.StatusOK || w.Body.String() != "m" {
		t.Fatalf("metrics got %d %q", w.Code, w.Body)
	}
}

func TestHealthRoutes(t *testing.T) {
	readyCalled := false
	h := httpx.New(mockService{}, 10, func(context.Context) error { readyCalled = true; return nil })
	if w := serve(h, httptest.NewRequest(http.MethodGet, "/healthz", nil)); w.Code != http.StatusOK {
		t.Fatalf("health status %d", w.Code)
	}
	if w := serve(h, httptest.NewRequest(http.MethodGet, "/readyz", nil)); w.Code != http.StatusOK {
		t.Fatalf("ready status %d", w.Code)
	}
	if !readyCalled {
		t.Fatalf("readiness not invoked")
	}
}
