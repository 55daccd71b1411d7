package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// MLflowSink talks to an MLflow tracking server over its REST API. Artifacts
// are uploaded through the server's artifact proxy.
type MLflowSink struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu          sync.Mutex
	experiments map[string]string // name -> id
	runs        map[string]string // run id -> experiment id
}

// NewMLflowSink creates a sink for the tracking server at trackingURI
func NewMLflowSink(trackingURI, token string, timeout time.Duration) (*MLflowSink, error) {
	u, err := url.Parse(trackingURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid MLflow tracking URI: %q", trackingURI)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MLflowSink{
		baseURL:     strings.TrimSuffix(trackingURI, "/"),
		token:       token,
		httpClient:  &http.Client{Timeout: timeout},
		experiments: map[string]string{},
		runs:        map[string]string{},
	}, nil
}

type mlflowError struct {
	Status    int    `json:"-"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *mlflowError) Error() string {
	return fmt.Sprintf("mlflow returned status %d: %s %s", e.Status, e.ErrorCode, e.Message)
}

func (s *MLflowSink) experimentID(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	id, ok := s.experiments[name]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := s.call(ctx, http.MethodGet, "/api/2.0/mlflow/experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil, &got)
	switch {
	case err == nil:
		id = got.Experiment.ExperimentID
	case isNotFound(err):
		var created struct {
			ExperimentID string `json:"experiment_id"`
		}
		if err := s.call(ctx, http.MethodPost, "/api/2.0/mlflow/experiments/create", map[string]string{"name": name}, &created); err != nil {
			return "", fmt.Errorf("failed to create experiment: %w", err)
		}
		id = created.ExperimentID
	default:
		return "", fmt.Errorf("failed to look up experiment: %w", err)
	}

	s.mu.Lock()
	s.experiments[name] = id
	s.mu.Unlock()
	return id, nil
}

func isNotFound(err error) bool {
	me, ok := err.(*mlflowError)
	return ok && (me.Status == http.StatusNotFound || me.ErrorCode == "RESOURCE_DOES_NOT_EXIST")
}

// StartRun resolves (or creates) the experiment and creates a run in it
func (s *MLflowSink) StartRun(ctx context.Context, experiment, name string, start time.Time) (string, error) {
	expID, err := s.experimentID(ctx, experiment)
	if err != nil {
		return "", err
	}

	req := map[string]any{
		"experiment_id": expID,
		"run_name":      name,
		"start_time":    start.UnixMilli(),
		"tags":          []map[string]string{{"key": "mlflow.runName", "value": name}},
	}
	var resp struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	if err := s.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/create", req, &resp); err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	runID := resp.Run.Info.RunID
	if runID == "" {
		return "", fmt.Errorf("mlflow returned an empty run id")
	}

	s.mu.Lock()
	s.runs[runID] = expID
	s.mu.Unlock()
	return runID, nil
}

type mlflowParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type mlflowMetric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// LogParams sends params through runs/log-batch
func (s *MLflowSink) LogParams(ctx context.Context, runID string, params map[string]string) error {
	batch := make([]mlflowParam, 0, len(params))
	for k, v := range params {
		batch = append(batch, mlflowParam{Key: k, Value: v})
	}
	return s.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/log-batch", map[string]any{
		"run_id": runID,
		"params": batch,
	}, nil)
}

// LogMetrics sends metrics through runs/log-batch
func (s *MLflowSink) LogMetrics(ctx context.Context, runID string, metrics map[string]float64, ts time.Time) error {
	batch := make([]mlflowMetric, 0, len(metrics))
	for k, v := range metrics {
		batch = append(batch, mlflowMetric{Key: k, Value: v, Timestamp: ts.UnixMilli()})
	}
	return s.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/log-batch", map[string]any{
		"run_id":  runID,
		"metrics": batch,
	}, nil)
}

// LogArtifact uploads the file to
// /api/2.0/mlflow-artifacts/artifacts/<experiment>/<run>/artifacts/<category>/<name>
func (s *MLflowSink) LogArtifact(ctx context.Context, runID, localPath, category string) error {
	s.mu.Lock()
	expID, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown run %s", runID)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}

	p := path.Join("/api/2.0/mlflow-artifacts/artifacts", expID, runID, "artifacts", category, filepath.Base(localPath))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+p, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return s.do(req, nil)
}

// EndRun sets the run status and end time
func (s *MLflowSink) EndRun(ctx context.Context, runID string, status Status, end time.Time) error {
	err := s.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/update", map[string]any{
		"run_id":   runID,
		"status":   string(status),
		"end_time": end.UnixMilli(),
	}, nil)

	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return err
}

// Close releases idle connections
func (s *MLflowSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *MLflowSink) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.do(req, out)
}

func (s *MLflowSink) do(req *http.Request, out any) error {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		me := &mlflowError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, me); jsonErr != nil || me.ErrorCode == "" {
			me.Message = strings.TrimSpace(string(respBody))
		}
		return me
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
