package correlate

import (
	"context"
	"path/filepath"
)

// Report is the response shape for a correlation request.
type Report struct {
	Logs      []map[string]any `json:"logs"`
	Total     int              `json:"total"`
	Found     int              `json:"found"`
	Requested int              `json:"requested"`
	Missing   []string         `json:"missing"`
}

// Service correlates ids against a fixed set of log files.
type Service struct {
	correlator *Correlator
	files      []string
}

// NewService resolves file names against dir.
func NewService(correlator *Correlator, dir string, files []string) Service {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		if filepath.IsAbs(f) || dir == "" {
			paths = append(paths, f)
			continue
		}
		paths = append(paths, filepath.Join(dir, f))
	}
	return Service{correlator: correlator, files: paths}
}

// Correlate looks up a comma-separated id list.
func (s Service) Correlate(ctx context.Context, rawIDs string) (Report, error) {
	ids := ParseIDs(rawIDs)
	result, err := s.correlator.FindByIDs(ctx, ids, s.files)
	if err != nil {
		return Report{}, err
	}
	logs := make([]map[string]any, 0, len(result.Found))
	for _, entry := range result.Found {
		logs = append(logs, entry.Fields)
	}
	return Report{
		Logs:      logs,
		Total:     len(logs),
		Found:     len(result.Found),
		Requested: len(ids),
		Missing:   result.Missing,
	}, nil
}
