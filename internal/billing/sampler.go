// Package billing is the boundary to the usage-metering collaborator.
// The ledger itself lives outside this system.
package billing

import (
	"context"
	"log/slog"
)

// Sample is one usage observation for a running application.
type Sample struct {
	ApplicationID string  `json:"applicationId"`
	CPUMillicores int64   `json:"cpuMillicores"`
	MemoryMB      int64   `json:"memoryMb"`
	RequestRate   float64 `json:"requestRate"`
}

// Sampler receives usage samples.
type Sampler interface {
	Record(ctx context.Context, sample Sample) error
}

// LogSampler logs samples instead of forwarding them; the default wiring
// until a real metering backend is attached.
type LogSampler struct {
	log *slog.Logger
}

var _ Sampler = (*LogSampler)(nil)

// NewLogSampler constructs a LogSampler.
func NewLogSampler(log *slog.Logger) *LogSampler {
	return &LogSampler{log: log}
}

func (s *LogSampler) Record(_ context.Context, sample Sample) error {
	s.log.Debug("usage sample",
		"application_id", sample.ApplicationID,
		"cpu_millicores", sample.CPUMillicores,
		"memory_mb", sample.MemoryMB,
		"request_rate", sample.RequestRate,
	)
	return nil
}
