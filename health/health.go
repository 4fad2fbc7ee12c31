// Package health - Model degradation monitoring.
//
// Confidence scores observed in production are compared against a rolling
// window: a model whose recent average confidence drops below the threshold
// with enough samples behind it is flagged as degraded. Few samples never
// trigger an alert; silence is not evidence of failure.
package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orchardvision/go-detect/fruits"
)

const (
	// DefaultWindow is the rolling observation window.
	DefaultWindow = 7 * 24 * time.Hour
	// DefaultMinSamples is the minimum sample count before an assessment
	// can flag degradation.
	DefaultMinSamples = 10
	// DefaultThreshold is the average confidence below which a model with
	// enough samples is degraded.
	DefaultThreshold = 0.7
)

// HistoryReader provides the confidence scores observed for a detector
// since a point in time.
type HistoryReader interface {
	ConfidenceScores(ctx context.Context, detectorID string, since time.Time) ([]float64, error)
}

// Assessment is the outcome of one degradation check.
type Assessment struct {
	DetectorID    string  `json:"detector_id"`
	IsDegraded    bool    `json:"is_degraded"`
	AvgConfidence float64 `json:"avg_confidence"`
	SampleCount   int     `json:"sample_count"`
}

// Config tunes the degradation criteria. Zero fields get defaults.
type Config struct {
	Window     time.Duration
	MinSamples int
	Threshold  float64
}

// Monitor assesses model degradation from observed confidence history.
type Monitor struct {
	reader  HistoryReader
	catalog *fruits.Catalog
	cfg     Config
	log     *logrus.Logger
	now     func() time.Time
}

// NewMonitor wires a monitor.
//
// Arguments:
//   - reader: Confidence history source.
//   - catalog: Model set swept by CheckAll and Run.
//   - cfg: Degradation criteria; zero fields get defaults.
//   - log: Structured logger.
//
// Returns:
//   - *Monitor: Ready monitor.
func NewMonitor(reader HistoryReader, catalog *fruits.Catalog, cfg Config, log *logrus.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Monitor{
		reader:  reader,
		catalog: catalog,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Check assesses one detector.
//
// A model is degraded only when the window holds at least MinSamples scores
// AND their average is strictly below the threshold.
//
// Arguments:
//   - ctx: Caller context, passed to the history reader.
//   - detectorID: Catalog identifier.
//
// Returns:
//   - Assessment: Degradation verdict with the evidence behind it.
//   - error: History reader failure.
func (m *Monitor) Check(ctx context.Context, detectorID string) (Assessment, error) {
	since := m.now().Add(-m.cfg.Window)
	scores, err := m.reader.ConfidenceScores(ctx, detectorID, since)
	if err != nil {
		return Assessment{}, err
	}

	out := Assessment{DetectorID: detectorID, SampleCount: len(scores)}
	if len(scores) == 0 {
		return out, nil
	}

	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	out.AvgConfidence = sum / float64(len(scores))
	out.IsDegraded = out.SampleCount >= m.cfg.MinSamples && out.AvgConfidence < m.cfg.Threshold
	return out, nil
}

// CheckAll assesses every model in the catalog, sorted by detector id.
func (m *Monitor) CheckAll(ctx context.Context) ([]Assessment, error) {
	models := m.catalog.List()
	out := make([]Assessment, 0, len(models))
	for _, info := range models {
		a, err := m.Check(ctx, info.DetectorID)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Run sweeps the catalog on a fixed interval until ctx is cancelled,
// logging an alert for each degraded model.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	assessments, err := m.CheckAll(ctx)
	if err != nil {
		m.log.WithError(err).Warn("model health sweep failed")
		return
	}
	for _, a := range assessments {
		if !a.IsDegraded {
			continue
		}
		m.log.WithFields(logrus.Fields{
			"detector":       a.DetectorID,
			"avg_confidence": a.AvgConfidence,
			"samples":        a.SampleCount,
			"threshold":      m.cfg.Threshold,
		}).Warn("model confidence degraded")
	}
}
