// Package analytics records one event per generated reply.
package analytics

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/jechat/internal/db"
	"github.com/wuwenbin0122/jechat/internal/metrics"
	"github.com/wuwenbin0122/jechat/internal/models"
)

var ErrDisabled = errors.New("analytics: recording is disabled")

// Recorder logs and counts every generation and, when a sink is attached,
// persists it. A nil sink disables persistence but not metrics.
type Recorder struct {
	sink   db.EventSink
	logger *zap.SugaredLogger
	limit  int
}

func NewRecorder(sink db.EventSink, logger *zap.SugaredLogger, summaryLimit int) *Recorder {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if summaryLimit <= 0 {
		summaryLimit = 500
	}
	return &Recorder{sink: sink, logger: logger, limit: summaryLimit}
}

func (r *Recorder) Enabled() bool {
	return r != nil && r.sink != nil
}

func (r *Recorder) Record(ctx context.Context, event models.GenerationEvent) {
	if r == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var genErr error
	if event.Error != "" {
		genErr = errors.New(event.Error)
	}
	metrics.RecordGeneration(event.Model, event.Cached, genErr, float64(event.LatencyMS)/1000)

	r.logger.Debugw("generation",
		"conversation_id", event.ConversationID,
		"model", event.Model,
		"preset", event.PresetID,
		"cached", event.Cached,
		"latency_ms", event.LatencyMS,
		"prompt_chars", event.PromptChars,
		"response_chars", event.ResponseChars,
		"error", event.Error,
	)

	if r.sink == nil {
		return
	}
	if err := r.sink.InsertEvent(ctx, event); err != nil {
		r.logger.Warnw("analytics: persist event failed", "error", err)
	}
}

// Summary aggregates the most recent events.
type Summary struct {
	Events        int            `json:"events"`
	Errors        int            `json:"errors"`
	CacheHits     int            `json:"cache_hits"`
	CacheHitRatio float64        `json:"cache_hit_ratio"`
	MeanLatencyMS float64        `json:"mean_latency_ms"`
	ByModel       map[string]int `json:"by_model"`
	ByPreset      map[string]int `json:"by_preset"`
	Models        []string       `json:"models"`
}

func (r *Recorder) Summary(ctx context.Context) (*Summary, error) {
	if !r.Enabled() {
		return nil, ErrDisabled
	}
	events, err := r.sink.RecentEvents(ctx, r.limit)
	if err != nil {
		return nil, err
	}
	return Summarize(events), nil
}

// Summarize computes aggregate figures. Mean latency only counts upstream
// calls that succeeded.
func Summarize(events []models.GenerationEvent) *Summary {
	summary := &Summary{
		Events:   len(events),
		ByModel:  make(map[string]int),
		ByPreset: make(map[string]int),
	}

	var latencyTotal int64
	var latencyCount int
	for _, event := range events {
		summary.ByModel[event.Model]++
		if event.PresetID != "" {
			summary.ByPreset[event.PresetID]++
		}
		switch {
		case event.Error != "":
			summary.Errors++
		case event.Cached:
			summary.CacheHits++
		default:
			latencyTotal += event.LatencyMS
			latencyCount++
		}
	}

	if summary.Events > 0 {
		summary.CacheHitRatio = float64(summary.CacheHits) / float64(summary.Events)
	}
	if latencyCount > 0 {
		summary.MeanLatencyMS = float64(latencyTotal) / float64(latencyCount)
	}

	summary.Models = make([]string, 0, len(summary.ByModel))
	for model := range summary.ByModel {
		summary.Models = append(summary.Models, model)
	}
	sort.Strings(summary.Models)

	return summary
}
