// Package snapshot builds point-in-time views of a topic for joining and
// reconnecting clients, and the merged trace timeline of a run.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kansoku/internal/eventlog"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/projection"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Options selects what a snapshot covers.
type Options struct {
	// Limit caps the recent-events tail. Zero means DefaultSnapshotLimit;
	// larger values are clamped to MaxSnapshotLimit.
	Limit int
	// RunID pins the run whose agents and artifacts are folded. Empty means
	// the active run, else the most recent one.
	RunID string
}

// ClampLimit normalizes a requested event window.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return model.DefaultSnapshotLimit
	case limit > model.MaxSnapshotLimit:
		return model.MaxSnapshotLimit
	default:
		return limit
	}
}

// Builder reads the event log without mutating it.
type Builder struct {
	store  storage.Store
	log    *eventlog.Log
	logger *slog.Logger

	// traces coalesces identical concurrent trace reads. Snapshots are never
	// shared: each must be taken after its caller subscribed.
	traces singleflight.Group
}

// New creates a Builder.
func New(store storage.Store, log *eventlog.Log, logger *slog.Logger) *Builder {
	return &Builder{store: store, log: log, logger: logger}
}

// Build returns the snapshot of topicID. All reads happen while appends to
// the topic are held off, so the snapshot ends exactly at the last event
// published before GeneratedAt.
func (b *Builder) Build(ctx context.Context, topicID string, opts Options) (model.Snapshot, error) {
	// Unknown topics fail before taking a topic lock.
	if _, err := b.store.GetTopic(ctx, topicID); err != nil {
		return model.Snapshot{}, err
	}

	limit := ClampLimit(opts.Limit)
	var (
		snap      model.Snapshot
		runEvents []model.Event
		run       *model.Run
	)
	err := b.log.View(ctx, topicID, func() error {
		topic, err := b.store.GetTopic(ctx, topicID)
		if err != nil {
			return err
		}
		run, err = b.resolveRun(ctx, topic, opts.RunID)
		if err != nil {
			return err
		}

		filter := model.EventFilter{TopicID: topicID, Limit: limit}
		if opts.RunID != "" {
			filter.RunID = opts.RunID
		}
		events, err := b.store.ListEvents(ctx, filter)
		if err != nil {
			return err
		}
		if run != nil {
			if runEvents, err = b.store.ListEvents(ctx, model.EventFilter{TopicID: topicID, RunID: run.ID}); err != nil {
				return err
			}
		}
		snap = model.Snapshot{Topic: topic, Events: events, GeneratedAt: model.NowMillis()}
		return nil
	})
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}

	runID := ""
	if run != nil {
		runID = run.ID
	}
	st := projection.NewState(runID)
	st.ApplyAll(runEvents)
	snap.RunID = runID
	snap.Agents = st.Agents()
	snap.Artifacts = st.Artifacts()

	b.logger.Debug("snapshot built",
		"topic_id", topicID, "run_id", runID, "events", len(snap.Events), "artifacts", len(snap.Artifacts))
	return snap, nil
}

// resolveRun picks the run a view covers: the requested one, else the
// active run, else the latest. It returns nil when the topic has no runs.
func (b *Builder) resolveRun(ctx context.Context, topic model.Topic, runID string) (*model.Run, error) {
	if runID != "" {
		r, err := b.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if r.TopicID != topic.ID {
			return nil, fmt.Errorf("%w: run %s does not belong to topic %s", model.ErrNotFound, runID, topic.ID)
		}
		return &r, nil
	}
	if topic.ActiveRunID != nil {
		r, err := b.store.GetRun(ctx, *topic.ActiveRunID)
		if err == nil {
			return &r, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}
	r, err := b.store.LatestRun(ctx, topic.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Trace returns the merged timeline of one run: its events plus the stored
// conversation, deduped by item id and ordered by ts. limit caps the events
// read; zero reads all of them.
func (b *Builder) Trace(ctx context.Context, topicID, runID string, limit int) (model.TraceView, error) {
	key := topicID + "|" + runID + "|" + strconv.Itoa(limit)
	v, err, _ := b.traces.Do(key, func() (any, error) {
		return b.trace(ctx, topicID, runID, limit)
	})
	if err != nil {
		return model.TraceView{}, err
	}
	view := v.(model.TraceView)
	// Callers may hold the same view; give each its own slice.
	view.Items = append([]model.TraceItem(nil), view.Items...)
	return view, nil
}

func (b *Builder) trace(ctx context.Context, topicID, runID string, limit int) (model.TraceView, error) {
	topic, err := b.store.GetTopic(ctx, topicID)
	if err != nil {
		return model.TraceView{}, fmt.Errorf("snapshot: trace: %w", err)
	}
	run, err := b.resolveRun(ctx, topic, runID)
	if err != nil {
		return model.TraceView{}, fmt.Errorf("snapshot: trace: %w", err)
	}
	view := model.TraceView{TopicID: topicID, Items: []model.TraceItem{}}
	if run == nil {
		return view, nil
	}
	view.RunID = run.ID

	events, err := b.store.ListEvents(ctx, model.EventFilter{TopicID: topicID, RunID: run.ID, Limit: max(limit, 0)})
	if err != nil {
		return model.TraceView{}, fmt.Errorf("snapshot: trace events: %w", err)
	}
	msgs, err := b.store.ListMessages(ctx, model.MessageFilter{TopicID: topicID, RunID: run.ID})
	if err != nil {
		return model.TraceView{}, fmt.Errorf("snapshot: trace messages: %w", err)
	}

	tl := projection.NewTimeline()
	for _, e := range events {
		tl.AddEvent(e)
	}
	for _, m := range msgs {
		tl.Add(projection.MessageItem(m, model.TraceItem{}))
	}
	view.Items = tl.Items()
	return view, nil
}
