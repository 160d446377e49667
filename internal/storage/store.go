package storage

import (
	"context"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Store is the persistence contract shared by the Postgres and the embedded
// SQLite backends.
//
// Reads return events and messages oldest first. When a limit is set, the
// most recent rows within the limit are returned.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context)
	Backend() string

	CreateTopic(ctx context.Context, t model.Topic) error
	GetTopic(ctx context.Context, id string) (model.Topic, error)
	ListTopics(ctx context.Context, limit, offset int) ([]model.Topic, int, error)
	// DeleteTopic removes a topic and everything under it. It returns
	// ErrConflict while the topic has a non-terminal run.
	DeleteTopic(ctx context.Context, id string) error

	// CreateRun atomically supersedes the topic's non-terminal runs, inserts
	// run and makes it the topic's active run. It returns the ids of the
	// superseded runs.
	CreateRun(ctx context.Context, run model.Run) ([]string, error)
	GetRun(ctx context.Context, id string) (model.Run, error)
	LatestRun(ctx context.Context, topicID string) (model.Run, error)
	ListOpenRuns(ctx context.Context) ([]model.Run, error)
	// UpdateRun applies upd when the run's status is one of upd.From and
	// mirrors the new status onto the topic if the run is the topic's latest.
	// It returns ErrConflict when the status precondition does not hold.
	UpdateRun(ctx context.Context, id string, upd model.RunUpdate) (model.Run, error)

	AppendEvent(ctx context.Context, e model.Event) error
	LastEventTS(ctx context.Context, topicID string) (int64, error)
	ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error)

	CreateMessage(ctx context.Context, m model.Message) error
	ListMessages(ctx context.Context, f model.MessageFilter) ([]model.Message, error)

	SaveArtifact(ctx context.Context, a model.ArtifactRecord) error
	GetArtifact(ctx context.Context, topicID, artifactID string) (model.ArtifactRecord, error)
}
