package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
)

const messageColumns = `message_id, topic_id, run_id, agent_id, role, content, ts`

// CreateMessage inserts a chat message. Re-inserting an existing id is a no-op.
func (db *DB) CreateMessage(ctx context.Context, m model.Message) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (message_id) DO NOTHING`,
		m.MessageID, m.TopicID, m.RunID, string(m.AgentID), string(m.Role), m.Content, m.TS,
	)
	if err != nil {
		return fmt.Errorf("storage: create message: %w", err)
	}
	return nil
}

// ListMessages returns messages oldest first, keeping the most recent
// f.Limit when a limit is set.
func (db *DB) ListMessages(ctx context.Context, f model.MessageFilter) ([]model.Message, error) {
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE topic_id = $1
			  AND ($2 = '' OR agent_id = $2)
			  AND ($3 = '' OR run_id = $3)
			ORDER BY ts DESC, message_id DESC
			LIMIT $4
		 ) recent ORDER BY ts ASC, message_id ASC`,
		f.TopicID, string(f.AgentID), f.RunID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			m             model.Message
			agentID, role string
		)
		if err := rows.Scan(&m.MessageID, &m.TopicID, &m.RunID, &agentID, &role, &m.Content, &m.TS); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		m.AgentID = model.AgentID(agentID)
		m.Role = model.MessageRole(role)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
