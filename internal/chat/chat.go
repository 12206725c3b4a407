// Package chat fetches group chat messages for the ingestion pipeline.
package chat

import (
	"context"
	"sort"
	"time"
)

// Checkpoint marks the last chat update already processed.
type Checkpoint struct {
	UpdateID  int64     `json:"update_id"`
	Timestamp time.Time `json:"timestamp"`
}

// IsZero reports whether nothing has been processed yet.
func (c Checkpoint) IsZero() bool {
	return c.UpdateID == 0 && c.Timestamp.IsZero()
}

// Sender identifies who wrote a message.
type Sender struct {
	ID       int64
	Username string
	Name     string
}

// Message is one chat message with the metadata the pipeline needs.
type Message struct {
	UpdateID  int64
	MessageID int
	ChatID    int64
	Text      string
	Timestamp time.Time
	Sender    Sender
	// URL links to the message; empty when the chat has no public link.
	URL string
}

// Batch is the result of one fetch. Last covers every update the source
// returned, including ones dropped before reaching Messages.
type Batch struct {
	Messages []Message
	Last     Checkpoint
}

// Source returns the messages that arrived after a checkpoint.
type Source interface {
	Fetch(ctx context.Context, after Checkpoint) (Batch, error)
}

// SortOldestFirst orders messages by update id, then by time.
func SortOldestFirst(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].UpdateID != msgs[j].UpdateID {
			return msgs[i].UpdateID < msgs[j].UpdateID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
