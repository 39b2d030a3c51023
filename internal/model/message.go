// Package model defines the shared data types of the activity pipeline.
package model

import "time"

// Message is a single chat message produced by the transcript parser.
// IDs are stable and monotonic within one transcript.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	URLs      []string  `json:"urls,omitempty"`
}
