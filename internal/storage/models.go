package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// MarkRecord is one completed marking run: the marked blob plus enough
// metadata to reopen it from history.
type MarkRecord struct {
	ID             string
	CreatedAt      time.Time
	FileName       string
	AssignmentName string
	Mode           string
	Source         string // "upload", "paste", "pdf"
	Blob           []byte
	TechniquesJSON string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
