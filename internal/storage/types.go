package storage

import (
	"time"
)

type Config struct {
	// Path of the database file. ":memory:" is accepted for tests.
	Path        string
	BusyTimeout time.Duration
}

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Project struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	OwnerEmail string    `json:"owner_email"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

type EntryPoint struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	File      string    `json:"file"`
	Func      string    `json:"func"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

type ScheduleRecord struct {
	ID            int64     `json:"id"`
	EntryPointID  int64     `json:"ep_id"`
	ProjectID     int64     `json:"project_id"`
	Every         string    `json:"every"`
	At            string    `json:"at,omitempty"`
	Timezone      string    `json:"tzname,omitempty"`
	Enabled       bool      `json:"enabled"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	LastRunResult string    `json:"last_run_result,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type NewSchedule struct {
	EntryPointID int64
	Every        string
	At           string
	Timezone     string
	Enabled      bool
}

const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// ScheduleEvent is one row of the trigger-maintained change log.
type ScheduleEvent struct {
	Seq        int64
	ScheduleID int64
	Kind       string
	At         time.Time
}
