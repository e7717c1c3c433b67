package models

import "time"

// Notification - оповещение оркестратора, сохранённое в журнале
type Notification struct {
	ID         int       `json:"id" db:"id"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	Severity   string    `json:"severity" db:"severity"` // warning, critical
	Instrument string    `json:"instrument,omitempty" db:"instrument"`
	Message    string    `json:"message" db:"message"`
}
