package models

import "time"

// CallRecord is the persisted history of one call session.
type CallRecord struct {
	ID               int64      `json:"id"`
	Token            string     `json:"token"`
	CallConnectionID string     `json:"call_connection_id"`
	CallerID         string     `json:"caller_id"`
	AnsweredFor      string     `json:"answered_for"`
	State            string     `json:"state"`
	AIStarted        bool       `json:"ai_started"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	EndReason        string     `json:"end_reason,omitempty"`
}
