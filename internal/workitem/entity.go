package workitem

import (
	"time"

	"github.com/nudgeops/nudged/internal/channel"
)

// WorkItem tracks one externally-owned unit of work awaiting a
// response. Identity comes from the tracking system; the engine never
// invents items and never deletes them, it archives them when the
// tracking system closes them.
type WorkItem struct {
	ID             string            `yaml:"id" json:"id"`
	Title          string            `yaml:"title" json:"title"`
	URL            string            `yaml:"url,omitempty" json:"url,omitempty"`
	Assignees      []Contact         `yaml:"assignees,omitempty" json:"assignees,omitempty"`
	DueDate        *time.Time        `yaml:"due_date,omitempty" json:"due_date,omitempty"`
	LastActivityAt time.Time         `yaml:"last_activity_at" json:"last_activity_at"`
	Active         bool              `yaml:"active" json:"active"`
	Closed         bool              `yaml:"closed" json:"closed"`
	Archived       bool              `yaml:"archived" json:"archived"`
	Reminder       ReminderState     `yaml:"reminder" json:"reminder"`
	Metadata       map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `yaml:"updated_at" json:"updated_at"`
}

// Contact is one assignee; any of the addresses may be missing.
type Contact struct {
	Name    string                    `yaml:"name" json:"name"`
	Handle  string                    `yaml:"handle,omitempty" json:"handle,omitempty"`
	Email   string                    `yaml:"email,omitempty" json:"email,omitempty"`
	Phone   string                    `yaml:"phone,omitempty" json:"phone,omitempty"`
	PushSub *channel.PushSubscription `yaml:"push_sub,omitempty" json:"push_sub,omitempty"`
}

// ReminderState is the escalation progress embedded in a WorkItem.
// Phase is the tagged variant; Stage is only meaningful alongside it
// (0 in Idle, the reached stage otherwise).
type ReminderState struct {
	Phase          Phase           `yaml:"phase" json:"phase"`
	Stage          int             `yaml:"stage" json:"stage"`
	LastReminderAt *time.Time      `yaml:"last_reminder_at,omitempty" json:"last_reminder_at,omitempty"`
	LastChannel    channel.Channel `yaml:"last_channel,omitempty" json:"last_channel,omitempty"`
	ResponseAt     *time.Time      `yaml:"response_at,omitempty" json:"response_at,omitempty"`
	Urgent         bool            `yaml:"urgent,omitempty" json:"urgent,omitempty"`
	UrgentReason   string          `yaml:"urgent_reason,omitempty" json:"urgent_reason,omitempty"`
	PausedUntil    *time.Time      `yaml:"paused_until,omitempty" json:"paused_until,omitempty"`
	PauseReason    string          `yaml:"pause_reason,omitempty" json:"pause_reason,omitempty"`
	Stats          ReminderStats   `yaml:"stats" json:"stats"`
}

// ReminderStats accumulates across reminder cycles.
type ReminderStats struct {
	RemindersSent      int           `yaml:"reminders_sent" json:"reminders_sent"`
	ResponsesReceived  int           `yaml:"responses_received" json:"responses_received"`
	AvgResponseLatency time.Duration `yaml:"avg_response_latency" json:"avg_response_latency"`
}

// RecordResponse folds one observed response latency into the rolling
// average: newAvg = oldAvg + (latency - oldAvg) / totalResponses.
func (s *ReminderStats) RecordResponse(latency time.Duration) {
	s.ResponsesReceived++
	s.AvgResponseLatency += (latency - s.AvgResponseLatency) / time.Duration(s.ResponsesReceived)
}

// HasResponse reports whether the current reminder cycle is closed by
// an observed response.
func (r *ReminderState) HasResponse() bool {
	return r.Phase == PhaseResponded
}

// Paused reports whether the pause window covers now.
func (r *ReminderState) Paused(now time.Time) bool {
	return r.PausedUntil != nil && r.PausedUntil.After(now)
}

// Reset opens a new reminder cycle after fresh activity. Cumulative
// stats survive the reset.
func (r *ReminderState) Reset() {
	r.Phase = PhaseIdle
	r.Stage = 0
	r.LastReminderAt = nil
	r.LastChannel = ""
	r.ResponseAt = nil
	r.PausedUntil = nil
	r.PauseReason = ""
}
