package policy

import (
	"fmt"
	"time"

	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/pkg/cerr"
)

// TimeOfDay is a trigger time within the policy's timezone.
type TimeOfDay struct {
	Hour   int `yaml:"hour"`
	Minute int `yaml:"minute"`
}

func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// StageTrigger binds one escalation stage to a time of day and the
// channels used when that stage fires. Channels may be empty, in
// which case the default stage table applies.
type StageTrigger struct {
	Stage    int               `yaml:"stage"`
	At       TimeOfDay         `yaml:"at"`
	Channels []channel.Channel `yaml:"channels,omitempty"`
}

// FailMode decides what the engine does when the activity oracle is
// unreachable. Open proceeds with the stage decision and logs the
// degraded check; Closed skips the stage decision for that item. The
// mode is always explicit, never inferred.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// BatchTuning throttles bulk sends for one channel.
type BatchTuning struct {
	Size  int           `yaml:"size"`
	Delay time.Duration `yaml:"delay"`
}

// DispatchTuning is the declarative retry/backoff/batch configuration
// shared by all channels.
type DispatchTuning struct {
	RetryAttempts int                             `yaml:"retry_attempts"`
	BackoffBase   time.Duration                   `yaml:"backoff_base"`
	Batch         map[channel.Channel]BatchTuning `yaml:"batch,omitempty"`
}

// Policy is the escalation configuration. It is loaded as an
// immutable snapshot at the start of each trigger run; nothing
// mutates it afterwards.
type Policy struct {
	Timezone            string            `yaml:"timezone"`
	WeekendDays         []time.Weekday    `yaml:"weekend_days"`
	StageTriggers       []StageTrigger    `yaml:"stage_triggers"`
	MaxStages           int               `yaml:"max_stages"`
	MinReminderInterval time.Duration     `yaml:"min_reminder_interval"`
	AllowUrgentOverride bool              `yaml:"allow_urgent_override"`
	OracleFailMode      FailMode          `yaml:"oracle_fail_mode"`
	LookbackMax         time.Duration     `yaml:"lookback_max"`
	SecondaryChannel    channel.Channel   `yaml:"secondary_channel"`
	Dispatch            DispatchTuning    `yaml:"dispatch"`

	loc *time.Location
}

// Default returns the built-in policy: three stages at 09:00, 09:30,
// 10:00 UTC, Saturday/Sunday weekends, 20h minimum interval.
func Default() *Policy {
	p := &Policy{
		Timezone:    "UTC",
		WeekendDays: []time.Weekday{time.Saturday, time.Sunday},
		StageTriggers: []StageTrigger{
			{Stage: 1, At: TimeOfDay{Hour: 9}},
			{Stage: 2, At: TimeOfDay{Hour: 9, Minute: 30}},
			{Stage: 3, At: TimeOfDay{Hour: 10}},
		},
		MaxStages:           3,
		MinReminderInterval: 20 * time.Hour,
		AllowUrgentOverride: true,
		OracleFailMode:      FailOpen,
		LookbackMax:         24 * time.Hour,
		SecondaryChannel:    channel.SMS,
		Dispatch: DispatchTuning{
			RetryAttempts: 3,
			BackoffBase:   time.Second,
			Batch: map[channel.Channel]BatchTuning{
				channel.Email:    {Size: 20, Delay: time.Second},
				channel.SMS:      {Size: 5, Delay: 3 * time.Second},
				channel.WhatsApp: {Size: 5, Delay: 3 * time.Second},
			},
		},
	}
	// Default() is constructed from valid constants.
	_ = p.Validate()
	return p
}

// Validate checks the policy invariants and resolves the timezone.
// Stage trigger times must be strictly ordered within the day, and
// MinReminderInterval must be at least the smallest gap between two
// adjacent trigger times so clock jitter cannot double-fire a stage.
func (p *Policy) Validate() error {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return cerr.NewError(cerr.Configuration, fmt.Sprintf("unknown timezone %q", p.Timezone), err)
	}
	p.loc = loc

	if p.MaxStages < 1 {
		return cerr.NewError(cerr.Configuration, "max_stages must be at least 1", nil)
	}
	if len(p.StageTriggers) == 0 {
		return cerr.NewError(cerr.Configuration, "at least one stage trigger is required", nil)
	}
	if p.MinReminderInterval <= 0 {
		return cerr.NewError(cerr.Configuration, "min_reminder_interval must be positive", nil)
	}
	if p.OracleFailMode != FailOpen && p.OracleFailMode != FailClosed {
		return cerr.NewError(cerr.Configuration, fmt.Sprintf("oracle_fail_mode must be %q or %q", FailOpen, FailClosed), nil)
	}

	smallestGap := 0
	for i, trig := range p.StageTriggers {
		if trig.Stage != i+1 {
			return cerr.NewError(cerr.Configuration, fmt.Sprintf("stage triggers must be contiguous from 1, got stage %d at position %d", trig.Stage, i), nil)
		}
		if trig.At.Hour < 0 || trig.At.Hour > 23 || trig.At.Minute < 0 || trig.At.Minute > 59 {
			return cerr.NewError(cerr.Configuration, fmt.Sprintf("stage %d trigger time %s is invalid", trig.Stage, trig.At), nil)
		}
		for _, ch := range trig.Channels {
			if !ch.Valid() {
				return cerr.NewError(cerr.Configuration, fmt.Sprintf("stage %d references unknown channel %q", trig.Stage, ch), nil)
			}
		}
		if i == 0 {
			continue
		}
		gap := trig.At.Minutes() - p.StageTriggers[i-1].At.Minutes()
		if gap <= 0 {
			return cerr.NewError(cerr.Configuration, fmt.Sprintf("stage trigger times must be strictly increasing, stage %d is not after stage %d", trig.Stage, trig.Stage-1), nil)
		}
		if smallestGap == 0 || gap < smallestGap {
			smallestGap = gap
		}
	}
	if len(p.StageTriggers) > 1 {
		// minReminderInterval guards against double-fires from clock
		// jitter between adjacent stage triggers. An interval larger
		// than a day intentionally spaces stages across days.
		if p.MinReminderInterval < time.Duration(smallestGap)*time.Minute {
			return cerr.NewError(cerr.Configuration, fmt.Sprintf("min_reminder_interval %s is smaller than the smallest trigger gap %dm", p.MinReminderInterval, smallestGap), nil)
		}
	}
	if len(p.StageTriggers) < p.MaxStages {
		return cerr.NewError(cerr.Configuration, fmt.Sprintf("max_stages is %d but only %d stage triggers are configured", p.MaxStages, len(p.StageTriggers)), nil)
	}
	if p.SecondaryChannel != "" && !p.SecondaryChannel.Valid() {
		return cerr.NewError(cerr.Configuration, fmt.Sprintf("unknown secondary channel %q", p.SecondaryChannel), nil)
	}
	return nil
}

// Location returns the resolved timezone. Validate must have run.
func (p *Policy) Location() *time.Location {
	if p.loc == nil {
		return time.UTC
	}
	return p.loc
}

// IsWeekend reports whether t falls on a configured weekend day in
// the policy timezone.
func (p *Policy) IsWeekend(t time.Time) bool {
	day := t.In(p.Location()).Weekday()
	for _, wd := range p.WeekendDays {
		if wd == day {
			return true
		}
	}
	return false
}

// Trigger returns the trigger for the given stage.
func (p *Policy) Trigger(stage int) (StageTrigger, bool) {
	if stage < 1 || stage > len(p.StageTriggers) {
		return StageTrigger{}, false
	}
	return p.StageTriggers[stage-1], true
}

// ChannelsFor resolves the channel set for a stage. An explicit
// per-trigger channel list wins; otherwise the default table applies:
// stage 1 comments in-context, stage 2 emails, stage 3 and above
// emails plus a best-effort secondary channel.
func (p *Policy) ChannelsFor(stage int) []channel.Channel {
	if trig, ok := p.Trigger(stage); ok && len(trig.Channels) > 0 {
		return trig.Channels
	}
	switch {
	case stage <= 1:
		return []channel.Channel{channel.Comment}
	case stage == 2:
		return []channel.Channel{channel.Email}
	default:
		secondary := p.SecondaryChannel
		if secondary == "" {
			secondary = channel.SMS
		}
		return []channel.Channel{channel.Email, secondary}
	}
}

// TriggerTimeOn returns the clock time the given stage fires on the
// day containing t, in the policy timezone.
func (p *Policy) TriggerTimeOn(t time.Time, stage int) (time.Time, bool) {
	trig, ok := p.Trigger(stage)
	if !ok {
		return time.Time{}, false
	}
	local := t.In(p.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), trig.At.Hour, trig.At.Minute, 0, 0, p.Location()), true
}
