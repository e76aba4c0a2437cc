package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/internal/policy"
	"github.com/nudgeops/nudged/pkg/cerr"
)

// policyFile is the on-disk schema. Durations are strings
// ("30m", "20h") and weekdays are names, both friendlier to edit than
// the in-memory representation.
type policyFile struct {
	Timezone            string             `yaml:"timezone"`
	WeekendDays         []string           `yaml:"weekend_days"`
	StageTriggers       []stageTriggerFile `yaml:"stage_triggers"`
	MaxStages           int                `yaml:"max_stages"`
	MinReminderInterval string             `yaml:"min_reminder_interval"`
	AllowUrgentOverride *bool              `yaml:"allow_urgent_override"`
	OracleFailMode      string             `yaml:"oracle_fail_mode"`
	LookbackMax         string             `yaml:"lookback_max"`
	SecondaryChannel    string             `yaml:"secondary_channel"`
	Dispatch            *dispatchFile      `yaml:"dispatch"`
}

type stageTriggerFile struct {
	Stage    int      `yaml:"stage"`
	At       string   `yaml:"at"` // "HH:MM"
	Channels []string `yaml:"channels"`
}

type dispatchFile struct {
	RetryAttempts *int                 `yaml:"retry_attempts"`
	BackoffBase   string               `yaml:"backoff_base"`
	Batch         map[string]batchFile `yaml:"batch"`
}

type batchFile struct {
	Size  int    `yaml:"size"`
	Delay string `yaml:"delay"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// LoadPolicyFile reads, converts, and validates an escalation policy.
// A missing file yields the built-in default policy.
func LoadPolicyFile(path string) (*policy.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy.Default(), nil
		}
		return nil, cerr.NewError(cerr.Configuration, fmt.Sprintf("failed to read policy file %s", path), err)
	}
	return ParsePolicy(data)
}

// ParsePolicy converts the YAML document into a validated policy.
// Omitted fields inherit the default policy's values.
func ParsePolicy(data []byte) (*policy.Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, cerr.NewError(cerr.Configuration, "policy file is not valid YAML", err)
	}

	p := policy.Default()
	if f.Timezone != "" {
		p.Timezone = f.Timezone
	}
	if f.WeekendDays != nil {
		days := make([]time.Weekday, 0, len(f.WeekendDays))
		for _, name := range f.WeekendDays {
			day, ok := weekdayNames[strings.ToLower(name)]
			if !ok {
				return nil, cerr.NewError(cerr.Configuration, fmt.Sprintf("unknown weekday %q", name), nil)
			}
			days = append(days, day)
		}
		p.WeekendDays = days
	}
	if f.StageTriggers != nil {
		triggers := make([]policy.StageTrigger, 0, len(f.StageTriggers))
		for _, t := range f.StageTriggers {
			at, err := parseTimeOfDay(t.At)
			if err != nil {
				return nil, err
			}
			channels := make([]channel.Channel, 0, len(t.Channels))
			for _, c := range t.Channels {
				channels = append(channels, channel.Channel(c))
			}
			triggers = append(triggers, policy.StageTrigger{Stage: t.Stage, At: at, Channels: channels})
		}
		p.StageTriggers = triggers
	}
	if f.MaxStages != 0 {
		p.MaxStages = f.MaxStages
	}
	if f.MinReminderInterval != "" {
		d, err := parseDuration("min_reminder_interval", f.MinReminderInterval)
		if err != nil {
			return nil, err
		}
		p.MinReminderInterval = d
	}
	if f.AllowUrgentOverride != nil {
		p.AllowUrgentOverride = *f.AllowUrgentOverride
	}
	if f.OracleFailMode != "" {
		p.OracleFailMode = policy.FailMode(f.OracleFailMode)
	}
	if f.LookbackMax != "" {
		d, err := parseDuration("lookback_max", f.LookbackMax)
		if err != nil {
			return nil, err
		}
		p.LookbackMax = d
	}
	if f.SecondaryChannel != "" {
		p.SecondaryChannel = channel.Channel(f.SecondaryChannel)
	}
	if f.Dispatch != nil {
		if f.Dispatch.RetryAttempts != nil {
			p.Dispatch.RetryAttempts = *f.Dispatch.RetryAttempts
		}
		if f.Dispatch.BackoffBase != "" {
			d, err := parseDuration("backoff_base", f.Dispatch.BackoffBase)
			if err != nil {
				return nil, err
			}
			p.Dispatch.BackoffBase = d
		}
		for name, b := range f.Dispatch.Batch {
			delay, err := parseDuration("batch delay", b.Delay)
			if err != nil {
				return nil, err
			}
			p.Dispatch.Batch[channel.Channel(name)] = policy.BatchTuning{Size: b.Size, Delay: delay}
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseTimeOfDay(s string) (policy.TimeOfDay, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return policy.TimeOfDay{}, cerr.NewError(cerr.Configuration, fmt.Sprintf("trigger time %q is not HH:MM", s), err)
	}
	return policy.TimeOfDay{Hour: hour, Minute: minute}, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, cerr.NewError(cerr.Configuration, fmt.Sprintf("%s %q is not a duration", field, s), err)
	}
	return d, nil
}
