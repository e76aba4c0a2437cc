package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/internal/policy"
)

const samplePolicy = `
timezone: Asia/Tokyo
weekend_days: [Saturday, Sunday]
stage_triggers:
  - stage: 1
    at: "10:00"
  - stage: 2
    at: "10:30"
    channels: [email, push]
max_stages: 2
min_reminder_interval: 20h
oracle_fail_mode: closed
lookback_max: 48h
secondary_channel: whatsapp
dispatch:
  retry_attempts: 5
  backoff_base: 2s
  batch:
    email:
      size: 50
      delay: 500ms
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, "Asia/Tokyo", p.Timezone)
	assert.Equal(t, []time.Weekday{time.Saturday, time.Sunday}, p.WeekendDays)
	require.Len(t, p.StageTriggers, 2)
	assert.Equal(t, policy.TimeOfDay{Hour: 10}, p.StageTriggers[0].At)
	assert.Equal(t, []channel.Channel{channel.Email, channel.Push}, p.StageTriggers[1].Channels)
	assert.Equal(t, 2, p.MaxStages)
	assert.Equal(t, 20*time.Hour, p.MinReminderInterval)
	assert.Equal(t, policy.FailClosed, p.OracleFailMode)
	assert.Equal(t, 48*time.Hour, p.LookbackMax)
	assert.Equal(t, channel.WhatsApp, p.SecondaryChannel)
	assert.Equal(t, 5, p.Dispatch.RetryAttempts)
	assert.Equal(t, 2*time.Second, p.Dispatch.BackoffBase)
	assert.Equal(t, policy.BatchTuning{Size: 50, Delay: 500 * time.Millisecond}, p.Dispatch.Batch[channel.Email])
}

func TestParsePolicyOmittedFieldsInheritDefaults(t *testing.T) {
	p, err := ParsePolicy([]byte("timezone: UTC\n"))
	require.NoError(t, err)

	def := policy.Default()
	assert.Equal(t, def.MaxStages, p.MaxStages)
	assert.Equal(t, def.MinReminderInterval, p.MinReminderInterval)
	assert.Equal(t, def.OracleFailMode, p.OracleFailMode)
	assert.Len(t, p.StageTriggers, len(def.StageTriggers))
}

func TestParsePolicyRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not yaml":          "stage_triggers: [",
		"bad weekday":       "weekend_days: [Caturday]",
		"bad trigger time":  "stage_triggers: [{stage: 1, at: \"25 o'clock\"}]",
		"bad duration":      "min_reminder_interval: soon",
		"invalid semantics": "max_stages: 9",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyFileMissingFileUsesDefault(t *testing.T) {
	p, err := LoadPolicyFile(filepath.Join(t.TempDir(), "policy.yaml"))
	require.NoError(t, err)
	assert.Equal(t, policy.Default().MaxStages, p.MaxStages)
}

func TestPolicyStoreSnapshotAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_stages: 2\n"), 0o644))

	store, err := NewPolicyStore(path)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Snapshot().MaxStages)

	// An invalid edit keeps the previous snapshot in effect.
	require.NoError(t, os.WriteFile(path, []byte("max_stages: 9\n"), 0o644))
	store.reload()
	assert.Equal(t, 2, store.Snapshot().MaxStages)

	require.NoError(t, os.WriteFile(path, []byte("max_stages: 1\n"), 0o644))
	store.reload()
	assert.Equal(t, 1, store.Snapshot().MaxStages)
}

func TestPolicyStoreChannelFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	// Default policy: no explicit channels on any trigger.
	store, err := NewPolicyStore(path)
	require.NoError(t, err)
	store.SetChannelFallback(channel.Push)

	pol := store.Snapshot()
	assert.Equal(t, []channel.Channel{channel.Push}, pol.ChannelsFor(1))
	assert.Equal(t, []channel.Channel{channel.Push}, pol.ChannelsFor(3))

	// The fallback survives a reload.
	require.NoError(t, os.WriteFile(path, []byte("max_stages: 2\n"), 0o644))
	store.reload()
	pol = store.Snapshot()
	assert.Equal(t, 2, pol.MaxStages)
	assert.Equal(t, []channel.Channel{channel.Push}, pol.ChannelsFor(2))

	// Explicit per-trigger channel lists stay untouched.
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o644))
	store.reload()
	assert.Equal(t, []channel.Channel{channel.Email, channel.Push}, store.Snapshot().ChannelsFor(2))
}

func TestPolicyStoreWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_stages: 2\n"), 0o644))

	store, err := NewPolicyStore(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.Watch(ctx)
	}()

	// Rewrite until the watcher picks it up; the goroutine may not have
	// armed the watch before the first write.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("max_stages: 1\n"), 0o644)
		return store.Snapshot().MaxStages == 1
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	<-done
}
