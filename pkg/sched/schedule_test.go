package sched

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionette-go/marionette/pkg/lcbn"
)

func sampleSchedule() (Header, []Entry) {
	hdr := Header{
		Version: FormatVersion,
		Session: "00000000-0000-0000-0000-000000000000",
		Kind:    KindCBTree,
		Mode:    ModeRecord,
		Created: "2026-01-02T15:04:05Z",
	}
	entries := []Entry{
		{Point: PointTimerReady, Ready: true},
		{Point: PointTimerRun, Perm: Permutation{1, 0}, Acts: []Thought{ThoughtActNow, ThoughtDefer}},
		{Point: PointBeforeExecCB, Seq: 1, CB: lcbn.CBTimer,
			Name: "initial-stack/timer.1", Parent: "initial-stack", Role: "looper"},
		{Point: PointTPGettingWork, Index: 2},
		{Point: PointLooperRunClosing},
	}
	return hdr, entries
}

func TestScheduleRoundTrip(t *testing.T) {
	hdr, entries := sampleSchedule()

	var buf bytes.Buffer
	require.NoError(t, WriteSchedule(&buf, hdr, entries))

	got, err := ReadSchedule(&buf)
	require.NoError(t, err)
	assert.Equal(t, hdr, got.Header)
	assert.Equal(t, entries, got.Entries)
}

func TestScheduleGolden(t *testing.T) {
	hdr, entries := sampleSchedule()
	var buf bytes.Buffer
	require.NoError(t, WriteSchedule(&buf, hdr, entries))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "schedule", buf.Bytes())
}

func TestReadScheduleRejectsVersionMismatch(t *testing.T) {
	in := `{"version":99,"session":"x","kind":"cbtree","mode":"record","created":"2026-01-02T15:04:05Z"}` + "\n"
	_, err := ReadSchedule(strings.NewReader(in))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestReadScheduleRejectsEmptyInput(t *testing.T) {
	_, err := ReadSchedule(strings.NewReader(""))
	assert.Error(t, err)
}

func TestExecEntries(t *testing.T) {
	_, entries := sampleSchedule()
	s := &Schedule{Entries: entries}
	exec := s.ExecEntries()
	require.Len(t, exec, 1)
	assert.Equal(t, "initial-stack/timer.1", exec[0].Name)
}

func TestReplayOutputPath(t *testing.T) {
	assert.Equal(t, "run.schedule-replay", ReplayOutputPath("run.schedule"))
}
