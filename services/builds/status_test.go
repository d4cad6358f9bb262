package builds_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fwforge/services/builds"
)

func TestStatusCanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to builds.Status
		want     bool
	}{
		{builds.StatusQueued, builds.StatusCreatingBuildFolder, true},
		{builds.StatusCreatingBuildFolder, builds.StatusDownloadingSource, true},
		{builds.StatusDownloadingSource, builds.StatusExtractingSource, true},
		{builds.StatusExtractingSource, builds.StatusBuilding, true},
		{builds.StatusBuilding, builds.StatusBuilding, true},
		{builds.StatusBuilding, builds.StatusSaving, true},
		{builds.StatusSaving, builds.StatusDone, true},
		{builds.StatusQueued, builds.StatusBuilding, false},
		{builds.StatusSaving, builds.StatusBuilding, false},
		{builds.StatusQueued, builds.StatusDone, false},
		{builds.StatusQueued, builds.StatusError, true},
		{builds.StatusSaving, builds.StatusError, true},
		{builds.StatusDone, builds.StatusError, false},
		{builds.StatusError, builds.StatusQueued, false},
		{builds.StatusError, builds.StatusError, false},
		{builds.Status("PAUSED"), builds.StatusError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanAdvanceTo(tt.to))
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, ok := builds.ParseStatus(" building ")
	assert.True(t, ok)
	assert.Equal(t, builds.StatusBuilding, s)

	_, ok = builds.ParseStatus("paused")
	assert.False(t, ok)

	assert.True(t, builds.StatusSaving.InFlight())
	assert.False(t, builds.StatusDone.InFlight())
	assert.True(t, builds.StatusError.Terminal())
	assert.Len(t, builds.Stages(), 7)
}
