package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"

	"github.com/3leaps/genomatrix/pkg/faults"
	"github.com/3leaps/genomatrix/pkg/finalize"
	"github.com/3leaps/genomatrix/pkg/pipeline"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitInvalidArgument, "Invalid manifest", cause)

	assert.Contains(t, err.Error(), "Invalid manifest: boom")
	assert.Contains(t, err.Error(), fmt.Sprintf("exit code %d", foundry.ExitInvalidArgument))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(wrapped))

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, exitCodeFailure, ExitCode(cause))
	assert.Equal(t, "no cause (exit code 1)", exitError(exitCodeFailure, "no cause", nil).Error())
}

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		fn   func(error) int
		err  error
		want int
	}{
		{"not found", storeExitCode, fmt.Errorf("job: %w", faults.ErrNotFound), foundry.ExitInvalidArgument},
		{"invalid request", storeExitCode, faults.ErrInvalidRequest, foundry.ExitInvalidArgument},
		{"persistence", storeExitCode, faults.Persistence("insert job", errors.New("locked")), foundry.ExitExternalServiceUnavailable},
		{"io", storeExitCode, &faults.IOFailure{Op: "open", Path: "/x", Err: errors.New("gone")}, foundry.ExitFileReadError},
		{"other", storeExitCode, errors.New("x"), exitCodeFailure},
		{"unknown pipeline", launchExitCode, fmt.Errorf("%w: nope", pipeline.ErrUnknownPipeline), foundry.ExitInvalidArgument},
		{"launch error", launchExitCode, &pipeline.LaunchError{JobID: "J", Err: errors.New("exec")}, exitCodeFailure},
		{"nothing finalized", finalizeExitCode, finalize.ErrNothingFinalized, exitCodeFailure},
		{"status conflict", finalizeExitCode, faults.ErrStatusConflict, exitCodeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.err))
		})
	}
}
