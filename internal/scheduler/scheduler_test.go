package scheduler

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/imgforge/internal/apierror"
	"github.com/ocx/imgforge/internal/cache"
	"github.com/ocx/imgforge/internal/core"
	"github.com/ocx/imgforge/internal/progressbus"
	"github.com/ocx/imgforge/internal/registry"
	"github.com/ocx/imgforge/internal/validator"
	"github.com/ocx/imgforge/internal/workerpool"
)

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 50), G: uint8(y * 50), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	store := cache.NewStore(cache.NewMemoryBackend(), cache.Config{})
	t.Cleanup(store.Close)
	pool := workerpool.New(4, 32)
	t.Cleanup(pool.Shutdown)
	return New(validator.New(validator.DefaultConfig()), registry.New(), pool, store, progressbus.New(16))
}

func waitForTerminal(t *testing.T, s *Scheduler, jobID string) registry.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.Progress(jobID)
		require.NoError(t, err)
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return registry.Snapshot{}
}

func TestStartBatch_ProcessesAllFilesToCompletion(t *testing.T) {
	s := newTestScheduler(t)
	body := tinyPNG(t)

	job, rejected, err := s.StartBatch(core.DefaultProcessingOptions(), []string{"a.png", "b.png"}, [][]byte{body, body})
	require.NoError(t, err)
	assert.Empty(t, rejected)

	snap := waitForTerminal(t, s, job.JobID)
	assert.Equal(t, core.JobCompleted, snap.State)
	assert.Equal(t, 2, snap.Counters.Succeeded)
}

func TestStartBatch_RejectsInvalidFilesButProcessesTheRest(t *testing.T) {
	s := newTestScheduler(t)
	body := tinyPNG(t)

	job, rejected, err := s.StartBatch(core.DefaultProcessingOptions(),
		[]string{"good.png", "bad.txt"}, [][]byte{body, []byte("not an image")})
	require.NoError(t, err)
	assert.Equal(t, []string{"bad.txt"}, rejected)

	snap := waitForTerminal(t, s, job.JobID)
	assert.Equal(t, 1, snap.Counters.Total)
	assert.Equal(t, core.JobCompleted, snap.State)
}

func TestStartBatch_AllFilesInvalidReturnsSecurityRejected(t *testing.T) {
	s := newTestScheduler(t)
	_, rejected, err := s.StartBatch(core.DefaultProcessingOptions(), []string{"bad.txt"}, [][]byte{[]byte("nope")})
	require.Error(t, err)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.SecurityRejected, ae.Kind)
	assert.Equal(t, []string{"bad.txt"}, rejected)
}

func TestCancel_StopsUnstartedTasksAsSkipped(t *testing.T) {
	s := newTestScheduler(t)
	body := tinyPNG(t)
	names := make([]string, 50)
	bodies := make([][]byte, 50)
	for i := range names {
		names[i] = "f.png"
		bodies[i] = body
	}

	job, _, err := s.StartBatch(core.DefaultProcessingOptions(), names, bodies)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(job.JobID))

	snap := waitForTerminal(t, s, job.JobID)
	assert.Equal(t, core.JobCancelled, snap.State)
}

func TestCancel_UnknownJobReturnsJobNotFound(t *testing.T) {
	s := newTestScheduler(t)
	err := s.Cancel("missing")
	require.Error(t, err)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.JobNotFound, ae.Kind)
}

func TestCancel_AlreadyTerminalJobReturnsJobAlreadyTerminal(t *testing.T) {
	s := newTestScheduler(t)
	body := tinyPNG(t)
	job, _, err := s.StartBatch(core.DefaultProcessingOptions(), []string{"a.png"}, [][]byte{body})
	require.NoError(t, err)
	waitForTerminal(t, s, job.JobID)

	err = s.Cancel(job.JobID)
	require.Error(t, err)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.JobAlreadyFinal, ae.Kind)
}

func TestProgress_UnknownJobReturnsJobNotFound(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.Progress("missing")
	require.Error(t, err)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.JobNotFound, ae.Kind)
}
