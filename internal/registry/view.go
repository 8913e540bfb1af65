package registry

import (
	"github.com/ocx/imgforge/internal/core"
)

// FileResult / FailedFileDetail are the shapes of a terminal snapshot's
// successful_results/failed_file_details arrays (spec §6.1).
type FileResult struct {
	SourceName string `json:"source_name"`
	Format     string `json:"format"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	ByteSize   int    `json:"byte_size"`
}

type FailedFileDetail struct {
	SourceName   string `json:"source_name"`
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
}

// View renders a Snapshot to the wire shape shared by the HTTP batch-progress
// endpoint and the progress-bus events that drive the WebSocket/Socket.IO
// gateways (spec §6.1, §6.2 "Event payloads mirror the HTTP snapshot fields
// where applicable") — one bit-exact rendering, used by every transport.
//
// Per spec §9's Design Notes, current_file_progress is fixed at 0.0 while
// running and 1.0 on terminal rather than estimating sub-file progress the
// Codec Adapter never reports.
func (snap Snapshot) View() map[string]interface{} {
	currentFileProgress := 0.0
	if snap.State.Terminal() {
		currentFileProgress = 1.0
	}

	var eta float64
	if snap.ETA != nil {
		eta = snap.ETA.Seconds()
	}

	var progressPct, successRate float64
	if snap.Counters.Total > 0 {
		progressPct = float64(snap.Counters.Completed) / float64(snap.Counters.Total) * 100
		successRate = float64(snap.Counters.Succeeded) / float64(snap.Counters.Total) * 100
	}

	view := map[string]interface{}{
		"queue_id":                 snap.JobID,
		"total_files":              snap.Counters.Total,
		"completed_files":          snap.Counters.Completed,
		"current_file":             snap.CurrentFileHint,
		"estimated_time_remaining": eta,
		"status":                   string(snap.State),
		"error_count":              snap.Counters.Failed,
		"start_time":               snap.StartedAt,
		"current_file_progress":    currentFileProgress,
		"progress_percentage":      progressPct,
		"success_rate":             successRate,
	}

	if !snap.State.Terminal() {
		return view
	}

	var totalSeconds, avgSeconds float64
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		totalSeconds = snap.FinishedAt.Sub(*snap.StartedAt).Seconds()
		if snap.Counters.Completed > 0 {
			avgSeconds = totalSeconds / float64(snap.Counters.Completed)
		}
	}

	successfulResults := make([]FileResult, 0)
	failedFileDetails := make([]FailedFileDetail, 0)
	for _, t := range snap.Tasks {
		switch t.State {
		case core.TaskSucceeded:
			if t.Metadata != nil {
				successfulResults = append(successfulResults, FileResult{
					SourceName: t.SourceName,
					Format:     t.Metadata.ProcessedFormat,
					Width:      t.Metadata.Width,
					Height:     t.Metadata.Height,
					ByteSize:   t.Metadata.ByteSize,
				})
			}
		case core.TaskFailed:
			failedFileDetails = append(failedFileDetails, FailedFileDetail{
				SourceName:   t.SourceName,
				ErrorKind:    t.ErrorKind,
				ErrorMessage: t.ErrorMessage,
			})
		}
	}

	view["successful_files"] = snap.Counters.Succeeded
	view["failed_files"] = snap.Counters.Failed
	view["average_processing_time"] = avgSeconds
	view["total_processing_time"] = totalSeconds
	view["successful_results"] = successfulResults
	view["failed_file_details"] = failedFileDetails

	return view
}
