// Package httpapi implements the HTTP edge adapter (spec §4.8, §6.1): thin
// handlers that decode a request, call into the Scheduler/Cache/Validator,
// and encode an apierror.Error (if any) or a JSON result.
//
// Handler shape (constructor returns an http.HandlerFunc closure over its
// dependencies, gorilla/mux for path params, json.NewEncoder directly onto
// the ResponseWriter) is grounded on the teacher's internal/handlers.
// Response field names below are bit-exact to spec §6.1's wire contract.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/imgforge/internal/apierror"
	"github.com/ocx/imgforge/internal/cache"
	"github.com/ocx/imgforge/internal/codec"
	"github.com/ocx/imgforge/internal/core"
	"github.com/ocx/imgforge/internal/registry"
	"github.com/ocx/imgforge/internal/scheduler"
	"github.com/ocx/imgforge/internal/validator"
)

// Handlers bundles the components the HTTP edge adapter calls into.
type Handlers struct {
	Validator *validator.Gate
	Store     *cache.Store
	Scheduler *scheduler.Scheduler
	Metrics   MetricsRecorder
}

func (h *Handlers) metrics() MetricsRecorder {
	return normalizeMetrics(h.Metrics)
}

func (h *Handlers) recordValidationRejection(err error) {
	kind := apierror.Internal
	if ae, ok := apierror.As(err); ok {
		kind = ae.Kind
	}
	h.metrics().IncValidationRejection(string(kind))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := apierror.As(err)
	if !ok {
		ae = apierror.Wrap(apierror.Internal, "internal error", err)
	}
	writeJSON(w, ae.Kind.HTTPStatus(), map[string]interface{}{
		"error":      ae.Message,
		"error_kind": string(ae.Kind),
	})
}

func readMultipartFile(r *http.Request, field string) ([]byte, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, "", apierror.Wrap(apierror.InputInvalid, "could not parse multipart form", err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", apierror.Wrap(apierror.InputInvalid, "missing file field \""+field+"\"", err)
	}
	defer file.Close()
	body, err := io.ReadAll(file)
	if err != nil {
		return nil, "", apierror.Wrap(apierror.InputInvalid, "failed to read uploaded file", err)
	}
	return body, header.Filename, nil
}

func optionsFromForm(r *http.Request) core.ProcessingOptions {
	opts := core.DefaultProcessingOptions()
	if raw := r.FormValue("options"); raw != "" {
		var fromJSON core.ProcessingOptions
		if err := json.Unmarshal([]byte(raw), &fromJSON); err == nil {
			opts = fromJSON
		}
	}
	return opts.Normalize()
}

// HandleToBase64 implements POST /api/convert/to-base64 (spec §6.1): a
// single multipart file, fixed default options, base64-encoded result.
func (h *Handlers) HandleToBase64(w http.ResponseWriter, r *http.Request) {
	h.convertOne(w, r, core.DefaultProcessingOptions(), false)
}

// HandleToBase64Advanced implements POST /api/convert/to-base64-advanced:
// same as HandleToBase64 but accepts a full ProcessingOptions JSON blob in
// the "options" form field, and reports original-vs-processed detail.
func (h *Handlers) HandleToBase64Advanced(w http.ResponseWriter, r *http.Request) {
	h.convertOne(w, r, optionsFromForm(r), true)
}

func (h *Handlers) convertOne(w http.ResponseWriter, r *http.Request, opts core.ProcessingOptions, advanced bool) {
	body, _, err := readMultipartFile(r, "file")
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.Validator.Validate(body); err != nil {
		h.recordValidationRejection(err)
		writeError(w, err)
		return
	}

	opts = opts.Normalize()
	var originalFormat string
	var originalWidth, originalHeight int
	if advanced {
		originalFormat, originalWidth, originalHeight, err = codec.Decode(body)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	fp := codec.Fingerprint(body, opts)
	artifact, meta, _, err := h.Store.GetOrCompute(r.Context(), fp, func() ([]byte, core.ArtifactMetadata, error) {
		return codec.Convert(body, opts)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"base64":    base64.StdEncoding.EncodeToString(artifact),
		"format":    meta.ProcessedFormat,
		"size":      []int{meta.Width, meta.Height},
		"file_size": meta.ByteSize,
	}
	if advanced {
		resp["original_format"] = originalFormat
		resp["original_size"] = []int{originalWidth, originalHeight}
		resp["processed_format"] = meta.ProcessedFormat
		resp["processed_size"] = []int{meta.Width, meta.Height}
		resp["processing_options"] = opts
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleFromBase64 implements POST /api/convert/from-base64 (spec §6.1):
// request body `{base64, format}`, response body is the raw image bytes
// with the appropriate Content-Type header, not a JSON envelope.
func (h *Handlers) HandleFromBase64(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base64 string           `json:"base64"`
		Format core.ImageFormat `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.Wrap(apierror.InputInvalid, "invalid request body", err))
		return
	}

	body, err := base64.StdEncoding.DecodeString(req.Base64)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.InputInvalid, "invalid base64 payload", err))
		return
	}

	if _, err := h.Validator.Validate(body); err != nil {
		h.recordValidationRejection(err)
		writeError(w, err)
		return
	}

	opts := core.ProcessingOptions{TargetFormat: req.Format}.Normalize()
	if req.Format == "" {
		format, _, _, err := codec.Decode(body)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", mimeForFormat(format))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	fp := codec.Fingerprint(body, opts)
	artifact, meta, _, err := h.Store.GetOrCompute(r.Context(), fp, func() ([]byte, core.ArtifactMetadata, error) {
		return codec.Convert(body, opts)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", mimeForFormat(meta.ProcessedFormat))
	w.WriteHeader(http.StatusOK)
	w.Write(artifact)
}

func mimeForFormat(format string) string {
	switch core.ImageFormat(format) {
	case core.FormatPNG, "png":
		return "image/png"
	case core.FormatJPEG, "jpeg", "jpg":
		return "image/jpeg"
	case core.FormatGIF, "gif":
		return "image/gif"
	case core.FormatBMP, "bmp":
		return "image/bmp"
	case core.FormatTIFF, "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}

// HandleValidateBase64 implements POST /api/validate-base64 (spec §6.1):
// request `{base64}`, response `{valid, format?, size?, mode?, error?}`.
func (h *Handlers) HandleValidateBase64(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base64 string `json:"base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierror.Wrap(apierror.InputInvalid, "invalid request body", err))
		return
	}
	body, err := base64.StdEncoding.DecodeString(req.Base64)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "error": "invalid base64 encoding"})
		return
	}
	_, err = h.Validator.Validate(body)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	format, width, height, err := codec.Decode(body)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"format": format,
		"size":   []int{width, height},
		"mode":   "RGBA",
	})
}

// HandleSecurityScan implements POST /api/security/scan: multipart `file`,
// returns the Validator result (spec §4.2, §6.1).
func (h *Handlers) HandleSecurityScan(w http.ResponseWriter, r *http.Request) {
	body, _, err := readMultipartFile(r, "file")
	if err != nil {
		writeError(w, err)
		return
	}
	report, valErr := h.Validator.Validate(body)
	resp := map[string]interface{}{
		"safe":            valErr == nil,
		"threat_level":    report.ThreatLevel,
		"warnings":        report.Warnings,
		"detected_mime":   report.DetectedMIME,
		"detected_format": report.DetectedFormat,
	}
	if valErr != nil {
		resp["error"] = valErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleBatchStart implements POST /api/convert/batch-start (spec §6.1):
// multipart `files` (repeated) plus `options` JSON, returns
// `{queue_id, total_files, status, message}`.
func (h *Handlers) HandleBatchStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, apierror.Wrap(apierror.InputInvalid, "could not parse multipart form", err))
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, apierror.New(apierror.InputInvalid, "no files provided under field \"files\""))
		return
	}

	names := make([]string, 0, len(files))
	bodies := make([][]byte, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			writeError(w, apierror.Wrap(apierror.InputInvalid, "failed to open uploaded file", err))
			return
		}
		body, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, apierror.Wrap(apierror.InputInvalid, "failed to read uploaded file", err))
			return
		}
		names = append(names, fh.Filename)
		bodies = append(bodies, body)
	}

	opts := optionsFromForm(r)
	job, rejected, err := h.Scheduler.StartBatch(opts, names, bodies)
	if err != nil {
		writeError(w, err)
		return
	}

	message := "batch accepted"
	if len(rejected) > 0 {
		message = "batch accepted with some files rejected by validation"
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"queue_id":       job.JobID,
		"total_files":    len(job.Tasks),
		"status":         string(job.State),
		"message":        message,
		"rejected_files": rejected,
	})
}

// HandleBatchProgress implements GET /api/convert/batch-progress/{job_id}.
func (h *Handlers) HandleBatchProgress(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	snap, err := h.Scheduler.Progress(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

// HandleBatchCancel implements DELETE /api/convert/batch-cancel/{job_id}
// (spec §6.1): returns `{queue_id, status, message}`.
func (h *Handlers) HandleBatchCancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if err := h.Scheduler.Cancel(jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_id": jobID,
		"status":   "cancel_requested",
		"message":  "cancellation requested",
	})
}

// HandleBatchStatus implements GET /api/convert/batch-status (spec §6.1):
// returns `{active_tasks, all_queues, statistics, timestamp}`.
func (h *Handlers) HandleBatchStatus(w http.ResponseWriter, r *http.Request) {
	snaps := h.Scheduler.ListAll()

	active := 0
	var totalFiles, totalSucceeded, totalFailed int
	allQueues := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.State.Terminal() {
			active++
		}
		totalFiles += snap.Counters.Total
		totalSucceeded += snap.Counters.Succeeded
		totalFailed += snap.Counters.Failed
		allQueues = append(allQueues, snapshotView(snap))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_tasks": active,
		"all_queues":   allQueues,
		"statistics": map[string]interface{}{
			"total_queues":    len(snaps),
			"total_files":     totalFiles,
			"total_succeeded": totalSucceeded,
			"total_failed":    totalFailed,
		},
		"timestamp": time.Now(),
	})
}

// HandleBatchCleanup implements POST /api/convert/batch-cleanup (spec
// §6.1): body `{max_age_hours?}`, returns
// `{cleaned_tasks, cleaned_queues, cleaned_tracking, message}`.
func (h *Handlers) HandleBatchCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeHours float64 `json:"max_age_hours"`
	}
	if r.Body != nil {
		// A missing/empty body just falls back to the default age below.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	maxAge := time.Hour
	if req.MaxAgeHours > 0 {
		maxAge = time.Duration(req.MaxAgeHours * float64(time.Hour))
	}

	queues, tasks := h.Scheduler.Cleanup(maxAge)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleaned_tasks":    tasks,
		"cleaned_queues":   queues,
		"cleaned_tracking": queues,
		"message":          "cleanup complete",
	})
}

// HandleCacheStatus implements GET /api/cache/status (spec §4.1, §6.1).
func (h *Handlers) HandleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Store.Stats())
}

// HandleCacheClear implements DELETE /api/cache/clear (spec §6.1): returns
// `{entries_removed, space_freed_mb}`.
func (h *Handlers) HandleCacheClear(w http.ResponseWriter, r *http.Request) {
	count, freedBytes := h.Store.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries_removed": count,
		"space_freed_mb":  float64(freedBytes) / (1024 * 1024),
	})
}

// snapshotView renders a registry.Snapshot to the batch-progress wire shape
// (spec §6.1, "bit-exact for compatibility"). The rendering itself lives on
// registry.Snapshot so the progress-bus events consumed by the WebSocket and
// Socket.IO gateways can share the exact same field names (spec §6.2).
func snapshotView(snap registry.Snapshot) map[string]interface{} {
	return snap.View()
}
