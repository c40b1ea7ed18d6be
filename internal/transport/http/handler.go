package httptransport

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"annotation-service/internal/entity"
	"annotation-service/internal/repository/postgresql"
	"annotation-service/internal/results"
	"annotation-service/internal/service"
	"annotation-service/internal/storage"
)

const maxUploadMemory = 32 << 20 // 32 MiB before multipart spills to disk

// Artifacts is the read side of the per-job filesystem the handlers serve from.
type Artifacts interface {
	ArtifactPath(jobID, name string) (string, error)
	ReadArtifact(jobID, name string) ([]byte, error)
}

type Handler struct {
	jobSvc    *service.JobService
	artifacts Artifacts
	baseURL   string
	retention time.Duration
}

func NewHandler(jobSvc *service.JobService, artifacts Artifacts, baseURL string, retention time.Duration) *Handler {
	return &Handler{
		jobSvc:    jobSvc,
		artifacts: artifacts,
		baseURL:   strings.TrimRight(baseURL, "/"),
		retention: retention,
	}
}

type createJobResp struct {
	UUID       string `json:"uuid"`
	StatusURL  string `json:"status_url"`
	ResultsURL string `json:"results_url"`
	PIN        string `json:"pin"`
	DeleteURL  string `json:"delete_url"`
}

type statusResp struct {
	UUID           string         `json:"uuid"`
	Status         string         `json:"status"`
	Created        string         `json:"created"`
	Expires        string         `json:"expires"`
	Options        entity.Options `json:"options"`
	ProcessedFiles []string       `json:"processed_files"`
	ResultsURL     string         `json:"results_url,omitempty"`
}

// CreateJob godoc
// @Summary Submit a new annotation job
// @Description Saves the uploaded input files, creates a pending job and enqueues it. The deletion PIN is returned exactly once.
// @Tags annotate
// @Accept mpfd
// @Produce json
// @Success 202 {object} createJobResp
// @Failure 400 {object} apiError
// @Router /api/annotate [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	files, err := formFiles(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer closeFiles(files)

	keep := strings.EqualFold(r.FormValue("keep"), "true")

	res, err := h.jobSvc.CreateJob(r.Context(), keep, files.uploads())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "could not create job")
		return
	}

	writeJSON(w, http.StatusAccepted, createJobResp{
		UUID:       res.ID.String(),
		StatusURL:  h.statusURL(res.ID),
		ResultsURL: h.resultsURL(res.ID),
		PIN:        res.PIN,
		DeleteURL:  h.statusURL(res.ID),
	})
}

// UpdateJob godoc
// @Summary Resubmit a job with additional input files
// @Description Appends files that are not already present, resets the job to pending and enqueues a new processing task.
// @Tags annotate
// @Accept mpfd
// @Produce json
// @Success 202 {object} map[string]string
// @Failure 404 {object} apiError
// @Router /api/annotate/{id} [post]
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	files, err := formFiles(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer closeFiles(files)

	if err := h.jobSvc.Resubmit(r.Context(), id, files.uploads()); err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "could not resubmit job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"uuid": id.String()})
}

// DeleteJob godoc
// @Summary Delete a job
// @Description Requires the deletion PIN. Unknown id and wrong PIN are indistinguishable so job ids cannot be probed.
// @Tags annotate
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 404 {object} apiError
// @Router /api/annotate/{id} [delete]
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	// form-encoded or multipart, as the clients send it
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeErr(w, http.StatusBadRequest, "invalid form")
		return
	}
	pin := r.FormValue("pin")
	if pin == "" {
		// ParseForm does not read DELETE bodies, so urlencoded pins
		// have to be pulled out by hand.
		pin = formBodyValue(r, "pin")
	}

	if err := h.jobSvc.Delete(r.Context(), id, pin); err != nil {
		if errors.Is(err, postgresql.ErrNotFound) || errors.Is(err, service.ErrInvalidPIN) {
			writeErr(w, http.StatusNotFound, "job not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "could not delete job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Job %s deleted", id),
	})
}

// GetStatus godoc
// @Summary Poll job status
// @Tags annotate
// @Produce json
// @Success 200 {object} statusResp
// @Failure 404 {object} apiError
// @Router /api/annotate/{id} [get]
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}

	files := job.ProcessedFiles
	if files == nil {
		files = []string{}
	}
	resp := statusResp{
		UUID:           job.ID.String(),
		Status:         string(job.Status),
		Created:        job.CreatedAt.UTC().Format(time.RFC3339),
		Expires:        service.Expiry(job.CreatedAt, h.retention).UTC().Format(time.RFC3339),
		Options:        job.Options,
		ProcessedFiles: files,
	}
	if job.Status == entity.StatusCompleted {
		resp.ResultsURL = h.resultsURL(job.ID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetResults godoc
// @Summary Fetch the full annotation result
// @Tags results
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} apiError
// @Router /api/annotate/{id}/results [get]
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	job, ok := h.completedJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(job.ResultMetadata)
}

// GetSegments godoc
// @Summary List the segments of the annotation result
// @Tags results
// @Produce json
// @Success 200 {array} string
// @Failure 404 {object} apiError
// @Router /api/annotate/{id}/results/segments [get]
func (h *Handler) GetSegments(w http.ResponseWriter, r *http.Request) {
	job, ok := h.completedJob(w, r)
	if !ok {
		return
	}

	raw, err := results.Segments(job.ResultMetadata)
	if err != nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	writeRaw(w, raw)
}

// GetSegmentData godoc
// @Summary Fetch one attribute of a named segment
// @Description what is one of name, confidence, db_crosslink, identifier, ident or type.
// @Tags results
// @Produce json
// @Success 200 {object} interface{}
// @Failure 404 {object} apiError
// @Router /api/annotate/{id}/results/segment/{segname}/{what} [get]
func (h *Handler) GetSegmentData(w http.ResponseWriter, r *http.Request) {
	job, ok := h.completedJob(w, r)
	if !ok {
		return
	}

	segname := chi.URLParam(r, "segname")
	what := chi.URLParam(r, "what")

	if what == "type" {
		kind, err := results.SegmentType(job.ResultMetadata, segname)
		if err != nil {
			writeErr(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, kind)
		return
	}

	raw, err := results.SegmentField(job.ResultMetadata, segname, what)
	if err != nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	writeRaw(w, raw)
}

// GetLog godoc
// @Summary Fetch the analysis log
// @Tags results
// @Produce json
// @Success 200 {string} string
// @Failure 404 {object} apiError
// @Router /api/annotate/{id}/log [get]
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.job(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")

	data, err := h.artifacts.ReadArtifact(id, "results.log")
	if err != nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, string(data))
}

// GetStructureFile godoc
// @Summary Download an input or byproduct structure file
// @Description Only .pdb files are served; anything else is 404 even if present on disk.
// @Tags files
// @Produce octet-stream
// @Success 200 {file} binary
// @Failure 404 {object} apiError
// @Router /api/files/{id}/{filename} [get]
func (h *Handler) GetStructureFile(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.job(w, r); !ok {
		return
	}
	id := chi.URLParam(r, "id")
	filename := chi.URLParam(r, "filename")

	if !strings.HasSuffix(filename, ".pdb") {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}

	h.serveArtifact(w, r, id, filename, "chemical/x-pdb")
}

// GetSystemFile godoc
// @Summary Download a derived structure document
// @Description Serves <what>.mmcif from the job's artifacts; "system" aliases "simulation".
// @Tags results
// @Produce octet-stream
// @Success 200 {file} binary
// @Failure 404 {object} apiError
// @Router /api/annotate/{id}/results/system/{what} [get]
func (h *Handler) GetSystemFile(w http.ResponseWriter, r *http.Request) {
	job, ok := h.completedJob(w, r)
	if !ok {
		return
	}

	what := chi.URLParam(r, "what")
	if what == "system" {
		what = "simulation"
	}

	h.serveArtifact(w, r, job.ID.String(), what+".mmcif", "chemical/x-mmcif")
}

// --- helpers ---

func formBodyValue(r *http.Request, key string) string {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return ""
	}
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return ""
	}
	return vals.Get(key)
}

func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request, jobID, name, contentType string) {
	path, err := h.artifacts.ArtifactPath(jobID, name)
	if err != nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

// job resolves the id route param against the store; writes 404 on miss.
func (h *Handler) job(w http.ResponseWriter, r *http.Request) (*entity.Job, bool) {
	id, ok := jobID(w, r)
	if !ok {
		return nil, false
	}

	job, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return job, true
}

// completedJob additionally requires stored result metadata.
func (h *Handler) completedJob(w http.ResponseWriter, r *http.Request) (*entity.Job, bool) {
	job, ok := h.job(w, r)
	if !ok {
		return nil, false
	}
	if len(job.ResultMetadata) == 0 {
		writeErr(w, http.StatusNotFound, "not found")
		return nil, false
	}
	return job, true
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) statusURL(id uuid.UUID) string {
	return h.baseURL + "/api/annotate/" + id.String()
}

func (h *Handler) resultsURL(id uuid.UUID) string {
	return h.statusURL(id) + "/results"
}

// uploadSet pairs multipart files with their open handles so they can be
// closed after the service consumed them.
type uploadSet struct {
	files   []storage.File
	handles []multipart.File
}

func (u uploadSet) uploads() []storage.File { return u.files }

func formFiles(r *http.Request) (uploadSet, error) {
	var set uploadSet

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return set, nil
		}
		return set, err
	}
	if r.MultipartForm == nil {
		return set, nil
	}

	for _, headers := range r.MultipartForm.File {
		for _, hdr := range headers {
			f, err := hdr.Open()
			if err != nil {
				closeFiles(set)
				return uploadSet{}, err
			}
			set.handles = append(set.handles, f)
			set.files = append(set.files, storage.File{Name: hdr.Filename, Reader: f})
		}
	}
	return set, nil
}

func closeFiles(set uploadSet) {
	for _, f := range set.handles {
		_ = f.Close()
	}
}
