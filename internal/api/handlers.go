package api

import (
	"context"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ocrgate/internal/api/middleware"
	"ocrgate/internal/models"
	"ocrgate/internal/quarantine"
	"ocrgate/internal/queue"
	"ocrgate/internal/redis"
	"ocrgate/internal/service/jobs"
)

const (
	DefaultMaxUploadBytes = 25 << 20
	chunkSize             = 1 << 20
	// room for the non-file form fields and multipart framing
	formOverhead  = 1 << 20
	maxFieldBytes = 4 << 10
	defaultTitle  = "documento"
	healthTimeout = 3 * time.Second
)

var errTooLarge = errors.New("upload exceeds size limit")

type JobService interface {
	Submit(ctx context.Context, staged models.StagedFile, meta models.JobMeta) (*jobs.Outcome, error)
	Lookup(ctx context.Context, id string) (*jobs.Outcome, error)
}

type BrokerPinger interface {
	Ping(ctx context.Context) error
}

// Handler wires HTTP routes to the quarantine store and the OCR job service.
type Handler struct {
	jobs      JobService
	store     *quarantine.Store
	broker    BrokerPinger
	maxUpload int64
}

// NewHandler constructs a Handler instance.
func NewHandler(svc JobService, store *quarantine.Store, broker BrokerPinger, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Handler{
		jobs:      svc,
		store:     store,
		broker:    broker,
		maxUpload: maxUpload,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(middleware.Metrics())
	router.GET("/health", h.health)
	router.POST("/ingest", h.ingest)
	router.GET("/result/:job_id", h.result)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// health always answers 200 so a supervisor never restarts the service over a
// broker blip; broker state is reported in the body only.
func (h *Handler) health(c *gin.Context) {
	status := gin.H{"ok": true}
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.broker.Ping(ctx); err != nil {
		log.Printf("health redis ping failed: %v", err)
		status["redis"] = "error:" + string(redis.KindOf(err))
	} else {
		status["redis"] = "ok"
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) ingest(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+formOverhead)
	reader, err := c.Request.MultipartReader()
	if err != nil {
		middleware.IngestTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid multipart form"})
		return
	}

	var staged *models.StagedFile
	fields := make(map[string]string, 2)
	reject := func(status int, detail, outcome string) {
		if staged != nil {
			h.discard(staged.StoredPath)
		}
		middleware.IngestTotal.WithLabelValues(outcome).Inc()
		c.JSON(status, gin.H{"detail": detail})
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if isTooLarge(err) {
				reject(http.StatusRequestEntityTooLarge, "Archivo demasiado grande", "too_large")
				return
			}
			reject(http.StatusBadRequest, "invalid multipart form", "bad_request")
			return
		}
		switch name := part.FormName(); name {
		case "file":
			if staged != nil {
				break
			}
			staged, err = h.stage(part)
			if err != nil {
				part.Close()
				if isTooLarge(err) {
					reject(http.StatusRequestEntityTooLarge, "Archivo demasiado grande", "too_large")
					return
				}
				log.Printf("ingest stage upload failed: %v", err)
				reject(http.StatusInternalServerError, "save file failed", "error")
				return
			}
		case "user_slug", "title":
			value, err := readField(part)
			if err != nil {
				part.Close()
				if isTooLarge(err) {
					reject(http.StatusRequestEntityTooLarge, "Archivo demasiado grande", "too_large")
					return
				}
				reject(http.StatusBadRequest, "invalid form field "+name, "bad_request")
				return
			}
			fields[name] = value
		}
		part.Close()
	}

	if staged == nil {
		reject(http.StatusBadRequest, "file is required", "bad_request")
		return
	}
	userSlug := strings.TrimSpace(fields["user_slug"])
	if userSlug == "" {
		reject(http.StatusBadRequest, "user_slug is required", "bad_request")
		return
	}
	title := strings.TrimSpace(fields["title"])
	if title == "" {
		title = defaultTitle
	}
	middleware.UploadBytes.Observe(float64(staged.Size))

	out, err := h.jobs.Submit(c.Request.Context(), *staged, models.JobMeta{
		UserSlug: userSlug,
		Title:    title,
		FileName: staged.FileName,
		Size:     staged.Size,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// caller went away; the job is already queued
			middleware.IngestTotal.WithLabelValues("canceled").Inc()
			c.Abort()
			return
		}
		log.Printf("ingest submit failed: %v", err)
		if errors.Is(err, jobs.ErrNotEnqueued) {
			reject(http.StatusServiceUnavailable, "broker unavailable", "broker_unavailable")
			return
		}
		middleware.IngestTotal.WithLabelValues("broker_unavailable").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "broker unavailable"})
		return
	}
	middleware.IngestTotal.WithLabelValues(outcomeLabel(out)).Inc()
	respondOutcome(c, out)
}

func (h *Handler) result(c *gin.Context) {
	id := strings.TrimSpace(c.Param("job_id"))
	out, err := h.jobs.Lookup(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "job not found"})
			return
		}
		log.Printf("result lookup %s failed: %v", id, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "broker unavailable"})
		return
	}
	respondOutcome(c, out)
}

// stage streams the file part into the quarantine store in fixed-size chunks,
// counting bytes actually received rather than trusting any declared length.
func (h *Handler) stage(part *multipart.Part) (*models.StagedFile, error) {
	name := part.FileName()
	f, err := h.store.Create(name)
	if err != nil {
		return nil, err
	}
	path := f.Name()
	fail := func(err error) (*models.StagedFile, error) {
		f.Close()
		h.discard(path)
		return nil, err
	}

	buf := make([]byte, chunkSize)
	var size int64
	for {
		n, rerr := io.ReadFull(part, buf)
		if n > 0 {
			size += int64(n)
			if size > h.maxUpload {
				return fail(errTooLarge)
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return fail(err)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fail(rerr)
		}
	}
	if err := f.Close(); err != nil {
		h.discard(path)
		return nil, err
	}
	return &models.StagedFile{FileName: name, StoredPath: path, Size: size}, nil
}

// discard removes a staged file on a rejection path; failures are only logged.
func (h *Handler) discard(path string) {
	if err := h.store.Remove(path); err != nil {
		log.Printf("discard staged file failed: %v", err)
	}
}

func readField(part io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxFieldBytes {
		return "", errors.New("form field too long")
	}
	return string(data), nil
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.Is(err, errTooLarge) || errors.As(err, &maxErr)
}

func respondOutcome(c *gin.Context, out *jobs.Outcome) {
	switch {
	case out.Failed():
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "OCR falló: " + out.Job.ExcInfo})
	case out.Pending:
		c.JSON(http.StatusOK, gin.H{"pending": true, "job_id": out.Job.ID})
	default:
		body := []byte(out.Job.Result)
		if len(body) == 0 {
			body = []byte("null")
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

func outcomeLabel(out *jobs.Outcome) string {
	switch {
	case out.Failed():
		return "failed"
	case out.Pending:
		return "pending"
	default:
		return "finished"
	}
}
