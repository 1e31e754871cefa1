package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/medchat/internal/common"
	"github.com/suPer8Hu/medchat/internal/httpapi/middleware"
	"github.com/suPer8Hu/medchat/internal/knowledge"
)

type createCollectionReq struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
}

type upload struct {
	filename    string
	contentType string
	data        []byte
	// file is false for inline JSON content
	file bool
}

// readUpload accepts a multipart "file" field or a JSON body. On false the
// error response is already written.
func (h *Handler) readUpload(c *gin.Context) (upload, bool) {
	if h.Cfg.UploadMaxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.Cfg.UploadMaxBytes)
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			h.failUploadRead(c, err, "file field required")
			return upload{}, false
		}
		f, err := fh.Open()
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 10006, "cannot open file")
			return upload{}, false
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			h.failUploadRead(c, err, "cannot read file")
			return upload{}, false
		}
		return upload{
			filename:    fh.Filename,
			contentType: fh.Header.Get("Content-Type"),
			data:        data,
			file:        true,
		}, true
	}

	var req createCollectionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.failUploadRead(c, err, "invalid json")
		return upload{}, false
	}
	name := strings.TrimSpace(req.Filename)
	if name == "" {
		name = "content.txt"
	}
	return upload{filename: name, contentType: "text/plain", data: []byte(req.Content)}, true
}

func (h *Handler) failUploadRead(c *gin.Context, err error, msg string) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		common.Fail(c, http.StatusRequestEntityTooLarge, 41300, "upload too large")
		return
	}
	common.Fail(c, http.StatusBadRequest, 10005, msg)
}

// CreateCollection stores a knowledge-base resource. With ?async=true the
// file is queued for the worker instead.
func (h *Handler) CreateCollection(c *gin.Context) {
	up, ok := h.readUpload(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	u := middleware.User(c)
	log := h.Log.With().Str("practitioner_id", u.PractitionerID).Str("filename", up.filename).Logger()

	if c.Query("async") == "true" {
		job, created, err := h.Ingestor.Enqueue(ctx, u.PractitionerID, up.filename, up.contentType, up.data, strings.TrimSpace(c.GetHeader("Idempotency-Key")))
		if err != nil {
			if errors.Is(err, knowledge.ErrAsyncDisabled) {
				common.Fail(c, http.StatusServiceUnavailable, 50301, "async ingestion is not configured")
				return
			}
			log.Error().Err(err).Msg("enqueue ingest job")
			common.Fail(c, http.StatusInternalServerError, 50004, "failed to queue upload")
			return
		}
		log.Info().Str("job_id", job.ID).Bool("created", created).Msg("ingest job queued")
		common.OK(c, gin.H{"job": job, "created": created})
		return
	}

	text, err := knowledge.ExtractText(up.filename, up.contentType, up.data)
	if err != nil {
		log.Warn().Err(err).Msg("extract upload text")
		common.Fail(c, http.StatusBadRequest, 40002, "file could not be read")
		return
	}

	blobKey := ""
	if up.file {
		if blobKey, err = h.Ingestor.Archive(ctx, up.filename, up.contentType, up.data); err != nil {
			log.Error().Err(err).Msg("archive upload")
			common.Fail(c, http.StatusBadGateway, 50202, "failed to archive upload")
			return
		}
	}

	res, err := h.Knowledge.CreateResource(ctx, text)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyContent) {
			common.Fail(c, http.StatusBadRequest, 40003, "content has no text to index")
			return
		}
		log.Error().Err(err).Msg("create resource")
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to create resource")
		return
	}
	common.OK(c, gin.H{"resource": res, "blobKey": blobKey})
}

func (h *Handler) ListCollections(c *gin.Context) {
	res, err := h.Knowledge.ListResources(c.Request.Context())
	if err != nil {
		h.Log.Error().Err(err).Msg("list resources")
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}
	common.OK(c, gin.H{"resources": res})
}

func (h *Handler) DeleteCollection(c *gin.Context) {
	id := c.Param("id")
	if err := h.Knowledge.DeleteResource(c.Request.Context(), id); err != nil {
		if errors.Is(err, knowledge.ErrResourceNotFound) {
			common.Fail(c, http.StatusNotFound, 40005, "resource not found")
			return
		}
		h.Log.Error().Err(err).Str("resource_id", id).Msg("delete resource")
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}
	common.OK(c, gin.H{"id": id, "deleted": true})
}

func (h *Handler) GetIngestJob(c *gin.Context) {
	u := middleware.User(c)
	job, err := h.Ingestor.GetJob(c.Request.Context(), c.Param("id"), u.PractitionerID)
	if err != nil {
		if errors.Is(err, knowledge.ErrJobNotFound) {
			common.Fail(c, http.StatusNotFound, 40006, "job not found")
			return
		}
		h.Log.Error().Err(err).Msg("get ingest job")
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}
	common.OK(c, gin.H{"job": job})
}
