package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/logging"
	"github.com/earlydot/lesion-api/internal/model"
)

// Service is what the handlers need from inference.Service.
type Service interface {
	RemoveHair(ctx context.Context, data []byte) ([]byte, error)
	Predict(ctx context.Context, data []byte, withGradCAM bool) (*model.Prediction, error)
	Health() model.Health
}

// uploadFields are tried in order; "image" is accepted for older clients.
var uploadFields = []string{"file", "image"}

var errNoUpload = errors.New("no image file provided, use 'file' as the form field name")

type Handler struct {
	svc        Service
	production bool
	maxUpload  int64
	log        logrus.FieldLogger
}

func NewHandler(svc Service, production bool, maxUploadMB int64, log logrus.FieldLogger) *Handler {
	return &Handler{
		svc:        svc,
		production: production,
		maxUpload:  maxUploadMB << 20,
		log:        log,
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Health())
}

func (h *Handler) RemoveHair(c *gin.Context) {
	data, ok := h.upload(c)
	if !ok {
		return
	}
	out, err := h.svc.RemoveHair(c.Request.Context(), data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", out)
}

func (h *Handler) Predict(c *gin.Context) {
	withGradCAM, err := strconv.ParseBool(c.DefaultQuery("generate_gradcam", "false"))
	if err != nil {
		h.abort(c, http.StatusBadRequest, "generate_gradcam must be a boolean")
		return
	}
	data, ok := h.upload(c)
	if !ok {
		return
	}
	pred, err := h.svc.Predict(c.Request.Context(), data, withGradCAM)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pred)
}

// upload reads the multipart image. It writes the 400 response itself and
// reports false when there is nothing to process.
func (h *Handler) upload(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	var (
		file    *multipart.FileHeader
		lastErr error
	)
	for _, field := range uploadFields {
		f, err := c.FormFile(field)
		if err == nil {
			file = f
			break
		}
		lastErr = err
		if !errors.Is(err, http.ErrMissingFile) {
			break
		}
	}
	var tooLarge *http.MaxBytesError
	if errors.As(lastErr, &tooLarge) {
		h.abort(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
		return nil, false
	}
	if file == nil {
		h.abort(c, http.StatusBadRequest, errNoUpload.Error())
		return nil, false
	}

	f, err := file.Open()
	if err != nil {
		h.abort(c, http.StatusBadRequest, "failed to read upload")
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		h.abort(c, http.StatusBadRequest, "failed to read upload")
		return nil, false
	}
	logging.FromContext(c.Request.Context(), h.log).WithFields(logrus.Fields{
		"filename": file.Filename,
		"bytes":    len(data),
	}).Debug("Upload received")
	return data, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidImage):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrBusy):
		status = http.StatusServiceUnavailable
	}

	log := logging.FromContext(c.Request.Context(), h.log).WithError(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Warn("Request rejected")
	}
	h.abort(c, status, h.detail(err))
}

// detail hides wrapped internals in production and keeps only the stage.
func (h *Handler) detail(err error) string {
	if !h.production {
		return err.Error()
	}
	var se *model.StageError
	switch {
	case errors.Is(err, model.ErrInvalidImage):
		return model.ErrInvalidImage.Error()
	case errors.Is(err, model.ErrBusy):
		return model.ErrBusy.Error()
	case errors.As(err, &se):
		return fmt.Sprintf("%s stage failed", se.Stage)
	}
	return "internal error"
}

func (h *Handler) abort(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, model.ErrorResponse{
		Detail:    detail,
		RequestID: c.GetString(requestIDKey),
	})
}
