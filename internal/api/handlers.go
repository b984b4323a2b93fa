package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"voxsplit/internal/storage"
	"voxsplit/internal/task"
)

type submitResponse struct {
	TaskID  string      `json:"task_id"`
	Status  task.Status `json:"status"`
	Message string      `json:"message"`
}

// API exposes the diarization endpoints over the task manager.
type API struct {
	manager *task.Manager
}

func NewAPI(manager *task.Manager) *API {
	return &API{manager: manager}
}

// RegisterRoutes registers API routes on the provided gin engine.
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.Health)
	api := router.Group("/api/v1/diarize")
	{
		api.POST("/upload", a.Upload)
		api.GET("/status/:id", a.Status)
		api.GET("/metadata/:id", a.Metadata)
		api.GET("/download/:id", a.Download)
		api.POST("/cancel/:id", a.Cancel)
		api.GET("/tasks", a.ListTasks)
	}
}

// Health reports process liveness and current admission load.
func (a *API) Health(c *gin.Context) {
	gate := a.manager.Gate()
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"processing_slots": gate.InUse(),
		"max_slots":        gate.Capacity(),
	})
}

// Upload accepts a multipart audio file and starts a diarization task.
func (a *API) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("audio_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no audio file provided"})
		return
	}
	callbackURL := c.PostForm("callback_url")
	if callbackURL == "" {
		callbackURL = c.Query("callback_url")
	}

	src, err := fileHeader.Open()
	if err != nil {
		log.Warn().Str("filename", fileHeader.Filename).Err(err).Msg("open uploaded file failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}
	defer func() { _ = src.Close() }()

	newTask, err := a.manager.Submit(task.SubmitRequest{
		Filename:    fileHeader.Filename,
		Size:        fileHeader.Size,
		CallbackURL: callbackURL,
		Audio:       src,
	})
	if err != nil {
		a.submitError(c, fileHeader.Filename, err)
		return
	}

	log.Info().Str("task_id", newTask.ID).Str("filename", newTask.OriginalFilename).Msg("upload accepted")
	c.JSON(http.StatusCreated, submitResponse{
		TaskID:  newTask.ID,
		Status:  newTask.Status,
		Message: "file uploaded, processing queued",
	})
}

func (a *API) submitError(c *gin.Context, filename string, err error) {
	switch {
	case errors.Is(err, task.ErrUnsupportedFormat):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrExhausted):
		log.Warn().Str("filename", filename).Msg("rejecting upload: storage exhausted")
		c.JSON(http.StatusInsufficientStorage, gin.H{"error": "storage capacity exhausted"})
	default:
		log.Error().Str("filename", filename).Err(err).Msg("submit failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept upload"})
	}
}

// Status returns the canonical status document for a task.
func (a *API) Status(c *gin.Context) {
	t, ok := a.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a.manager.StatusDocument(t))
}

// Metadata returns the result document without the bundle download.
func (a *API) Metadata(c *gin.Context) {
	t, ok := a.lookup(c)
	if !ok {
		return
	}
	if t.Status != task.StatusCompleted || t.Metadata == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task not completed"})
		return
	}
	c.JSON(http.StatusOK, t.Metadata)
}

// Download serves the result bundle for a completed task.
func (a *API) Download(c *gin.Context) {
	t, ok := a.lookup(c)
	if !ok {
		return
	}
	switch t.Status {
	case task.StatusCompleted:
	case task.StatusExpired:
		c.JSON(http.StatusGone, gin.H{"error": "results expired"})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "task not completed"})
		return
	}
	log.Info().Str("task_id", t.ID).Msg("serving result bundle")
	c.FileAttachment(a.manager.BundlePath(t.ID), "diarization_results_"+t.ID+".zip")
}

// Cancel requests an out-of-band cancellation of a pending or processing
// task.
func (a *API) Cancel(c *gin.Context) {
	id := c.Param("id")
	err := a.manager.Cancel(id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"task_id": id, "status": task.StatusCancelled})
	case errors.Is(err, task.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, task.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "task already terminal"})
	default:
		log.Error().Str("task_id", id).Err(err).Msg("cancel failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
	}
}

// ListTasks returns status documents, optionally filtered by status.
func (a *API) ListTasks(c *gin.Context) {
	filter := task.Filter{}
	if status := c.Query("status"); status != "" {
		filter.Statuses = []task.Status{task.Status(status)}
	}
	tasks, err := a.manager.List(filter)
	if err != nil {
		log.Error().Err(err).Msg("list tasks failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	docs := make([]task.StatusDocument, 0, len(tasks))
	for _, t := range tasks {
		docs = append(docs, a.manager.StatusDocument(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": docs})
}

func (a *API) lookup(c *gin.Context) (*task.Task, bool) {
	id := c.Param("id")
	t, err := a.manager.Get(id)
	if err != nil {
		log.Warn().Str("task_id", id).Msg("task not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return nil, false
	}
	return t, true
}
