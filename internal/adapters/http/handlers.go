package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Verify/internal/app/orch"
	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

type handlers struct {
	facade *orch.Facade
}

func sessionID(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("id"))
}

// bind decodes a JSON body into req. An empty body leaves req untouched.
func bind(c *gin.Context, req any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		abortWithError(c, domain.Invalid("malformed request body"))
		return false
	}
	return true
}

type scheduleRequest struct {
	ScheduledAt      time.Time `json:"scheduled_at"`
	VerificationType string    `json:"verification_type"`
	ExternalEventRef *string   `json:"external_event_ref"`
}

func (h *handlers) schedule(c *gin.Context) {
	var req scheduleRequest
	if !bind(c, &req) {
		return
	}
	vt, err := domain.ParseVerificationType(req.VerificationType)
	if err != nil {
		abortWithError(c, err)
		return
	}
	vs, err := h.facade.Schedule(c.Request.Context(), domain.ScheduleRequest{
		UserID:           domain.UserID(c.GetString(userKey)),
		ScheduledAt:      req.ScheduledAt,
		VerificationType: vt,
		ExternalEventRef: req.ExternalEventRef,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, vs)
}

func (h *handlers) getSession(c *gin.Context) {
	vs, err := h.facade.GetSession(c.Request.Context(), sessionID(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

func (h *handlers) giveConsent(c *gin.Context) {
	var req struct {
		Recording bool `json:"recording"`
	}
	if !bind(c, &req) {
		return
	}
	vs, err := h.facade.GiveConsent(c.Request.Context(), sessionID(c), req.Recording)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

func (h *handlers) assignAgent(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !bind(c, &req) {
		return
	}
	agent, err := domain.ParseAgentID(req.AgentID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	vs, err := h.facade.AssignAgent(c.Request.Context(), sessionID(c), agent)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

func (h *handlers) addNote(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	if !bind(c, &req) {
		return
	}
	vs, err := h.facade.AddNote(c.Request.Context(), sessionID(c), req.Note)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

func (h *handlers) raiseFlag(c *gin.Context) {
	var req struct {
		Flag string `json:"flag"`
	}
	if !bind(c, &req) {
		return
	}
	vs, err := h.facade.RaiseFraudFlag(c.Request.Context(), sessionID(c), req.Flag)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

type joinRequest struct {
	Audio         bool   `json:"audio"`
	Video         bool   `json:"video"`
	AudioDeviceID string `json:"audio_device_id"`
	VideoDeviceID string `json:"video_device_id"`
	AwaitPeer     bool   `json:"await_peer"`
}

func (h *handlers) join(c *gin.Context) {
	var req joinRequest
	if !bind(c, &req) {
		return
	}
	if !req.Audio && !req.Video {
		req.Audio, req.Video = true, true
	}
	vs, err := h.facade.Join(c.Request.Context(), sessionID(c), orch.JoinOptions{
		Constraints: core.Constraints{
			Audio:         req.Audio,
			Video:         req.Video,
			AudioDeviceID: req.AudioDeviceID,
			VideoDeviceID: req.VideoDeviceID,
		},
		AwaitPeer: req.AwaitPeer,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

func (h *handlers) connection(c *gin.Context) {
	id := sessionID(c)
	if _, err := h.facade.GetSession(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":   h.facade.ConnectionState(id),
		"quality": h.facade.Quality(id),
	})
}

func (h *handlers) startRecording(c *gin.Context) {
	var req struct {
		AllowDisconnected bool `json:"allow_disconnected"`
	}
	if !bind(c, &req) {
		return
	}
	err := h.facade.StartRecording(c.Request.Context(), sessionID(c), orch.RecordingOptions{AllowDisconnected: req.AllowDisconnected})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) stopRecording(c *gin.Context) {
	out := h.facade.StopRecording(c.Request.Context(), sessionID(c))
	if out.Err != nil {
		abortWithError(c, out.Err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ref":       out.Ref,
		"encrypted": out.Encrypted,
		"chunks":    out.Chunks,
	})
}

func (h *handlers) finish(c *gin.Context) {
	var req struct {
		Status  string `json:"status"`
		Salvage bool   `json:"salvage"`
	}
	if !bind(c, &req) {
		return
	}
	status, err := domain.ParseSessionStatus(req.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	vs, err := h.facade.Finish(c.Request.Context(), sessionID(c), status, orch.FinishOptions{Salvage: req.Salvage})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, vs)
}

func (h *handlers) uploadDocument(c *gin.Context) {
	docType, err := domain.ParseDocumentType(c.PostForm("document_type"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		abortWithError(c, domain.Invalid("multipart field \"file\" is required"))
		return
	}
	f, err := header.Open()
	if err != nil {
		abortWithError(c, domain.ErrDocumentUploadFailed.With(err))
		return
	}
	defer f.Close()

	// Browsers label unknown files as octet-stream; sniff those instead.
	mediaType := header.Header.Get("Content-Type")
	if mediaType == "application/octet-stream" {
		mediaType = ""
	}
	doc, err := h.facade.UploadDocument(c.Request.Context(), sessionID(c), domain.File{
		Name:      header.Filename,
		MediaType: mediaType,
		Size:      header.Size,
		Body:      f,
	}, docType)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (h *handlers) listDocuments(c *gin.Context) {
	id := sessionID(c)
	if _, err := h.facade.GetSession(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	docs, err := h.facade.ListDocuments(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *handlers) setDocumentStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if !bind(c, &req) {
		return
	}
	status, err := domain.ParseDocumentStatus(req.Status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	doc, err := h.facade.SetDocumentStatus(c.Request.Context(), domain.DocumentID(c.Param("id")), status)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// events streams the session's events as SSE until the session ends or
// the client goes away.
func (h *handlers) events(c *gin.Context) {
	id := sessionID(c)
	sub, err := h.facade.Watch(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("connected", gin.H{"session_id": id})
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			c.SSEvent(string(e.Kind), e)
			c.Writer.Flush()
		}
	}
}
