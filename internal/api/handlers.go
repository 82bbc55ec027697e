package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/manpreetbhatti/codehive/internal/chat"
	"github.com/manpreetbhatti/codehive/internal/language"
	"github.com/manpreetbhatti/codehive/internal/room"
	"github.com/manpreetbhatti/codehive/internal/ws"
)

func (a *API) WebsocketHandler(c *gin.Context) {
	ws.ServeWs(a.Hub, a.Sessions, c.Writer, c.Request)
}

func (a *API) HealthHandler(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if a.Store != nil {
		if err := a.Store.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["store"] = err.Error()
		}
	}

	jsonResponse(c, status, body)
}

func (a *API) StatsHandler(c *gin.Context) {
	stats := gin.H{
		"active_rooms":   a.Hub.RoomCount(),
		"active_clients": a.Hub.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.Store != nil {
		dbStats, err := a.Store.Stats(c.Request.Context())
		if err == nil {
			for k, v := range dbStats {
				stats[k] = v
			}
		} else {
			a.Log.Warn("store stats failed", "error", err)
		}
	}

	jsonResponse(c, http.StatusOK, stats)
}

type LanguageResponse struct {
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
	Runnable bool   `json:"runnable"`
	Preview  bool   `json:"preview"`
}

func (a *API) LanguagesHandler(c *gin.Context) {
	langs := language.Editor()
	out := make([]LanguageResponse, 0, len(langs))
	for _, l := range langs {
		out = append(out, LanguageResponse{
			Name:     string(l),
			Icon:     l.Icon(),
			Runnable: l.Runtime() != language.RuntimeNone,
			Preview:  l.Runtime() == language.RuntimePreview,
		})
	}
	jsonResponse(c, http.StatusOK, gin.H{"languages": out})
}

// Teams

type CreateTeamRequest struct {
	ProjectName string   `json:"projectName"`
	USNs        []string `json:"usns"`
}

func (a *API) CreateTeamHandler(c *gin.Context) {
	var req CreateTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	team, err := a.Chat.RegisterTeam(c.Request.Context(), req.ProjectName, req.USNs)
	if err != nil {
		a.handleError(c, err)
		return
	}
	jsonResponse(c, http.StatusCreated, gin.H{"success": true, "team": team})
}

type LoginRequest struct {
	ProjectName string `json:"projectName"`
	USN         string `json:"usn"`
}

func (a *API) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	team, err := a.Chat.Login(c.Request.Context(), req.ProjectName, req.USN)
	if err != nil {
		a.handleError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, gin.H{"success": true, "projectName": team.ProjectName, "usn": req.USN})
}

// Files and execution

func (a *API) FilesHandler(c *gin.Context) {
	key := room.NewKey(c.Param("project"), c.Param("language"))

	files, err := a.Files.GetOrCreate(c.Request.Context(), key)
	if err != nil {
		a.handleError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, gin.H{"files": files})
}

type RunRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

func (a *API) RunHandler(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	res := a.Executor.Execute(c.Request.Context(), req.Language, req.Code)
	jsonResponse(c, res.Status, res.Body())
}

// Chat

func (a *API) ListMessagesHandler(c *gin.Context) {
	messages, err := a.Chat.ListMessages(c.Request.Context(), c.Param("project"))
	if err != nil {
		a.handleError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, gin.H{"messages": messages})
}

// SendMessageHandler accepts multipart or urlencoded forms with fields usn,
// projectName, message and an optional codefile
func (a *API) SendMessageHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.MaxUploadBytes)

	if err := c.Request.ParseMultipartForm(a.MaxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorResponse(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", a.MaxUploadBytes))
			return
		}
		errorResponse(c, http.StatusBadRequest, "Invalid form body")
		return
	}

	in := chat.SendInput{
		ProjectName: c.PostForm("projectName"),
		Sender:      c.PostForm("usn"),
		Text:        c.PostForm("message"),
	}

	fh, err := c.FormFile("codefile")
	switch {
	case err == nil && fh.Filename != "":
		f, err := fh.Open()
		if err != nil {
			a.handleError(c, err)
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			a.handleError(c, err)
			return
		}
		in.Attachment = &chat.Attachment{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     content,
		}
	case err != nil && !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		errorResponse(c, http.StatusBadRequest, "Invalid file upload")
		return
	}

	msg, err := a.Chat.SendMessage(c.Request.Context(), in)
	if err != nil {
		a.handleError(c, err)
		return
	}
	jsonResponse(c, http.StatusCreated, gin.H{"success": true, "message": msg})
}

type DeleteMessageRequest struct {
	MessageID string `json:"message_id"`
	USN       string `json:"usn"`
}

func (a *API) DeleteMessageHandler(c *gin.Context) {
	var req DeleteMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := a.Chat.DeleteMessage(c.Request.Context(), req.MessageID, req.USN); err != nil {
		a.handleError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, gin.H{"success": true})
}

type ShareFileRequest struct {
	USN         string `json:"usn"`
	ProjectName string `json:"projectName"`
	Filename    string `json:"filename"`
	Code        string `json:"code"`
}

func (a *API) ShareFileHandler(c *gin.Context) {
	var req ShareFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	msg, err := a.Chat.ShareFile(c.Request.Context(), req.ProjectName, req.USN, req.Filename, req.Code)
	if err != nil {
		a.handleError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, gin.H{"success": true, "message": msg})
}

func (a *API) DownloadHandler(c *gin.Context) {
	upload, err := a.Chat.GetUpload(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.handleError(c, err)
		return
	}

	contentType := upload.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": upload.OriginalName}))
	c.Header("Content-Length", strconv.Itoa(len(upload.Content)))
	c.Data(http.StatusOK, contentType, upload.Content)
}

// Packages

type InstallPackageRequest struct {
	ProjectName string `json:"projectName"`
	Language    string `json:"language"`
	Package     string `json:"package"`
}

func (a *API) InstallPackageHandler(c *gin.Context) {
	var req InstallPackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	res, err := a.Packages.Install(c.Request.Context(), req.ProjectName, req.Language, req.Package)
	if err != nil {
		a.handleError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, res)
}

type ListPackagesRequest struct {
	ProjectName string `json:"projectName"`
}

func (a *API) ListPackagesHandler(c *gin.Context) {
	var req ListPackagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	listing, err := a.Packages.List(c.Request.Context(), req.ProjectName)
	if err != nil {
		a.handleError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, listing)
}

// Assistant

type ExplainErrorRequest struct {
	Error string `json:"error"`
	Line  any    `json:"line"`
	Code  string `json:"code"`
}

func (a *API) ExplainErrorHandler(c *gin.Context) {
	var req ExplainErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Error == "" {
		errorResponse(c, http.StatusBadRequest, "Missing error")
		return
	}

	line := ""
	if req.Line != nil {
		line = fmt.Sprint(req.Line)
	}

	res, err := a.Assistant.ExplainError(c.Request.Context(), req.Error, line, req.Code)
	if err != nil {
		a.assistantError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, res)
}

type CompleteRequest struct {
	Code string `json:"code"`
}

func (a *API) CompleteHandler(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	suggestion, err := a.Assistant.Complete(c.Request.Context(), req.Code)
	if err != nil {
		a.assistantError(c, err)
		return
	}
	jsonResponse(c, http.StatusOK, gin.H{"completion": suggestion})
}

// assistantError surfaces upstream failures verbatim
func (a *API) assistantError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		status = http.StatusBadGateway
	}
	a.Log.Warn("assistant request failed", "path", c.FullPath(), "error", err)
	errorResponse(c, status, err.Error())
}
