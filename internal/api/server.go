// Package api exposes the service over HTTP for the chat front end.
package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
	"github.com/reposync/reposync/internal/service"
)

// Server is the HTTP server.
type Server struct {
	svc           *service.Service
	auth          *Auth
	maxUploadSize int64
}

// NewServer creates a new server. auth may be nil.
func NewServer(svc *service.Service, auth *Auth, maxUploadSize int64) *Server {
	if maxUploadSize <= 0 {
		maxUploadSize = 50 << 20
	}
	return &Server{
		svc:           svc,
		auth:          auth,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	protect := s.auth.Protect
	mux.HandleFunc("POST /api/v1/credentials", protect(s.handleSetCredential))
	mux.HandleFunc("POST /api/v1/repos/register", protect(s.handleRegister))
	mux.HandleFunc("POST /api/v1/repos/sync", protect(s.handleSync))
	mux.HandleFunc("POST /api/v1/repos/push", protect(s.handlePush))
	mux.HandleFunc("GET /api/v1/repos/tree", protect(s.handleTree))
	mux.HandleFunc("GET /api/v1/repos/files", protect(s.handleFlatTree))
	mux.HandleFunc("POST /api/v1/files/upload", protect(s.handleUpload))
	mux.HandleFunc("POST /api/v1/files/delete", protect(s.handleDelete))
	mux.HandleFunc("GET /api/v1/files/content", protect(s.handleContent))
	mux.HandleFunc("GET /api/v1/files/download", protect(s.handleDownload))

	// metrics.Middleware must see the request the mux matched to label it
	// by route pattern.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentialRequest struct {
	Session string `json:"session"`
	Token   string `json:"token"`
}

func (s *Server) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := s.svc.SetCredential(r.Context(), req.Session, req.Token)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendMessage(w, http.StatusOK, msg)
}

type registerRequest struct {
	Session string `json:"session"`
	URL     string `json:"url"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	reg, err := s.svc.RegisterRepository(r.Context(), req.Session, req.URL)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	sendJSON(w, status, reg)
}

type sessionRequest struct {
	Session string `json:"session"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := s.svc.SyncRepository(r.Context(), req.Session)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendMessage(w, http.StatusOK, msg)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.svc.PushRepository(r.Context(), req.Session)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	listing, err := s.svc.ListDirectory(r.Context(), q.Get("session"), q.Get("path"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, listing)
}

func (s *Server) handleFlatTree(w http.ResponseWriter, r *http.Request) {
	paths, err := s.svc.ListFlatTree(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Leave room for the multipart envelope.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		sendMessage(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		sendMessage(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	path := r.FormValue("path")
	if path == "" {
		path = header.Filename
	}
	data, err := io.ReadAll(file)
	if err != nil {
		sendMessage(w, http.StatusBadRequest, "cannot read file: "+err.Error())
		return
	}

	out, err := s.svc.UploadFile(r.Context(), r.FormValue("session"), path, data, header.Header.Get("Content-Type"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, out)
}

type fileRequest struct {
	Session string `json:"session"`
	Path    string `json:"path"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.svc.RequestDeletion(r.Context(), req.Session, req.Path)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusAccepted, out)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	content, err := s.svc.ReadFileContent(r.Context(), q.Get("session"), q.Get("path"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, content)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dl, err := s.svc.DownloadFileBytes(r.Context(), q.Get("session"), q.Get("path"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	w.WriteHeader(http.StatusOK)
	w.Write(dl.Data)
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindInvalidPath, errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindCredentialMissing:
		return http.StatusPreconditionFailed
	case errs.KindCredentialInvalid:
		return http.StatusUnauthorized
	case errs.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindRemoteError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Message string    `json:"message"`
	Code    errs.Kind `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	code := statusFor(kind)
	msg := errs.Message(err)
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	} else {
		logging.WithContext(r.Context()).Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	}
	sendJSON(w, code, errorResponse{Message: msg, Code: kind})
}

func sendMessage(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, map[string]string{"message": message})
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
