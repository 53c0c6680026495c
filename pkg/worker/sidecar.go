package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// sidecarHandler serves the HTTP side-channel: file uploads, health and
// status. It runs on its own listener and never touches the message loop.
func (s *Server) sidecarHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/upload", s.handleUpload)
	return mux
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// StatusResponse represents the status query response
type StatusResponse struct {
	Sessions  int  `json:"sessions"`
	Streaming bool `json:"streaming"`
}

// handleHealth handles the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
		Checks: map[string]string{"worker": "healthy"},
	})
}

// handleStatus handles the /status liveness query
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, StatusResponse{
		Sessions:  s.SessionCount(),
		Streaming: s.streamer != nil,
	})
}

// uploadResponse reports the outcome of an upload request
type uploadResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

// handleUpload receives multipart file uploads on the side-channel
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.UploadDir == "" {
		http.Error(w, "uploads are not enabled", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("invalid upload: %v", err), http.StatusBadRequest)
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		http.Error(w, "no files provided", http.StatusBadRequest)
		return
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		s.logger.Error("failed to create upload directory", zap.Error(err))
		http.Error(w, "failed to store files", http.StatusInternalServerError)
		return
	}

	saved := make([]string, 0, len(files))
	for _, header := range files {
		name := sanitizeFilename(header.Filename)
		if name == "" {
			continue
		}

		path := filepath.Join(s.cfg.UploadDir, name)
		if err := s.saveUpload(header, path); err != nil {
			s.logger.Error("failed to save upload",
				zap.String("filename", name),
				zap.Error(err),
			)
			http.Error(w, "failed to store files", http.StatusInternalServerError)
			return
		}

		s.logger.Info("file uploaded", zap.String("path", path))
		saved = append(saved, name)

		if observer, ok := s.worker.(UploadObserver); ok {
			if err := observer.FileUploaded(r.Context(), path); err != nil {
				s.logger.Error("worker failed to process upload",
					zap.String("path", path),
					zap.Error(err),
				)
			}
		}
	}

	s.respondJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		Message: fmt.Sprintf("Successfully uploaded %d file(s)", len(saved)),
		Files:   saved,
	})
}

// saveUpload writes one multipart part to disk
func (s *Server) saveUpload(header *multipart.FileHeader, path string) error {
	src, err := header.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// sanitizeFilename strips any path components from a client-supplied
// filename so uploads cannot escape the upload directory
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
