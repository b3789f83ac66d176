package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/aixgo-dev/promptly/pkg/blob"
	"github.com/aixgo-dev/promptly/pkg/observability"
	"github.com/aixgo-dev/promptly/pkg/session"
)

// multipartOverhead is allowed on top of the file itself for boundaries and
// form fields.
const multipartOverhead = 1 << 20

// UploadResponse is the reply to POST /files.
type UploadResponse struct {
	FileID string `json:"fileId"`
	URL    string `json:"url"`
	Size   int64  `json:"size"`
	Mime   string `json:"mime"`
}

// handleUpload stores one multipart "file" part. An optional sessionId form
// field or query parameter files it under that session and links it into
// the session settings. An unusable session falls back to the user prefix.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeMessage(w, http.StatusServiceUnavailable, "file uploads are disabled")
		return
	}
	if r.ContentLength > blob.MaxUploadBytes+multipartOverhead {
		s.rejectTooLarge(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, blob.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.rejectTooLarge(w)
			return
		}
		writeMessage(w, http.StatusUnprocessableEntity, "no file provided")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, http.StatusUnprocessableEntity, "no file provided")
		return
	}
	defer file.Close()

	if header.Size > blob.MaxUploadBytes {
		s.rejectTooLarge(w)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := header.Filename
	if filename == "" {
		filename = blob.DefaultFilename
	}
	if err := blob.ValidateFileType(contentType, filename); err != nil {
		observability.RecordUpload("rejected")
		s.writeError(w, r, fmt.Errorf("%w: %s", err, contentType))
		return
	}

	ctx := r.Context()
	uid := userID(r)
	sessionID := r.FormValue("sessionId")
	if sessionID != "" {
		if _, err := s.engine.Session(ctx, uid, sessionID); err != nil {
			s.logger.Warn("upload session unusable, storing under user prefix",
				"session_id", sessionID, "user_id", uid, "error", err)
			sessionID = ""
		}
	}

	fileID := uuid.NewString()
	key := blob.ObjectKey(sessionID, uid, fileID, blob.SanitizeFilename(filename))

	if err := s.blobs.Put(ctx, key, file, header.Size, contentType); err != nil {
		observability.RecordUpload("error")
		s.logger.Error("upload failed", "key", key, "error", err)
		writeMessage(w, http.StatusBadGateway, "file storage unavailable")
		return
	}
	url, err := s.blobs.URL(ctx, key)
	if err != nil {
		observability.RecordUpload("error")
		s.logger.Error("presign failed", "key", key, "error", err)
		writeMessage(w, http.StatusBadGateway, "file storage unavailable")
		return
	}

	if sessionID != "" {
		_, err := s.engine.AttachFile(ctx, uid, sessionID, session.ContextSource{
			Type:        "file",
			FileID:      fileID,
			Filename:    filename,
			Size:        header.Size,
			ContentType: contentType,
		})
		if err != nil {
			s.logger.Warn("failed to link file to session",
				"session_id", sessionID, "file_id", fileID, "error", err)
		}
	}

	observability.RecordUpload("ok")
	s.logger.Info("file uploaded", "file_id", fileID, "size", header.Size, "user_id", uid)
	writeJSON(w, http.StatusCreated, UploadResponse{
		FileID: fileID,
		URL:    url,
		Size:   header.Size,
		Mime:   contentType,
	})
}

func (s *Server) rejectTooLarge(w http.ResponseWriter) {
	observability.RecordUpload("too_large")
	writeMessage(w, http.StatusRequestEntityTooLarge,
		fmt.Sprintf("file exceeds %d MB limit", blob.MaxUploadBytes>>20))
}
