// Package server is the signing server: it holds the storage credentials and hands out
// upload ids and pre-signed part URLs, so file bytes go straight from client to storage.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/gostones/s3queue/internal/storage"
	"github.com/gostones/s3queue/internal/types"
)

type Server struct {
	backend storage.Backend
	log     logrus.FieldLogger
}

func New(backend storage.Backend, log logrus.FieldLogger) *Server {
	return &Server{
		backend: backend,
		log:     log,
	}
}

// Handler returns the router of the signing endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/start-upload", s.startUpload).Methods(http.MethodGet)
	r.HandleFunc("/get-upload-url", s.getUploadURL).Methods(http.MethodGet)
	r.HandleFunc("/complete-upload", s.completeUpload).Methods(http.MethodPost)
	r.HandleFunc("/abort-upload", s.abortUpload).Methods(http.MethodPost)
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok")
	})
	return gziphandler.GzipHandler(r)
}

func parseStartUploadRequest(r *http.Request) *types.StartUploadRequest {
	q := r.URL.Query()
	return &types.StartUploadRequest{
		FileName: q.Get("fileName"),
		FileType: q.Get("fileType"),
	}
}

func parseGetUploadRequest(r *http.Request) *types.GetUploadURLRequest {
	q := r.URL.Query()
	return &types.GetUploadURLRequest{
		FileName:   q.Get("fileName"),
		PartNumber: q.Get("partNumber"),
		UploadID:   q.Get("uploadId"),
		MD5:        q.Get("md5"),
	}
}

func (s *Server) startUpload(w http.ResponseWriter, r *http.Request) {
	q := parseStartUploadRequest(r)
	log := s.log.WithField("key", q.FileName)
	if q.FileName == "" {
		writeError(w, http.StatusBadRequest, "fileName is required")
		return
	}
	uploadID, err := s.backend.CreateMultipartUpload(r.Context(), q.FileName, q.FileType)
	if err != nil {
		log.WithError(err).Error("start-upload")
		// no access to original status code, return 500
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.WithField("uploadId", uploadID).Info("start-upload")
	writeJSON(w, &types.StartUploadResponse{UploadID: uploadID})
}

func (s *Server) getUploadURL(w http.ResponseWriter, r *http.Request) {
	q := parseGetUploadRequest(r)
	log := s.log.WithFields(logrus.Fields{"key": q.FileName, "uploadId": q.UploadID, "part": q.PartNumber})
	partNumber, err := strconv.Atoi(q.PartNumber)
	if err != nil || partNumber < 1 {
		writeError(w, http.StatusBadRequest, "invalid partNumber")
		return
	}
	if q.FileName == "" || q.UploadID == "" {
		writeError(w, http.StatusBadRequest, "fileName and uploadId are required")
		return
	}
	u, err := s.backend.GetUploadPartURL(r.Context(), q.FileName, q.UploadID, partNumber, q.MD5)
	if err != nil {
		log.WithError(err).Error("get-upload-url")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Debug("get-upload-url")
	writeJSON(w, &types.GetUploadURLResponse{PresignedURL: u})
}

func (s *Server) completeUpload(w http.ResponseWriter, r *http.Request) {
	var q types.CompleteUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	log := s.log.WithFields(logrus.Fields{"key": q.Params.FileName, "uploadId": q.Params.UploadID})
	if len(q.Params.Parts) == 0 {
		writeError(w, http.StatusBadRequest, "parts are required")
		return
	}
	data, err := s.backend.CompleteMultipartUpload(r.Context(), q.Params.FileName, q.Params.UploadID, q.Params.Parts)
	if err != nil {
		log.WithError(err).Error("complete-upload")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.WithField("location", data.Location).Info("complete-upload")
	writeJSON(w, &types.CompleteUploadResponse{Data: *data})
}

func (s *Server) abortUpload(w http.ResponseWriter, r *http.Request) {
	var q types.AbortUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	log := s.log.WithFields(logrus.Fields{"key": q.FileName, "uploadId": q.UploadID})
	if err := s.backend.AbortMultipartUpload(r.Context(), q.FileName, q.UploadID); err != nil {
		log.WithError(err).Error("abort-upload")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("abort-upload")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(&types.ErrorResponse{Error: msg})
}
