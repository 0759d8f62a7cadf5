package internal

import (
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// TimeTrack logs elapsed and average time of repeated runs.
func TimeTrack(log logrus.FieldLogger, name string) func(time.Time) {
	var avg int64
	var n int64
	return func(start time.Time) {
		elapsed := time.Since(start)
		n++
		avg = (avg*(n-1) + int64(elapsed)) / n
		log.WithFields(logrus.Fields{
			"name":    name,
			"n":       n,
			"elapsed": elapsed,
			"average": time.Duration(avg),
		}).Info("time track")
	}
}

// ContentType sniffs the mime type from the head of r and seeks back to the start.
func ContentType(r io.ReadSeeker) (string, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return mt.String(), nil
}

// MediaKind maps a content type to image, video, audio, pdf, doc or other.
func MediaKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "application/pdf"):
		return "pdf"
	case strings.HasPrefix(contentType, "application/"):
		return "doc"
	}
	return "other"
}
