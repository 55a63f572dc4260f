package api

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const boundary = "frame"

// blankJPEG is served when no stream is active.
func blankJPEG() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	gray := color.RGBA{R: 32, G: 32, B: 32, A: 255}
	for y := range 480 {
		for x := range 640 {
			img.Set(x, y, gray)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(w io.Writer, jpegData []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(jpegData)); err != nil {
		return err
	}
	if _, err := w.Write(jpegData); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func writeClose(w io.Writer) {
	_, _ = fmt.Fprintf(w, "--%s--\r\n", boundary)
}

// handleFeed streams the latest frame as multipart MJPEG. Each client polls
// the frame cache on its own ticker and only writes frames it has not sent.
// The response ends when the stream stops or the client goes away.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")

	if !s.pipeline.IsActive() {
		if err := writePart(w, s.blank); err != nil {
			s.logger.Debug("feed client disconnected", zap.Error(err))
			return
		}
		writeClose(w)
		flusher.Flush()
		return
	}

	if s.metrics != nil {
		s.metrics.FeedClients.Add(1)
		defer s.metrics.FeedClients.Add(-1)
	}

	interval := s.cfg.API.FeedInterval
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frames := s.pipeline.Frames()
	var last uint64
	for s.pipeline.IsActive() {
		if snap, ok := frames.Latest(); ok && snap.Sequence != last {
			last = snap.Sequence
			if err := writePart(w, snap.JPEG); err != nil {
				s.logger.Debug("feed client disconnected", zap.Error(err))
				return
			}
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
	writeClose(w)
	flusher.Flush()
}
