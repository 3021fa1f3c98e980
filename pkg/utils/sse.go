package utils

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// WriteSSEEvent 写出一个带序号的事件帧: id / event / data
func WriteSSEEvent(w http.ResponseWriter, flusher http.Flusher, e stream.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// WriteSSEComment 发送注释行，用于保活
func WriteSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		log.Printf("failed to write sse comment: %v", err)
		return
	}
	flusher.Flush()
}
