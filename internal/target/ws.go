package target

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gorilla/websocket"

	"github.com/jackzampolin/bookherd/internal/fingerprint"
	"github.com/jackzampolin/bookherd/internal/metadata"
)

// wsChunkSize is the binary frame size for WebSocket file transfer.
const wsChunkSize = 256 * 1024

// wsUploadRequest is the opening frame of a WebSocket upload session.
type wsUploadRequest struct {
	Action   string         `json:"action"`
	Token    string         `json:"token,omitempty"`
	Manifest map[string]any `json:"manifest"`

	// SizeBytes announces the transfer length; 0 in symlink mode.
	SizeBytes int64 `json:"size_bytes"`
}

// wsUploadResponse is the closing frame the service answers with.
type wsUploadResponse struct {
	Status  string `json:"status"`
	Hash    string `json:"hash,omitempty"`
	Message string `json:"message,omitempty"`

	// Code mirrors the CLI's exit code for this result; the duplicate
	// path uses a documented non-zero value.
	Code int `json:"code"`
}

// uploadWS performs one upload over the WebSocket channel: a JSON manifest
// frame, binary chunks unless in symlink mode, then a JSON result frame.
func (c *Client) uploadWS(ctx context.Context, rec metadata.Record, fp fingerprint.Fingerprint, ref FileRef) (UploadResult, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return UploadResult{}, fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	// Tie the connection to ctx: close it on cancellation so reads unblock.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	req := wsUploadRequest{
		Action:   "upload",
		Token:    c.token,
		Manifest: uploadManifest(rec, fp, ref),
	}
	if ref.TargetPath == "" {
		info, err := os.Stat(ref.LocalPath)
		if err != nil {
			return UploadResult{}, fmt.Errorf("upload source unreadable: %w", err)
		}
		req.SizeBytes = info.Size()
	}

	if err := conn.WriteJSON(req); err != nil {
		return UploadResult{}, fmt.Errorf("websocket manifest write failed: %w", err)
	}

	if ref.TargetPath == "" {
		if err := c.streamFileWS(conn, ref.LocalPath); err != nil {
			return UploadResult{}, err
		}
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return UploadResult{}, fmt.Errorf("websocket result read failed: %w", err)
	}

	var resp wsUploadResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return UploadResult{}, fmt.Errorf("websocket result unreadable: %w", err)
	}
	return classifyWSResponse(resp), nil
}

func (c *Client) streamFileWS(conn *websocket.Conn, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("upload source unreadable: %w", err)
	}
	defer f.Close()

	buf := make([]byte, wsChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return fmt.Errorf("websocket chunk write failed: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("upload source read failed: %w", err)
		}
	}
	// Empty binary frame terminates the transfer.
	if err := conn.WriteMessage(websocket.BinaryMessage, nil); err != nil {
		return fmt.Errorf("websocket terminator write failed: %w", err)
	}
	return nil
}

func classifyWSResponse(resp wsUploadResponse) UploadResult {
	result := UploadResult{
		ServerFingerprint: resp.Hash,
		Message:           resp.Message,
	}
	switch {
	case resp.Code == DuplicateExitCode || IsDuplicateMessage(resp.Message) || resp.Status == string(StatusDuplicate):
		result.Status = StatusDuplicate
	case resp.Status == string(StatusNew) || (resp.Code == 0 && resp.Status == "ok"):
		result.Status = StatusNew
	case resp.Status == string(StatusSizeRejected):
		result.Status = StatusSizeRejected
	case resp.Status == string(StatusServerError):
		result.Status = StatusServerError
	default:
		result.Status = StatusValidationRejected
	}
	return result
}
