package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/protocol"
	"github.com/ent0n29/memories/internal/queue"
	"github.com/ent0n29/memories/internal/reliability"
)

// Client performs remote saves against a memories server.
type Client struct {
	baseURL string
	http    *http.Client
	open    func(name string) (io.ReadCloser, error)
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
		open:    func(name string) (io.ReadCloser, error) { return os.Open(name) },
	}
}

// Save uploads item as one multipart request keyed by its LocalID. Media
// files that no longer exist locally are left out.
func (c *Client) Save(ctx context.Context, item queue.QueuedMemory) (protocol.SaveResponse, error) {
	payload := protocol.SavePayload{
		LocalID:    item.LocalID,
		MemoryType: string(item.MemoryType),
		Tags:       item.Tags,
		Latitude:   item.Latitude,
		Longitude:  item.Longitude,
		CapturedAt: item.CapturedAt,
	}
	if item.InputText != nil {
		payload.InputText = *item.InputText
	}
	if item.AudioDuration != nil {
		payload.AudioDurationMS = item.AudioDuration.Milliseconds()
	}

	files := make([]filePart, 0, len(item.PhotoPaths)+len(item.VideoPaths)+1)
	for _, p := range item.PhotoPaths {
		files = append(files, filePart{field: protocol.FieldPhoto, path: p})
	}
	for _, p := range item.VideoPaths {
		files = append(files, filePart{field: protocol.FieldVideo, path: p})
	}
	if item.AudioPath != nil && *item.AudioPath != "" {
		files = append(files, filePart{field: protocol.FieldAudio, path: *item.AudioPath})
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	// The body error is handed over before the pipe closes, so it is
	// available once Do has failed on it.
	bodyErr := make(chan error, 1)
	go func() {
		err := c.writeMultipart(mw, payload, files)
		bodyErr <- err
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/memories", pr)
	if err != nil {
		_ = pr.Close()
		return protocol.SaveResponse{}, apperr.NewSave("build save request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(protocol.HeaderIdempotencyKey, item.LocalID)
	if item.UserID != "" {
		req.Header.Set(protocol.HeaderUserID, item.UserID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		_ = pr.Close()
		if ctx.Err() != nil {
			return protocol.SaveResponse{}, ctx.Err()
		}
		if werr := typedBodyError(bodyErr); werr != nil {
			return protocol.SaveResponse{}, werr
		}
		return protocol.SaveResponse{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out protocol.SaveResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return protocol.SaveResponse{}, apperr.NewSave("decode save response", err)
		}
		if out.MemoryID == "" {
			return protocol.SaveResponse{}, apperr.NewSave("save response without memory_id", nil)
		}
		return out, nil
	}
	if werr := typedBodyError(bodyErr); werr != nil {
		return protocol.SaveResponse{}, werr
	}
	return protocol.SaveResponse{}, decodeErrorResponse(resp)
}

// typedBodyError returns the multipart writer's failure when it carries an
// error code of its own, such as an unreadable media file.
func typedBodyError(ch <-chan error) error {
	select {
	case err := <-ch:
		if _, ok := apperr.As(err); ok {
			return err
		}
	default:
	}
	return nil
}

type filePart struct {
	field string
	path  string
}

func (c *Client) writeMultipart(mw *multipart.Writer, payload protocol.SavePayload, files []filePart) error {
	part, err := mw.CreateFormField(protocol.FieldPayload)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(payload); err != nil {
		return err
	}
	for _, f := range files {
		if err := c.copyFile(mw, f); err != nil {
			return err
		}
	}
	return mw.Close()
}

func (c *Client) copyFile(mw *multipart.Writer, f filePart) error {
	file, err := c.open(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("remote: skipping missing %s file %q", f.field, f.path)
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		e := apperr.NewPermission(fmt.Sprintf("cannot read %s file %q", f.field, f.path))
		e.Err = err
		return e
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	defer file.Close()

	part, err := mw.CreateFormFile(f.field, filepath.Base(f.path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

func classifyTransportError(err error) error {
	switch reliability.CodeForTransport(err) {
	case apperr.CodeOffline:
		return apperr.NewOffline(err)
	case apperr.CodeNetwork:
		return apperr.NewNetwork("save request timed out", err)
	default:
		return apperr.NewSave("save request failed", err)
	}
}

func decodeErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body protocol.ErrorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Code != "" {
		e := apperr.New(apperr.Code(body.Code), body.Error)
		e.Status = resp.StatusCode
		e.Details = body.Details
		return e
	}
	e := apperr.New(reliability.CodeForStatus(resp.StatusCode), fmt.Sprintf("server answered %d", resp.StatusCode))
	e.Status = resp.StatusCode
	return e
}
