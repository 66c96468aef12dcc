package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"postflow/internal/post"
)

// uploader posts media to a platform gateway:
//
//	POST {base_url}/upload (multipart: file, caption, hashtags)
//	Authorization: Bearer {access_token}
//	200 -> {"id": "...", "share_url": "..."}
type uploader struct {
	platform post.Platform
	baseURL  string
	token    string
	client   *http.Client
}

type uploadResponse struct {
	ID       string `json:"id"`
	ShareURL string `json:"share_url"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (u *uploader) upload(ctx context.Context, mediaPath, caption string, hashtags []string) (uploadResponse, error) {
	f, err := os.Open(mediaPath)
	if err != nil {
		return uploadResponse{}, &PublishError{Platform: u.platform, Kind: KindValidation, Err: fmt.Errorf("open media: %w", err)}
	}
	defer f.Close()

	// Stream the file through a pipe so large videos are not buffered.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, f, filepath.Base(mediaPath), caption, hashtags)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(u.baseURL, "/")+"/upload", pr)
	if err != nil {
		_ = pr.Close()
		return uploadResponse{}, &PublishError{Platform: u.platform, Kind: KindValidation, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		_ = pr.Close()
		return uploadResponse{}, Classify(u.platform, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return uploadResponse{}, &PublishError{
			Platform: u.platform,
			Kind:     kindForStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      errors.New(errorMessage(resp.Body)),
		}
	}

	var out uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return uploadResponse{}, &PublishError{Platform: u.platform, Kind: KindTransport, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ID == "" {
		return uploadResponse{}, &PublishError{Platform: u.platform, Kind: KindTransport, Status: resp.StatusCode, Err: errors.New("response missing media id")}
	}
	return out, nil
}

func writeForm(mw *multipart.Writer, media io.Reader, name, caption string, hashtags []string) error {
	if err := mw.WriteField("caption", caption); err != nil {
		return err
	}
	for _, h := range hashtags {
		if err := mw.WriteField("hashtags", h); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, media)
	return err
}

func errorMessage(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	var er errorResponse
	if json.Unmarshal(b, &er) == nil {
		if er.Message != "" {
			return er.Message
		}
		if er.Error != "" {
			return er.Error
		}
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return s
	}
	return "request rejected"
}
