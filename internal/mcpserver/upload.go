package mcpserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/pictura/internal/checksum"
	"github.com/starford/pictura/internal/imaging"
	"github.com/starford/pictura/internal/models"
)

const maxImageSize = 10 << 20 // 10 MB

type uploadResult struct {
	ImageIdentifier string `json:"imageIdentifier"`
	Mime            string `json:"mime"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
}

func (s *Server) uploadImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := s.requireUser(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var data []byte
	if strings.HasPrefix(rawURL, "data:") {
		data, err = decodeDataURI(rawURL)
	} else {
		data, err = s.fetch(ctx, rawURL)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(data) > maxImageSize {
		return mcp.NewToolResultError(fmt.Sprintf("image too large: %d bytes (max %d)", len(data), maxImageSize)), nil
	}

	info, err := imaging.Inspect(data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := checksum.MD5(data)

	exists, err := s.db.ImageExists(ctx, user, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if exists {
		return mcp.NewToolResultError(fmt.Sprintf("image already exists: %s", id)), nil
	}

	img := &models.Image{
		User:            user,
		ImageIdentifier: id,
		Checksum:        id,
		MimeType:        info.MimeType,
		Extension:       info.Extension,
		Size:            int64(len(data)),
		Width:           info.Width,
		Height:          info.Height,
	}
	if err := s.db.InsertImage(ctx, img); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.store.Store(ctx, user, id, data); err != nil {
		_ = s.db.DeleteImage(ctx, user, id)
		return mcp.NewToolResultError(fmt.Sprintf("failed to store image: %v", err)), nil
	}

	out, _ := json.Marshal(uploadResult{
		ImageIdentifier: id,
		Mime:            info.MimeType,
		Width:           info.Width,
		Height:          info.Height,
	})
	return mcp.NewToolResultText(string(out)), nil
}

// decodeDataURI parses a data:[<mediatype>];base64,<data> URI.
func decodeDataURI(uri string) ([]byte, error) {
	meta, encoded, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, errors.New("invalid data URI: missing comma separator")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, errors.New("only base64 data URIs are supported")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 data: %w", err)
		}
	}
	return data, nil
}

// fetch downloads an image over HTTP(S), refusing loopback and cloud
// metadata hosts.
func (s *Server) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s (only http/https)", parsed.Scheme)
	}
	if err := s.checkHost(parsed.Hostname()); err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects (max 5)")
			}
			return s.checkHost(req.URL.Hostname())
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body failed: %w", err)
	}
	return data, nil
}

// checkHost rejects loopback and cloud metadata addresses unless the server
// was created with AllowLoopback.
func (s *Server) checkHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("blocked host: %s", host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return nil //nolint:nilerr // let http.Client report DNS failures
		}
		ip = ips[0]
	}
	if ip.IsLoopback() && !s.allowLoopback {
		return fmt.Errorf("blocked host: loopback address %s", host)
	}
	if ip.Equal(net.ParseIP("169.254.169.254")) {
		return fmt.Errorf("blocked host: cloud metadata address %s", host)
	}
	return nil
}
