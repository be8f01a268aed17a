// Package assets downloads the visuals of a finished job into a storage sink.
package assets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"visualgen/internal/domain"
	"visualgen/internal/infra"
	"visualgen/pkg/zip"
)

const (
	defaultConcurrency = 4
	defaultMaxBytes    = 32 << 20
)

var ErrTooLarge = errors.New("assets: image exceeds size limit")

// Sink stores exported bytes. storage.FileStore and storage.MinioStore
// implement it.
type Sink interface {
	Write(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Location(key string) string
}

type Options struct {
	HTTPClient  *http.Client
	Concurrency int
	MaxBytes    int64
	Logger      *infra.Logger
}

type Exporter struct {
	http        *http.Client
	concurrency int
	maxBytes    int64
	log         *infra.Logger
}

// Exported is one visual written to a sink.
type Exported struct {
	Type        string
	Key         string
	Location    string
	ContentType string
	Data        []byte
	GeneratedAt time.Time
}

func NewExporter(opts Options) *Exporter {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	return &Exporter{
		http:        opts.HTTPClient,
		concurrency: opts.Concurrency,
		maxBytes:    opts.MaxBytes,
		log:         infra.OrDiscard(opts.Logger),
	}
}

// Export downloads every completed item of job and writes it to sink under
// "<jobID>/<nn>-<type><ext>". Results keep item order. The first failure
// cancels the remaining downloads.
func (e *Exporter) Export(ctx context.Context, job domain.GenerationJob, sink Sink) ([]Exported, error) {
	type slot struct {
		idx  int
		item domain.VisualItem
	}
	var todo []slot
	for i, item := range job.Items {
		if item.Status == domain.ItemStatusCompleted && strings.TrimSpace(item.ImageURL) != "" {
			todo = append(todo, slot{idx: i, item: item})
		}
	}
	out := make([]Exported, len(todo))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for n, s := range todo {
		g.Go(func() error {
			data, contentType, err := e.fetch(gctx, s.item.ImageURL)
			if err != nil {
				return fmt.Errorf("assets: %s: %w", s.item.Type, err)
			}
			key := fmt.Sprintf("%s/%02d-%s%s", job.ID, s.idx+1, s.item.Type, extensionFor(contentType))
			stored, err := sink.Write(gctx, key, data, contentType)
			if err != nil {
				return fmt.Errorf("assets: store %s: %w", s.item.Type, err)
			}
			out[n] = Exported{
				Type:        s.item.Type,
				Key:         stored,
				Location:    sink.Location(stored),
				ContentType: contentType,
				Data:        data,
				GeneratedAt: s.item.GeneratedAt,
			}
			e.log.Debug().Str("job_id", job.ID).Str("item_type", s.item.Type).Int("bytes", len(data)).Msg("assets: exported")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.log.Info().Str("job_id", job.ID).Int("count", len(out)).Msg("assets: export finished")
	return out, nil
}

// Archive bundles exported visuals into one zip.
func Archive(exported []Exported) ([]byte, error) {
	files := make([]zip.Asset, 0, len(exported))
	for _, ex := range exported {
		files = append(files, zip.Asset{
			Filename: ex.Key,
			MIME:     ex.ContentType,
			Data:     ex.Data,
			Modified: ex.GeneratedAt,
		})
	}
	return zip.ArchiveAssets(files)
}

func (e *Exporter) fetch(ctx context.Context, url string) ([]byte, string, error) {
	if strings.HasPrefix(url, "data:") {
		return decodeDataURL(url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("download: read body: %w", err)
	}
	if int64(len(data)) > e.maxBytes {
		return nil, "", ErrTooLarge
	}
	contentType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// decodeDataURL handles inline "data:<mime>;base64,<payload>" images.
func decodeDataURL(url string) ([]byte, string, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data url")
	}
	contentType, encoding, _ := strings.Cut(meta, ";")
	if encoding != "base64" {
		return nil, "", fmt.Errorf("unsupported data url encoding %q", encoding)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}

type discardSink struct{}

func (discardSink) Write(_ context.Context, key string, _ []byte, _ string) (string, error) {
	return key, nil
}

func (discardSink) Location(key string) string { return key }

// Discard keeps nothing; Export still returns the downloaded bytes.
var Discard Sink = discardSink{}
