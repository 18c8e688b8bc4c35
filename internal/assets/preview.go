// Package assets generates preview thumbnails for texture assets once a
// LOAD_ASSETS job completes. Preview generation is best-effort: failures are
// logged and never touch job state.
package assets

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"engine-broker/internal/config"
)

const maxTextureBytes = 25 * 1024 * 1024

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Previewer downloads textures and writes downscaled previews to a local
// directory or an S3 bucket.
type Previewer struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
}

// NewPreviewer constructs the previewer and chooses an uploader. It returns
// nil (disabled) when no asset base URL is configured.
func NewPreviewer(ctx context.Context, cfg config.Config) (*Previewer, error) {
	if cfg.AssetBaseURL == "" {
		return nil, nil
	}

	timeout := cfg.PreviewTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var s3Upload uploader
	if cfg.AssetS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.AssetS3Bucket}
	}

	return &Previewer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: cfg.AssetPreviewDir},
		s3:         s3Upload,
	}, nil
}

// GeneratePreviews processes every texture-looking asset in the list.
func (p *Previewer) GeneratePreviews(ctx context.Context, assetNames []string) {
	for _, name := range assetNames {
		if !isTexture(name) {
			continue
		}
		if err := p.generateOne(ctx, name); err != nil {
			log.Printf("[ASSETS] preview for %q failed: %v", name, err)
		}
	}
}

func (p *Previewer) generateOne(ctx context.Context, name string) error {
	src, err := url.JoinPath(p.cfg.AssetBaseURL, name)
	if err != nil {
		return fmt.Errorf("build asset url: %w", err)
	}

	data, _, err := p.download(ctx, src)
	if err != nil {
		return err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode texture: %w", err)
	}

	size := p.cfg.PreviewSize
	if size <= 0 {
		size = 128
	}
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.PNG); err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}

	key := sanitizeKey(strings.TrimSuffix(name, filepath.Ext(name)) + "_preview.png")
	up := p.local
	if p.s3 != nil {
		up = p.s3
	}
	if _, err := up.Upload(ctx, key, buf.Bytes(), "image/png"); err != nil {
		return fmt.Errorf("upload preview: %w", err)
	}
	return nil
}

func (p *Previewer) download(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download texture: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download texture: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxTextureBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read texture: %w", err)
	}
	if len(body) > maxTextureBytes {
		return nil, "", fmt.Errorf("texture too large (>%d bytes)", maxTextureBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func isTexture(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif":
		return true
	}
	return false
}

func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "..", "")
	key = strings.TrimLeft(key, "/")
	if key == "" {
		key = "preview.png"
	}
	return key
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AssetS3Region),
	}
	if cfg.AssetS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.AssetS3Endpoint,
					HostnameImmutable: cfg.AssetS3PathStyle,
					SigningRegion:     cfg.AssetS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AssetS3PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (u *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(u.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create preview dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write preview: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return "s3://" + u.bucket + "/" + key, nil
}
