// Package render produces the vertical pin assets for a recipe image and
// uploads them to S3 or a local directory.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"pin-publisher/internal/config"
)

// Pin asset geometry.
const (
	VerticalWidth   = 1080
	VerticalHeight  = 1920
	PortraitWidth   = 1080
	PortraitHeight  = 1350
	jpegQuality     = 85
	defaultMaxBytes = 25 * 1024 * 1024
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Assets are the public URLs of one rendered recipe.
type Assets struct {
	Vertical string `json:"asset_9x16_path"`
	Portrait string `json:"asset_4x5_path"`
}

type Renderer struct {
	httpClient *http.Client
	uploader   uploader
	publicBase string
	maxBytes   int64
	log        *zap.Logger
}

// New picks the S3 uploader when a bucket is configured, else writes under
// AssetOutputDir.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Renderer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := cfg.AssetDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.AssetMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	var up uploader
	if cfg.AssetS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.AssetS3Bucket}
	} else {
		dir := cfg.AssetOutputDir
		if dir == "" {
			dir = "./assets"
		}
		up = &localUploader{baseDir: dir}
	}

	return &Renderer{
		httpClient: &http.Client{Timeout: timeout},
		uploader:   up,
		publicBase: strings.TrimRight(cfg.AssetPublicBaseURL, "/"),
		maxBytes:   maxBytes,
		log:        log,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AssetS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AssetS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AssetS3Endpoint)
		}
		o.UsePathStyle = cfg.AssetS3PathStyle
	}), nil
}

// Render downloads sourceURL and uploads a 9:16 and a 4:5 center crop under
// pins/<key>/.
func (r *Renderer) Render(ctx context.Context, key, sourceURL string) (Assets, error) {
	data, err := r.download(ctx, sourceURL)
	if err != nil {
		return Assets{}, err
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Assets{}, fmt.Errorf("decode image: %w", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return Assets{}, fmt.Errorf("decode image: empty bounds")
	}

	prefix := path.Join("pins", sanitizeKey(key))
	vertical, err := r.crop(ctx, src, VerticalWidth, VerticalHeight, path.Join(prefix, "9x16.jpg"))
	if err != nil {
		return Assets{}, err
	}
	portrait, err := r.crop(ctx, src, PortraitWidth, PortraitHeight, path.Join(prefix, "4x5.jpg"))
	if err != nil {
		return Assets{}, err
	}
	r.log.Info("rendered pin assets", zap.String("key", key), zap.String("vertical", vertical))
	return Assets{Vertical: vertical, Portrait: portrait}, nil
}

func (r *Renderer) crop(ctx context.Context, src image.Image, width, height int, key string) (string, error) {
	img := imaging.Fill(src, width, height, imaging.Center, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	location, err := r.uploader.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if r.publicBase != "" {
		return r.publicBase + "/" + key, nil
	}
	return location, nil
}

func (r *Renderer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", r.maxBytes)
	}
	return body, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
