package cloudinary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidReference indicates a reference that was not produced by Upload.
var ErrInvalidReference = errors.New("invalid file reference")

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Service stores files as authenticated Cloudinary assets and hands out
// opaque references. URLs are signed on demand and never returned by Upload.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		folder: cfg.Folder,
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Upload sends the file to Cloudinary under the category folder and returns
// its reference in the form "<resource type>/<public id>".
func (s *Service) Upload(ctx context.Context, name, category string, reader io.Reader) (string, error) {
	folder := strings.Trim(strings.Trim(s.folder, "/")+"/"+strings.Trim(category, "/"), "/")

	params := uploader.UploadParams{
		Folder:       folder,
		PublicID:     buildPublicID(name),
		ResourceType: "auto",
		Type:         api.Authenticated,
	}

	result, err := s.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to upload asset: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to upload asset: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Str("resource_type", result.ResourceType).Msg("file uploaded to cloudinary")

	return result.ResourceType + "/" + result.PublicID, nil
}

// SignedURL returns a signed delivery URL for reference. Authenticated assets
// are only reachable through signed URLs, so the link is useless once the
// caller drops it; expiresAt tells clients when to ask again.
func (s *Service) SignedURL(_ context.Context, reference string, ttl time.Duration) (string, time.Time, error) {
	resourceType, publicID, ok := strings.Cut(reference, "/")
	if !ok || resourceType == "" || publicID == "" {
		return "", time.Time{}, ErrInvalidReference
	}

	asset, err := s.client.File(publicID)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build asset: %w", err)
	}
	asset.AssetType = api.AssetType(resourceType)
	asset.DeliveryType = api.Authenticated
	asset.Config.URL.Secure = true
	asset.Config.URL.SignURL = true

	url, err := asset.String()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign url: %w", err)
	}

	return url, time.Now().UTC().Add(ttl), nil
}

func buildPublicID(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, base)

	base = strings.Trim(base, "-")
	if base == "" {
		base = "upload"
	}

	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}
