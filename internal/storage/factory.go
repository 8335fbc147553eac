package storage

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"tilefarm/internal/adapters/storage/gdrive"
	"tilefarm/internal/adapters/storage/localfs"
	"tilefarm/internal/config"
	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/ports"
)

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, errors.ValidationField("storage.local_root", "required for localfs")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg.GDrive)

	default:
		return nil, errors.ValidationField("storage.provider", "unknown storage provider").
			WithField("provider", cfg.Provider)
	}
}

// DriveOAuthConfig is the OAuth client shared by the gdrive provider and the
// gdrive-auth command.
func DriveOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}
}

func newGDriveProvider(ctx context.Context, cfg config.GDriveConfig) (ports.StorageProvider, error) {
	for field, v := range map[string]string{
		"storage.gdrive.client_id":     cfg.ClientID,
		"storage.gdrive.client_secret": cfg.ClientSecret,
		"storage.gdrive.refresh_token": cfg.RefreshToken,
	} {
		if v == "" {
			return nil, errors.ValidationField(field, "required for gdrive")
		}
	}

	conf := DriveOAuthConfig(cfg.ClientID, cfg.ClientSecret, "")
	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := conf.Client(context.WithoutCancel(ctx), tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "storage.gdrive", "create drive service")
	}

	return gdrive.NewClient(srv, cfg.FolderID), nil
}
