package gdrive

import (
	"context"
	"io"
	"net/http"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/ports"
)

// Client implements ports.StorageProvider backed by Google Drive.
// Uploads use the object key as the Drive file name and return the Drive
// file id, which Get and Delete then take as their key.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, errors.ValidationField("object_key", "object key is required")
	}

	file := &drive.File{Name: in.ObjectKey}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}

	call := c.srv.Files.Create(file).Fields("id", "size")
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}

	created, err := call.Context(ctx).Do()
	if err != nil {
		return ports.PutObjectOutput{}, driveErr(err, "gdrive.put", "upload failed")
	}

	size := in.Size
	if created.Size > 0 {
		size = created.Size
	}
	return ports.PutObjectOutput{ObjectKey: created.Id, Size: size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error) {
	resp, err := c.srv.Files.Get(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, driveErr(err, "gdrive.get", "download failed")
	}

	contentType = resp.Header.Get("Content-Type")
	size = resp.ContentLength
	return resp.Body, contentType, size, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	err := c.srv.Files.Delete(objectKey).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return driveErr(err, "gdrive.delete", "delete failed")
	}
	return nil
}

// Check reads the target folder, or the user's Drive when no folder is set.
func (c *Client) Check(ctx context.Context) error {
	var err error
	if c.folderID != "" {
		_, err = c.srv.Files.Get(c.folderID).SupportsAllDrives(true).Fields("id").Context(ctx).Do()
	} else {
		_, err = c.srv.About.Get().Fields("user").Context(ctx).Do()
	}
	if err != nil {
		return driveErr(err, "gdrive.check", "drive unreachable")
	}
	return nil
}

func driveErr(err error, op, msg string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return errors.WrapWithCode(err, errors.CodeNotFound, op, msg)
		case http.StatusTooManyRequests:
			return errors.WrapWithCode(err, errors.CodeResourceExhausted, op, msg)
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.WrapWithCode(err, errors.CodeFailedPrecondition, op, msg)
		}
	}
	return errors.WrapWithCode(err, errors.CodeUnavailable, op, msg)
}
