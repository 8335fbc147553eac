package gdrive

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/ports"
)

func fakeDrive(t *testing.T, folderID string) *Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /drive/v3/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"File not found"}}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /drive/v3/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.PathValue("id") == "forbidden":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":{"code":403,"message":"denied"}}`)
		case r.URL.Query().Get("alt") == "media":
			w.Header().Set("Content-Type", "image/png")
			_, _ = io.WriteString(w, "png-bytes")
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"id":"`+r.PathValue("id")+`"}`)
		}
	})
	mux.HandleFunc("GET /drive/v3/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"user":{"displayName":"render farm"}}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ds, err := drive.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/drive/v3/"),
	)
	require.NoError(t, err)
	return NewClient(ds, folderID)
}

func TestGetObject(t *testing.T) {
	c := fakeDrive(t, "")

	rc, ct, _, err := c.GetObject(context.Background(), "file-1")
	require.NoError(t, err)
	defer rc.Close()

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(b))
	assert.Equal(t, "image/png", ct)
}

func TestDeleteObject(t *testing.T) {
	c := fakeDrive(t, "")

	require.NoError(t, c.DeleteObject(context.Background(), "file-1"))
	assert.True(t, errors.IsNotFound(c.DeleteObject(context.Background(), "missing")))
}

func TestCheck(t *testing.T) {
	require.NoError(t, fakeDrive(t, "").Check(context.Background()))
	require.NoError(t, fakeDrive(t, "folder-1").Check(context.Background()))

	err := fakeDrive(t, "forbidden").Check(context.Background())
	assert.Equal(t, errors.CodeFailedPrecondition, errors.GetCode(err))
}

func TestPutObjectRequiresKey(t *testing.T) {
	_, err := fakeDrive(t, "").PutObject(context.Background(), ports.PutObjectInput{})
	assert.True(t, errors.IsValidation(err))
}
