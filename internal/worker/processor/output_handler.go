package processor

import (
	"bytes"
	"context"

	"tilefarm/internal/models"
	"tilefarm/internal/ports"
)

type OutputHandler struct {
	sp ports.StorageProvider
}

func NewOutputHandler(sp ports.StorageProvider) *OutputHandler {
	return &OutputHandler{sp: sp}
}

// StoreTile uploads the tile PNG and returns the key later reads must use.
func (oh *OutputHandler) StoreTile(ctx context.Context, tile *models.Tile, png []byte) (string, error) {
	out, err := oh.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   models.TileObjectKey(tile.FrameID, tile.Idx),
		ContentType: "image/png",
		Reader:      bytes.NewReader(png),
		Size:        int64(len(png)),
	})
	if err != nil {
		return "", err
	}
	return out.ObjectKey, nil
}
