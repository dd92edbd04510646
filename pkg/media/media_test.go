package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDetectAndExtension(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	require.Equal(t, "image/png", Detect(buf.Bytes()))
	require.Equal(t, "text/plain", Detect([]byte("hello world")))

	require.Equal(t, ".png", Extension("image/png; charset=binary"))
	require.Equal(t, ".bin", Extension("application/x-definitely-unknown"))
}

func TestFloorDiv(t *testing.T) {
	require.Equal(t, 1, floorDiv(300, 256))
	require.Equal(t, 0, floorDiv(0, 256))
	require.Equal(t, -1, floorDiv(-1, 256))
	require.Equal(t, -2, floorDiv(-257, 256))
}

func TestProject(t *testing.T) {
	x, y := project(0, 0, 0)
	require.InDelta(t, 128, x, 0.001)
	require.InDelta(t, 128, y, 0.001)
	x, _ = project(0, 180, 1)
	require.InDelta(t, 512, x, 0.001)
}

func tileServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	tile := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	for i := range tile.Pix {
		tile.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, tile))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "w2d-test") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRenderStaticMap(t *testing.T) {
	var hits atomic.Int32
	srv := tileServer(t, &hits)
	m := NewMapRenderer(srv.URL+"/{z}/{x}/{y}.png", "w2d-test", zerolog.Nop())
	defer m.Close()

	data, err := m.RenderStaticMap(context.Background(), 59.3293, 18.0686, 15)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, MapWidth, MapHeight), img.Bounds())
	require.Equal(t, color.RGBAModel.Convert(markerColor), color.RGBAModel.Convert(img.At(MapWidth/2, MapHeight/2)))

	first := hits.Load()
	require.Positive(t, first)
	_, err = m.RenderStaticMap(context.Background(), 59.3293, 18.0686, 15)
	require.NoError(t, err)
	require.Equal(t, first, hits.Load(), "tiles should come from the cache")
}

func TestRenderStaticMapNoTiles(t *testing.T) {
	var hits atomic.Int32
	srv := tileServer(t, &hits)
	m := NewMapRenderer(srv.URL+"/{z}/{x}/{y}.png", "someone-else", zerolog.Nop())
	defer m.Close()
	_, err := m.RenderStaticMap(context.Background(), 0, 0, 3)
	require.Error(t, err)
}

func TestTileURL(t *testing.T) {
	m := &MapRenderer{TileURL: DefaultTileURL}
	require.Equal(t, "https://tile.openstreetmap.org/3/4/5.png", m.tileURL(3, 4, 5))
}
