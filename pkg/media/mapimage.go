package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	MapWidth  = 450
	MapHeight = 300
	tileSize  = 256

	DefaultTileURL   = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"
	DefaultUserAgent = "w2d/0.1 (+https://github.com/lrhodin/w2d)"

	attribution  = "© OpenStreetMap contributors"
	tileCacheTTL = 6 * time.Hour
	markerRadius = 7
)

var (
	backgroundColor = color.RGBA{R: 0xe5, G: 0xe3, B: 0xdf, A: 0xff}
	markerColor     = color.RGBA{R: 0xd9, G: 0x30, B: 0x25, A: 0xff}
)

// MapRenderer stitches slippy-map tiles into a static preview centered on a
// coordinate. Tiles are cached in memory since zooming in and out refetches
// the same neighborhood.
type MapRenderer struct {
	TileURL   string
	UserAgent string
	Client    *http.Client
	Log       zerolog.Logger

	tiles *ttlcache.Cache[string, image.Image]
}

func NewMapRenderer(tileURL, userAgent string, log zerolog.Logger) *MapRenderer {
	if tileURL == "" {
		tileURL = DefaultTileURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	tiles := ttlcache.New[string, image.Image](
		ttlcache.WithTTL[string, image.Image](tileCacheTTL),
		ttlcache.WithCapacity[string, image.Image](512),
	)
	go tiles.Start()
	return &MapRenderer{
		TileURL:   tileURL,
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: 15 * time.Second},
		Log:       log,
		tiles:     tiles,
	}
}

func (m *MapRenderer) Close() {
	m.tiles.Stop()
}

// project converts a coordinate to global pixel space at the given zoom.
func project(lat, lng float64, zoom int) (x, y float64) {
	scale := float64(tileSize) * math.Exp2(float64(zoom))
	lat = math.Max(-85.05112878, math.Min(85.05112878, lat))
	sin := math.Sin(lat * math.Pi / 180)
	x = (lng + 180) / 360 * scale
	y = (0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)) * scale
	return x, y
}

func (m *MapRenderer) RenderStaticMap(ctx context.Context, lat, lng float64, zoom int) ([]byte, error) {
	cx, cy := project(lat, lng, zoom)
	originX := int(math.Floor(cx)) - MapWidth/2
	originY := int(math.Floor(cy)) - MapHeight/2
	tilesPerSide := 1 << zoom

	canvas := image.NewRGBA(image.Rect(0, 0, MapWidth, MapHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	fetched := 0
	for ty := floorDiv(originY, tileSize); ty <= floorDiv(originY+MapHeight-1, tileSize); ty++ {
		if ty < 0 || ty >= tilesPerSide {
			continue
		}
		for tx := floorDiv(originX, tileSize); tx <= floorDiv(originX+MapWidth-1, tileSize); tx++ {
			tile, err := m.tile(ctx, zoom, ((tx%tilesPerSide)+tilesPerSide)%tilesPerSide, ty)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				m.Log.Warn().Err(err).Int("zoom", zoom).Int("x", tx).Int("y", ty).Msg("Failed to fetch map tile")
				continue
			}
			fetched++
			dst := image.Rect(tx*tileSize-originX, ty*tileSize-originY, (tx+1)*tileSize-originX, (ty+1)*tileSize-originY)
			draw.Draw(canvas, dst, tile, tile.Bounds().Min, draw.Src)
		}
	}
	if fetched == 0 {
		return nil, fmt.Errorf("no map tiles could be fetched for %f,%f at zoom %d", lat, lng, zoom)
	}

	drawMarker(canvas, int(math.Floor(cx))-originX, int(math.Floor(cy))-originY)
	drawAttribution(canvas)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("failed to encode map: %w", err)
	}
	return buf.Bytes(), nil
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func (m *MapRenderer) tileURL(zoom, x, y int) string {
	return strings.NewReplacer(
		"{z}", fmt.Sprint(zoom),
		"{x}", fmt.Sprint(x),
		"{y}", fmt.Sprint(y),
	).Replace(m.TileURL)
}

func (m *MapRenderer) tile(ctx context.Context, zoom, x, y int) (image.Image, error) {
	url := m.tileURL(zoom, x, y)
	if cached := m.tiles.Get(url); cached != nil {
		return cached.Value(), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", m.UserAgent)
	resp, err := m.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from tile server", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	m.tiles.Set(url, img, ttlcache.DefaultTTL)
	return img, nil
}

func drawMarker(canvas *image.RGBA, cx, cy int) {
	outline := markerRadius + 2
	for dy := -outline; dy <= outline; dy++ {
		for dx := -outline; dx <= outline; dx++ {
			dist := dx*dx + dy*dy
			switch {
			case dist <= markerRadius*markerRadius:
				canvas.Set(cx+dx, cy+dy, markerColor)
			case dist <= outline*outline:
				canvas.Set(cx+dx, cy+dy, color.White)
			}
		}
	}
}

func drawAttribution(canvas *image.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, attribution).Ceil()
	bounds := canvas.Bounds()
	box := image.Rect(bounds.Max.X-width-8, bounds.Max.Y-17, bounds.Max.X, bounds.Max.Y)
	draw.Draw(canvas, box, image.NewUniform(color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xc0}), image.Point{}, draw.Over)
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(box.Min.X+4, bounds.Max.Y-4),
	}
	d.DrawString(attribution)
}
