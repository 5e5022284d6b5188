package cluster

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"sync"

	"github.com/bluele/gcache"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var (
	palette = map[Color]color.NRGBA{
		ColorOK:      {R: 0x23, G: 0xBA, B: 0x39, A: 0xFF},
		ColorWarning: {R: 0xEA, G: 0xAD, B: 0x16, A: 0xFF},
		ColorAlert:   {R: 0xEC, G: 0x2E, B: 0x23, A: 0xFF},
	}
	labelInk = color.NRGBA{R: 0x1E, G: 0x1A, B: 0x01, A: 0xFF}
)

// RGB returns the fill colour of the band
func (c Color) RGB() color.NRGBA {
	return palette[c]
}

// Hex returns the fill colour as #rrggbb
func (c Color) Hex() string {
	rgb := c.RGB()
	return fmt.Sprintf("#%02x%02x%02x", rgb.R, rgb.G, rgb.B)
}

// IconRenderer draws cluster discs and their labels
type IconRenderer struct {
	px int

	// font.Face values are not safe for concurrent use
	mu    sync.Mutex
	faces map[SizeBucket]font.Face
}

// NewIconRenderer parses the bundled bold face at one size per bucket
func NewIconRenderer(px int) (*IconRenderer, error) {
	f, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse label font: %w", err)
	}

	// smaller text for longer labels
	base := float64(px) / 5
	scale := map[SizeBucket]float64{
		BucketUnits:     1.4,
		BucketTens:      1.2,
		BucketHundreds:  1.0,
		BucketThousands: 0.8,
	}

	faces := make(map[SizeBucket]font.Face, len(scale))
	for bucket, s := range scale {
		face, err := opentype.NewFace(f, &opentype.FaceOptions{
			Size:    base * s,
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create label face: %w", err)
		}
		faces[bucket] = face
	}

	return &IconRenderer{px: px, faces: faces}, nil
}

// Disc draws a filled circle with a radial fade from the band colour
func (r *IconRenderer) Disc(key IconKey) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.px, r.px))
	base := key.Color.RGB()

	c := float64(r.px) / 2
	radius := c - 2
	for y := 0; y < r.px; y++ {
		for x := 0; x < r.px; x++ {
			d := math.Hypot(float64(x)+0.5-c, float64(y)+0.5-c) / radius
			if d > 1 {
				continue
			}
			px := base
			px.A = gradientAlpha(d)
			img.Set(x, y, px)
		}
	}
	return img
}

// gradientAlpha fades 255 -> 125 over the inner 70% of the radius, then to 25 at the rim
func gradientAlpha(d float64) uint8 {
	if d <= 0.7 {
		return uint8(math.Round(255 - (255-125)*d/0.7))
	}
	return uint8(math.Round(125 - (125-25)*(d-0.7)/0.3))
}

// Compose copies the disc and draws the label centered on it
func (r *IconRenderer) Compose(disc *image.RGBA, bucket SizeBucket, label string) *image.RGBA {
	out := image.NewRGBA(disc.Bounds())
	draw.Draw(out, out.Bounds(), disc, disc.Bounds().Min, draw.Src)
	if label == "" {
		return out
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	face := r.faces[bucket]
	d := &font.Drawer{
		Dst:  out,
		Src:  image.NewUniform(labelInk),
		Face: face,
	}

	width := d.MeasureString(label)
	metrics := face.Metrics()
	center := fixed.I(r.px / 2)
	d.Dot = fixed.Point26_6{
		X: center - width/2,
		Y: center + (metrics.Ascent-metrics.Descent)/2,
	}
	d.DrawString(label)
	return out
}

// IconCache is a bounded LRU of rendered discs keyed by IconKey
type IconCache struct {
	cache    gcache.Cache
	renderer *IconRenderer
}

// NewIconCache renders missing discs on demand
func NewIconCache(size int, renderer *IconRenderer) *IconCache {
	c := gcache.New(size).
		LRU().
		LoaderFunc(func(key interface{}) (interface{}, error) {
			return renderer.Disc(key.(IconKey)), nil
		}).
		Build()
	return &IconCache{cache: c, renderer: renderer}
}

// Disc returns the cached disc for key, rendering it on first use
func (c *IconCache) Disc(key IconKey) (*image.RGBA, error) {
	v, err := c.cache.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load icon %v: %w", key, err)
	}
	return v.(*image.RGBA), nil
}

// Len returns the number of cached discs
func (c *IconCache) Len() int {
	return c.cache.Len(false)
}

// Hits returns how many lookups were served from the cache
func (c *IconCache) Hits() uint64 {
	return c.cache.HitCount()
}

// Icon returns the cluster icon for an aggregate marker. Station markers
// have no icon and return nil.
func (e *Engine) Icon(m Marker) (image.Image, error) {
	if m.Kind != KindCluster {
		return nil, nil
	}
	disc, err := e.icons.Disc(m.Icon)
	if err != nil {
		return nil, err
	}
	return e.icons.renderer.Compose(disc, m.Icon.Bucket, m.Label), nil
}

// IconFor renders an icon for an arbitrary key and label
func (e *Engine) IconFor(key IconKey, label string) (image.Image, error) {
	disc, err := e.icons.Disc(key)
	if err != nil {
		return nil, err
	}
	return e.icons.renderer.Compose(disc, key.Bucket, label), nil
}

// IconPNG encodes img as PNG
func IconPNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode icon: %w", err)
	}
	return buf.Bytes(), nil
}

// Icons exposes the engine's icon cache
func (e *Engine) Icons() *IconCache {
	return e.icons
}
