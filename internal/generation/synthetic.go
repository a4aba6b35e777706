package generation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"
	"time"
)

const (
	syntheticBaseWidth = 512
	syntheticMaxHeight = 4 * syntheticBaseWidth
)

var cameraMoves = []string{"wide establishing", "medium tracking", "close-up", "over-the-shoulder", "slow push-in", "aerial"}

// Shot is one entry of a generated shotlist
type Shot struct {
	Index           int    `json:"index"`
	Description     string `json:"description"`
	Camera          string `json:"camera"`
	DurationSeconds int    `json:"duration_seconds"`
}

// SyntheticGenerator renders deterministic placeholder artifacts without
// calling any upstream service. Identical requests produce identical bytes.
type SyntheticGenerator struct {
	// Latency is waited out before each result, honouring cancellation
	Latency time.Duration
}

// Generate renders a placeholder for the requested kind
func (g *SyntheticGenerator) Generate(ctx context.Context, req Request) (*Output, error) {
	if g.Latency > 0 {
		timer := time.NewTimer(g.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	seed := deterministicSeed(req.Kind, req.Prompt, req.NegativePrompt, req.AspectRatio, req.DurationSeconds, req.SceneCount)

	switch req.Kind {
	case KindImage:
		width, height := aspectDimensions(req.AspectRatio)
		data, err := renderSyntheticImage(width, height, seed)
		if err != nil {
			return nil, err
		}
		return &Output{MIMEType: "image/png", Data: data, Width: width, Height: height}, nil
	case KindVideo:
		width, height := aspectDimensions(req.AspectRatio)
		return &Output{
			MIMEType:        "text/plain",
			Data:            renderSyntheticVideo(seed, req),
			Width:           width,
			Height:          height,
			DurationSeconds: req.DurationSeconds,
		}, nil
	case KindShotlist:
		shots := splitShots(req.Prompt, req.SceneCount)
		data, err := json.Marshal(shots)
		if err != nil {
			return nil, fmt.Errorf("encode shotlist: %w", err)
		}
		return &Output{MIMEType: "application/json", Data: data, Shots: data}, nil
	default:
		return nil, fmt.Errorf("synthetic generator does not support kind %q", req.Kind)
	}
}

func renderSyntheticImage(width, height int, seed string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{colorFromSeed(seed, 0)}, image.Point{}, draw.Src)

	accent := &image.Uniform{colorFromSeed(seed, 1)}
	band := max(16, height/12)
	for y := 0; y < height; y += band * 2 {
		draw.Draw(img, image.Rect(0, y, width, min(height, y+band)), accent, image.Point{}, draw.Over)
	}

	diagonal := colorFromSeed(seed, 2)
	for x0 := 0; x0 < width; x0 += max(16, width/32) {
		for y := 0; y < height && x0+y < width; y++ {
			img.Set(x0+y, y, diagonal)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode synthetic image: %w", err)
	}
	return buf.Bytes(), nil
}

func renderSyntheticVideo(seed string, req Request) []byte {
	lines := []string{
		"Synthetic video placeholder",
		"Seed: " + seed,
		"Prompt: " + strings.TrimSpace(req.Prompt),
		fmt.Sprintf("Duration: %ds", req.DurationSeconds),
	}
	if req.ReferenceImageURL != "" {
		lines = append(lines, "Reference: "+req.ReferenceImageURL)
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// splitShots spreads the script's sentences over count shots
func splitShots(script string, count int) []Shot {
	if count <= 0 {
		count = defaultSceneCount
	}
	sentences := strings.FieldsFunc(script, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	var beats []string
	for _, s := range sentences {
		if s = strings.TrimSpace(s); s != "" {
			beats = append(beats, s)
		}
	}
	if len(beats) == 0 {
		beats = []string{strings.TrimSpace(script)}
	}

	shots := make([]Shot, count)
	for i := range shots {
		shots[i] = Shot{
			Index:           i + 1,
			Description:     beats[i*len(beats)/count],
			Camera:          cameraMoves[i%len(cameraMoves)],
			DurationSeconds: 3 + i%3,
		}
	}
	return shots
}

func colorFromSeed(seed string, shift int) color.RGBA {
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	channel := func(s string) uint8 {
		v, _ := strconv.ParseUint(s, 16, 8)
		return uint8(v)
	}
	return color.RGBA{R: channel(segment[0:2]), G: channel(segment[2:4]), B: channel(segment[4:6]), A: 255}
}

func deterministicSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(fmt.Sprintf("%v", part)))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

// aspectDimensions maps "W:H" to pixel dimensions with a fixed base width
func aspectDimensions(aspect string) (int, int) {
	w, h := 1, 1
	if parts := strings.SplitN(aspect, ":", 2); len(parts) == 2 {
		a, errA := strconv.Atoi(parts[0])
		b, errB := strconv.Atoi(parts[1])
		if errA == nil && errB == nil && a > 0 && b > 0 {
			w, h = a, b
		}
	}
	return syntheticBaseWidth, min(syntheticMaxHeight, max(1, syntheticBaseWidth*h/w))
}
