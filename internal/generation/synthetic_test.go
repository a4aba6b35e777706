package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticGenerator_ImageIsDeterministicPNG(t *testing.T) {
	g := &SyntheticGenerator{}
	req := Request{Kind: KindImage, Prompt: "a lighthouse", AspectRatio: "16:9"}

	first, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "image/png", first.MIMEType)
	assert.Equal(t, first.Data, second.Data)

	cfg, err := png.DecodeConfig(bytes.NewReader(first.Data))
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Width)
	assert.Equal(t, 288, cfg.Height)
	assert.Equal(t, 512, first.Width)
	assert.Equal(t, 288, first.Height)

	other, err := g.Generate(context.Background(), Request{Kind: KindImage, Prompt: "a windmill", AspectRatio: "16:9"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Data, other.Data)
}

func TestSyntheticGenerator_Video(t *testing.T) {
	g := &SyntheticGenerator{}

	out, err := g.Generate(context.Background(), Request{
		Kind:              KindVideo,
		Prompt:            "waves",
		DurationSeconds:   6,
		ReferenceImageURL: "https://cdn.example.com/ref.png",
	})
	require.NoError(t, err)

	assert.Equal(t, "text/plain", out.MIMEType)
	assert.Equal(t, 6, out.DurationSeconds)
	assert.Contains(t, string(out.Data), "Prompt: waves")
	assert.Contains(t, string(out.Data), "Reference: https://cdn.example.com/ref.png")
}

func TestSyntheticGenerator_Shotlist(t *testing.T) {
	g := &SyntheticGenerator{}

	out, err := g.Generate(context.Background(), Request{
		Kind:       KindShotlist,
		Prompt:     "A storm rolls in. The keeper climbs the stairs! The lamp flickers?",
		SceneCount: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", out.MIMEType)

	var shots []Shot
	require.NoError(t, json.Unmarshal(out.Shots, &shots))
	require.Len(t, shots, 6)
	assert.Equal(t, 1, shots[0].Index)
	assert.Equal(t, "A storm rolls in", shots[0].Description)
	assert.Equal(t, "The lamp flickers", shots[5].Description)
	assert.JSONEq(t, string(out.Data), string(out.Shots))
}

func TestSyntheticGenerator_UnknownKind(t *testing.T) {
	g := &SyntheticGenerator{}
	_, err := g.Generate(context.Background(), Request{Kind: "audio", Prompt: "x"})
	assert.Error(t, err)
}

func TestSyntheticGenerator_LatencyHonoursCancellation(t *testing.T) {
	g := &SyntheticGenerator{Latency: time.Minute}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Generate(ctx, Request{Kind: KindImage, Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAspectDimensions(t *testing.T) {
	tests := []struct {
		aspect string
		w, h   int
	}{
		{"", 512, 512},
		{"1:1", 512, 512},
		{"16:9", 512, 288},
		{"9:16", 512, 910},
		{"1:999", 512, 2048},
		{"bogus", 512, 512},
	}
	for _, tt := range tests {
		w, h := aspectDimensions(tt.aspect)
		assert.Equal(t, tt.w, w, tt.aspect)
		assert.Equal(t, tt.h, h, tt.aspect)
	}
}
