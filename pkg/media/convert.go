// Package media converts audio, video and stickers between the formats
// WhatsApp and Discord accept, and renders location previews.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"os/exec"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ffmpeg"
	"golang.org/x/image/webp"
)

// Converter shells out to ffmpeg and ImageMagick.
type Converter struct {
	ImageMagickPath string
	Log             zerolog.Logger
}

func NewConverter(imageMagickPath string, log zerolog.Logger) *Converter {
	if imageMagickPath == "" {
		imageMagickPath = "magick"
	}
	return &Converter{ImageMagickPath: imageMagickPath, Log: log}
}

func (c *Converter) Convert(ctx context.Context, data []byte, inputMime, outputFormat string, inputArgs, outputArgs []string) ([]byte, error) {
	if inputMime == "" {
		inputMime = Detect(data)
	}
	out, err := ffmpeg.ConvertBytes(ctx, data, "."+outputFormat, inputArgs, outputArgs, inputMime)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg %s -> %s: %w", inputMime, outputFormat, err)
	}
	return out, nil
}

// ConcatAudio appends the audio file at path to data and returns mp3 bytes.
func (c *Converter) ConcatAudio(ctx context.Context, data []byte, path string) ([]byte, error) {
	outputArgs := []string{
		"-i", path,
		"-filter_complex", "[0:a][1:a]concat=n=2:v=0:a=1[out]",
		"-map", "[out]",
	}
	return c.Convert(ctx, data, "audio/mpeg", "mp3", nil, outputArgs)
}

// StickerToGIF converts an animated webp sticker to gif with ImageMagick.
// When ImageMagick fails, the first frame is converted instead.
func (c *Converter) StickerToGIF(ctx context.Context, data []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.ImageMagickPath, "webp:-", "-coalesce", "-loop", "0", "gif:-")
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil && stdout.Len() > 0 {
		return stdout.Bytes(), nil
	}
	c.Log.Warn().Err(err).Str("stderr", stderr.String()).Msg("ImageMagick sticker conversion failed, falling back to first frame")
	return firstFrameGIF(data)
}

func firstFrameGIF(data []byte) ([]byte, error) {
	img, err := webp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode sticker: %w", err)
	}
	return encodeGIF(img)
}

func encodeGIF(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		return nil, fmt.Errorf("failed to encode gif: %w", err)
	}
	return buf.Bytes(), nil
}
