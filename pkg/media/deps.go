package media

import (
	"errors"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ffmpeg"
)

var (
	ErrFFmpegMissing      = errors.New("ffmpeg is missing")
	ErrImageMagickMissing = errors.New("ImageMagick CLI is missing")
)

// CheckDependencies verifies the external binaries the bridge shells out to
// are installed, and warns about optional assets that are missing.
func CheckDependencies(imageMagickPath, zapSound string, log zerolog.Logger) error {
	if !ffmpeg.Supported() {
		return ErrFFmpegMissing
	}
	if imageMagickPath == "" {
		imageMagickPath = "magick"
	}
	path, err := exec.LookPath(imageMagickPath)
	if err != nil {
		log.Warn().Err(err).Str("binary", imageMagickPath).Msg("CheckDependencies: ImageMagick not found")
		return ErrImageMagickMissing
	}
	log.Debug().Str("path", path).Msg("CheckDependencies: ImageMagick is available")
	if zapSound != "" {
		if _, err = os.Stat(zapSound); err != nil {
			log.Warn().Err(err).Str("path", zapSound).Msg("CheckDependencies: audio effect sound not found, the audio editor will fail")
		}
	}
	return nil
}
