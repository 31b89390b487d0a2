package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanainplan/consultcall/internal/application/config"
	"github.com/hanainplan/consultcall/internal/domain/media"
)

var (
	ErrNoDevice          = errors.New("capture: no device requested or available")
	ErrPermissionDenied  = errors.New("capture: permission denied")
	ErrScreenUnsupported = errors.New("capture: screen capture unsupported")
)

type Source interface {
	UserMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error)
	DisplayMedia(ctx context.Context) (*media.LocalStream, error)
}

// New выбирает источник медиа по конфигурации
func New(cfg config.MediaConfig) (Source, error) {
	switch cfg.Source {
	case config.MediaSynthetic:
		return NewSynthetic(Files{
			Video:  cfg.VideoFile,
			Audio:  cfg.AudioFile,
			Screen: cfg.ScreenFile,
		}), nil
	case config.MediaDevices:
		return newDevices()
	}

	return nil, fmt.Errorf("unknown media source %q", cfg.Source)
}
