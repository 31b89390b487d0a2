//go:build capture

package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/domain/media"
)

// Devices захват камеры, микрофона и экрана через pion/mediadevices
type Devices struct {
	codecs *mediadevices.CodecSelector
}

func newDevices() (Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	devices := mediadevices.EnumerateDevices()
	slog.Info("media devices enumerated", slog.Int(constant.Count, len(devices)))

	return &Devices{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureMediaEngine регистрирует кодеки энкодеров в MediaEngine фабрики
func (d *Devices) ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	d.codecs.Populate(m)
	return nil
}

func (d *Devices) UserMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}

	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
			}
			mc.Width = prop.IntRanged{Max: 1280}
			mc.Height = prop.IntRanged{Max: 720}
		}
	}

	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := d.get(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	return wrap(stream), nil
}

func (d *Devices) DisplayMedia(ctx context.Context) (*media.LocalStream, error) {
	stream, err := d.get(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(_ *mediadevices.MediaTrackConstraints) {},
			Codec: d.codecs,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScreenUnsupported, err)
	}

	return wrap(stream), nil
}

// get прерывает ожидание по ctx, поток открытый после отмены закрывается
func (d *Devices) get(ctx context.Context, open func() (mediadevices.MediaStream, error)) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}

	done := make(chan result, 1)
	go func() {
		s, err := open()
		done <- result{s, err}
	}()

	select {
	case r := <-done:
		return r.stream, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func wrap(stream mediadevices.MediaStream) *media.LocalStream {
	src := stream.GetTracks()
	tracks := make([]*media.LocalTrack, 0, len(src))

	for _, t := range src {
		lt := media.NewLocalTrack(t, func() { _ = t.Close() })

		t.OnEnded(func(err error) {
			if err != nil {
				slog.Warn("local track ended", slog.String(constant.Kind, string(lt.Kind())), slog.Any(constant.Error, err))
			}
			lt.Stop()
		})

		tracks = append(tracks, lt)
	}

	return media.NewLocalStream("local-"+uuid.NewString(), tracks...)
}
