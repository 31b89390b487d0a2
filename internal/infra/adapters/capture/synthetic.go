package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/domain/media"
)

const (
	opusFrame       = 20 * time.Millisecond
	opusSampleRate  = 48000
	defaultVideoFPS = 30
)

// тишина opus, 20мс
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Files пути к IVF (VP8) и Ogg (Opus) файлам. Пустой путь значит синтетический поток
type Files struct {
	Video  string
	Audio  string
	Screen string
}

// Synthetic источник без устройств: пишет сэмплы из файлов или тишину.
// Видео и звук крутятся по кругу, экран проигрывается один раз и завершается
type Synthetic struct {
	files Files
}

func NewSynthetic(files Files) *Synthetic {
	return &Synthetic{files: files}
}

func (s *Synthetic) UserMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, ErrNoDevice
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "local-" + uuid.NewString()
	tracks := make([]*media.LocalTrack, 0, 2)

	if c.Audio {
		t, err := s.newTrack(webrtc.MimeTypeOpus, "audio", streamID, s.files.Audio, true)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	if c.Video {
		t, err := s.newTrack(webrtc.MimeTypeVP8, "video", streamID, s.files.Video, true)
		if err != nil {
			media.NewLocalStream(streamID, tracks...).Stop()
			return nil, err
		}
		tracks = append(tracks, t)
	}

	return media.NewLocalStream(streamID, tracks...), nil
}

func (s *Synthetic) DisplayMedia(ctx context.Context) (*media.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "screen-" + uuid.NewString()

	t, err := s.newTrack(webrtc.MimeTypeVP8, "screen", streamID, s.files.Screen, false)
	if err != nil {
		return nil, err
	}

	return media.NewLocalStream(streamID, t), nil
}

func (s *Synthetic) newTrack(mime, prefix, streamID, file string, loop bool) (*media.LocalTrack, error) {
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
	}

	static, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime},
		prefix+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", prefix, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	track := media.NewLocalTrack(static, cancel)

	go func() {
		err := s.feed(ctx, track, static, mime, file, loop)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("synthetic track stopped", slog.String(constant.Kind, prefix), slog.Any(constant.Error, err))
		}

		// источник закончился сам: дорожка завершается как при закрытии окна демонстрации
		if !loop {
			track.Stop()
		}
	}()

	return track, nil
}

func (s *Synthetic) feed(ctx context.Context, track *media.LocalTrack, out *webrtc.TrackLocalStaticSample, mime, file string, loop bool) error {
	for {
		var err error

		switch {
		case file == "" && mime == webrtc.MimeTypeOpus:
			err = playSilence(ctx, track, out)
		case file == "":
			<-ctx.Done()
			err = ctx.Err()
		case mime == webrtc.MimeTypeOpus:
			err = playOgg(ctx, track, out, file)
		default:
			err = playIVF(ctx, track, out, file)
		}

		if err != nil || !loop {
			return err
		}
	}
}

func playSilence(ctx context.Context, track *media.LocalTrack, out *webrtc.TrackLocalStaticSample) error {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !track.Enabled() {
			continue
		}

		if err := out.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
			return err
		}
	}
}

func playIVF(ctx context.Context, track *media.LocalTrack, out *webrtc.TrackLocalStaticSample, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}

	interval := time.Second / defaultVideoFPS
	if header.TimebaseDenominator > 0 {
		interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse ivf frame: %w", err)
		}

		if !track.Enabled() {
			continue
		}

		if err = out.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
			return err
		}
	}
}

func playOgg(ctx context.Context, track *media.LocalTrack, out *webrtc.TrackLocalStaticSample, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}

	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	var lastGranule uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse ogg page: %w", err)
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))

		data := page
		if !track.Enabled() {
			data = opusSilence
		}

		if err = out.WriteSample(pionmedia.Sample{Data: data, Duration: duration}); err != nil {
			return err
		}
	}
}
