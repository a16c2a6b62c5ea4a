// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package audioproc implements the audio processor worker. It consumes
// AudioUploaded events, validates the uploaded file with ffprobe, renders a
// waveform artifact with ffmpeg, and moves the track to ready or failed.
// Tracks already in a terminal state are skipped, which makes redelivery
// harmless.
package audioproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/bus"
	"github.com/novatune/novatune/internal/config"
	"github.com/novatune/novatune/internal/docstore"
	"github.com/novatune/novatune/internal/logging"
	"github.com/novatune/novatune/internal/metrics"
	"github.com/novatune/novatune/internal/models"
	"github.com/novatune/novatune/internal/objectstore"
)

// Processor validates uploads and produces stream-ready tracks.
type Processor struct {
	store    docstore.Store
	objects  objectstore.Store
	prober   Prober
	waveform WaveformBuilder
	cfg      config.ProcessorConfig
	now      func() time.Time
}

// NewProcessor wires the processor with exec-based tooling.
func NewProcessor(store docstore.Store, objects objectstore.Store, cfg config.ProcessorConfig) *Processor {
	return &Processor{
		store:    store,
		objects:  objects,
		prober:   NewFFProbe(cfg.FfprobePath, cfg.FfprobeTimeout),
		waveform: NewFFmpegWaveform(cfg.FfmpegPath, cfg.FfmpegTimeout, cfg.WaveformPeaks),
		cfg:      cfg,
		now:      time.Now,
	}
}

// NewProcessorWithTools wires the processor with injected tooling (tests).
func NewProcessorWithTools(store docstore.Store, objects objectstore.Store, cfg config.ProcessorConfig, prober Prober, waveform WaveformBuilder) *Processor {
	p := NewProcessor(store, objects, cfg)
	p.prober = prober
	p.waveform = waveform
	return p
}

// SetClock overrides the time source for tests.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// HandleAudioUploaded is the bus handler for AudioUploaded events.
func (p *Processor) HandleAudioUploaded(ctx context.Context, msg *bus.Message) error {
	var event models.AudioUploadedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("audioproc: unmarshal event: %w", err)
	}
	if event.TrackID == "" {
		return errors.New("audioproc: event without trackId")
	}
	ctx = logging.ContextWithCorrelationID(ctx, event.CorrelationID)
	return p.Process(ctx, &event)
}

// Process runs the full pipeline for one track.
func (p *Processor) Process(ctx context.Context, event *models.AudioUploadedEvent) error {
	start := p.now()

	track, err := p.loadTrack(ctx, event.TrackID)
	if errors.Is(err, docstore.ErrNotFound) {
		// Deleted between upload and processing. Nothing to do.
		logging.Ctx(ctx).Warn().Str("trackId", event.TrackID).Msg("track vanished before processing")
		return nil
	}
	if err != nil {
		return err
	}
	if track.Status != models.TrackStatusProcessing {
		metrics.ProcessingTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	outcome, err := p.processFile(ctx, track)
	if err != nil {
		return err
	}

	if err := p.finalize(ctx, track.ID, outcome); err != nil {
		return err
	}

	if outcome.failure != "" {
		metrics.ProcessingTotal.WithLabelValues("failed").Inc()
		logging.Ctx(ctx).Warn().
			Str("trackId", track.ID).
			Str("reason", string(outcome.failure)).
			Msg("track processing failed")
	} else {
		metrics.ProcessingTotal.WithLabelValues("ready").Inc()
		metrics.ProcessingDuration.Observe(p.now().Sub(start).Seconds())
		logging.Ctx(ctx).Info().
			Str("trackId", track.ID).
			Float64("duration", outcome.probe.DurationSeconds).
			Str("codec", outcome.probe.Codec).
			Msg("track ready")
	}
	return nil
}

func (p *Processor) loadTrack(ctx context.Context, trackID string) (*models.Track, error) {
	var track *models.Track
	err := p.store.View(ctx, func(tx docstore.ReadTx) error {
		var err error
		track, _, err = docstore.GetJSON[models.Track](tx, docstore.PrefixTracks+trackID)
		return err
	})
	return track, err
}

// processOutcome carries the result of probing and rendering into the final
// track update.
type processOutcome struct {
	failure     models.FailureReason
	probe       *ProbeResult
	waveformKey string
}

// processFile downloads, probes, validates, and renders. Only storage and
// infrastructure errors return err; content problems land in the outcome.
func (p *Processor) processFile(ctx context.Context, track *models.Track) (*processOutcome, error) {
	path, cleanup, err := p.download(ctx, track.ObjectKey)
	if errors.Is(err, objectstore.ErrNotFound) {
		return &processOutcome{failure: models.FailureStorageError}, nil
	}
	if err != nil {
		return nil, err
	}
	defer cleanup()

	probe, err := p.prober.Probe(ctx, path)
	switch {
	case errors.Is(err, ErrProbeTimeout):
		return &processOutcome{failure: models.FailureFfprobeTimeout}, nil
	case errors.Is(err, ErrUnreadableFile):
		return &processOutcome{failure: models.FailureCorruptedFile}, nil
	case err != nil:
		return nil, err
	}

	if reason := p.validate(probe); reason != "" {
		return &processOutcome{failure: reason, probe: probe}, nil
	}

	outcome := &processOutcome{probe: probe}
	waveform, err := p.waveform.Build(ctx, path, probe.DurationSeconds)
	switch {
	case errors.Is(err, ErrWaveformTimeout):
		return &processOutcome{failure: models.FailureFfmpegTimeout, probe: probe}, nil
	case err != nil:
		// The audio itself validated; ship without a waveform rather than
		// fail the track.
		logging.Ctx(ctx).Warn().Str("trackId", track.ID).Err(err).Msg("waveform render failed")
	default:
		key := fmt.Sprintf("waveforms/%s/%s.json", track.UserID, track.ID)
		if err := p.uploadWaveform(ctx, key, waveform); err != nil {
			logging.Ctx(ctx).Warn().Str("trackId", track.ID).Err(err).Msg("waveform upload failed")
		} else {
			outcome.waveformKey = key
		}
	}
	return outcome, nil
}

// validate maps probe results onto rejection reasons.
func (p *Processor) validate(probe *ProbeResult) models.FailureReason {
	if probe.DurationSeconds <= 0 {
		return models.FailureInvalidDuration
	}
	if p.cfg.MaxTrackDuration > 0 && probe.DurationSeconds > p.cfg.MaxTrackDuration.Seconds() {
		return models.FailureDurationExceeded
	}
	if !p.codecSupported(probe.Codec) {
		return models.FailureUnsupportedCodec
	}
	// Any positive rate ffprobe reports is accepted; unusual rates still
	// decode, and the player resamples.
	if probe.SampleRate <= 0 {
		return models.FailureInvalidSampleRate
	}
	if probe.Channels < 1 || probe.Channels > 8 {
		return models.FailureInvalidChannels
	}
	return ""
}

func (p *Processor) codecSupported(codec string) bool {
	for _, supported := range p.cfg.SupportedCodecs {
		if supported == codec {
			return true
		}
	}
	return false
}

// download copies the object to a temp file for the command-line tools.
func (p *Processor) download(ctx context.Context, objectKey string) (string, func(), error) {
	body, err := p.objects.Open(ctx, objectKey)
	if err != nil {
		return "", nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(p.cfg.TempDir, "novatune-audio-*")
	if err != nil {
		return "", nil, fmt.Errorf("audioproc: temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("audioproc: download %s: %w", objectKey, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return tmp.Name(), cleanup, nil
}

func (p *Processor) uploadWaveform(ctx context.Context, key string, waveform *Waveform) error {
	raw, err := json.Marshal(waveform)
	if err != nil {
		return err
	}
	return p.objects.Put(ctx, key, "application/json", bytes.NewReader(raw), int64(len(raw)))
}

// finalize writes the processing outcome. The status is re-checked inside
// the transaction; only a still-processing track is touched.
func (p *Processor) finalize(ctx context.Context, trackID string, outcome *processOutcome) error {
	now := p.now().UTC()
	err := p.store.Update(ctx, func(tx docstore.Tx) error {
		track, version, err := docstore.GetJSON[models.Track](tx, docstore.PrefixTracks+trackID)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if track.Status != models.TrackStatusProcessing {
			return nil
		}

		oldSearch := track.SearchText()
		track.UpdatedAt = now
		track.ProcessedAt = &now

		if outcome.failure != "" {
			track.Status = models.TrackStatusFailed
			track.FailureReason = outcome.failure
		} else {
			probe := outcome.probe
			track.Status = models.TrackStatusReady
			track.DurationSeconds = probe.DurationSeconds
			track.WaveformObjectKey = outcome.waveformKey
			track.Metadata = &models.AudioMetadata{
				SampleRate:    probe.SampleRate,
				Channels:      probe.Channels,
				BitrateBps:    probe.BitrateBps,
				Codec:         probe.Codec,
				CodecLongName: probe.CodecLongName,
				BitDepth:      probe.BitDepth,
				Tags:          probe.Tags,
			}
			// Embedded tags fill in what the uploader left blank.
			if title := probe.Tags["title"]; title != "" && (track.Title == "" || track.Title == "Untitled") {
				track.Title = title
			}
			if artist := probe.Tags["artist"]; artist != "" && track.Artist == "" {
				track.Artist = artist
			}
		}
		if track.SearchText() != oldSearch {
			if err := docstore.UpdateFullText(tx, docstore.FullTextTracks, docstore.PrefixTracks+trackID, oldSearch, track.SearchText()); err != nil {
				return err
			}
		}
		return docstore.PutJSON(tx, docstore.PrefixTracks+trackID, track, version)
	})
	if err != nil {
		return fmt.Errorf("audioproc: finalize %s: %w", trackID, err)
	}
	return nil
}
