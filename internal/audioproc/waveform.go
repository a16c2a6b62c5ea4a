// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package audioproc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"time"
)

// Waveform is the peaks artifact stored next to the audio object. Peaks are
// normalized to [0, 1]; clients scale them to whatever widget draws them.
type Waveform struct {
	Version    int       `json:"version"`
	PeakCount  int       `json:"peakCount"`
	SampleRate int       `json:"sampleRate"`
	Peaks      []float64 `json:"peaks"`
}

// WaveformBuilder renders peaks from a local audio file.
type WaveformBuilder interface {
	Build(ctx context.Context, path string, durationSeconds float64) (*Waveform, error)
}

// ErrWaveformTimeout marks a render killed by its deadline.
var ErrWaveformTimeout = errors.New("audioproc: ffmpeg timed out")

const waveformSampleRate = 8000 // decode rate; peaks need envelope, not fidelity

// FFmpegWaveform renders peaks by decoding through ffmpeg to mono 16-bit PCM
// and taking the max amplitude per bucket.
type FFmpegWaveform struct {
	binary  string
	timeout time.Duration
	peaks   int
}

// NewFFmpegWaveform creates a waveform builder.
func NewFFmpegWaveform(binary string, timeout time.Duration, peaks int) *FFmpegWaveform {
	if binary == "" {
		binary = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if peaks <= 0 {
		peaks = 800
	}
	return &FFmpegWaveform{binary: binary, timeout: timeout, peaks: peaks}
}

// Build decodes the file and reduces it to the configured number of peaks.
func (w *FFmpegWaveform) Build(ctx context.Context, path string, durationSeconds float64) (*Waveform, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.binary,
		"-v", "error",
		"-i", path,
		"-ac", "1",
		"-ar", fmt.Sprint(waveformSampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audioproc: ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("audioproc: start ffmpeg: %w", err)
	}

	peaks, readErr := reducePeaks(bufio.NewReaderSize(stdout, 1<<16), durationSeconds, w.peaks)
	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrWaveformTimeout
	}
	if readErr != nil {
		return nil, readErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("audioproc: ffmpeg: %s: %w", firstLine(stderr.String()), waitErr)
	}

	return &Waveform{
		Version:    1,
		PeakCount:  len(peaks),
		SampleRate: waveformSampleRate,
		Peaks:      peaks,
	}, nil
}

// reducePeaks folds a stream of little-endian 16-bit samples into peakCount
// max-amplitude buckets.
func reducePeaks(r io.Reader, durationSeconds float64, peakCount int) ([]float64, error) {
	totalSamples := int(durationSeconds * waveformSampleRate)
	if totalSamples < peakCount {
		totalSamples = peakCount
	}
	samplesPerPeak := totalSamples / peakCount
	if samplesPerPeak < 1 {
		samplesPerPeak = 1
	}

	peaks := make([]float64, 0, peakCount)
	var bucketMax int32
	inBucket := 0

	buf := make([]byte, 1<<14)
	carry := 0
	for {
		n, err := r.Read(buf[carry:])
		n += carry
		carry = 0

		for i := 0; i+1 < n; i += 2 {
			sample := int32(int16(binary.LittleEndian.Uint16(buf[i:])))
			if sample < 0 {
				sample = -sample
			}
			if sample > bucketMax {
				bucketMax = sample
			}
			inBucket++
			if inBucket >= samplesPerPeak && len(peaks) < peakCount-1 {
				peaks = append(peaks, float64(bucketMax)/float64(math.MaxInt16))
				bucketMax = 0
				inBucket = 0
			}
		}
		if n%2 == 1 {
			buf[0] = buf[n-1]
			carry = 1
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("audioproc: read pcm: %w", err)
		}
	}
	if inBucket > 0 || len(peaks) == 0 {
		peaks = append(peaks, float64(bucketMax)/float64(math.MaxInt16))
	}
	return peaks, nil
}
