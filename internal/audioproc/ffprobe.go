// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package audioproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ProbeResult is the technical metadata extracted from an audio file.
type ProbeResult struct {
	DurationSeconds float64
	Codec           string
	CodecLongName   string
	SampleRate      int
	Channels        int
	BitrateBps      int64
	BitDepth        int
	Tags            map[string]string
}

// Prober extracts audio metadata from a local file.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// ErrProbeTimeout marks a probe killed by its deadline.
var ErrProbeTimeout = errors.New("audioproc: ffprobe timed out")

// ErrUnreadableFile marks a file ffprobe could not parse at all.
var ErrUnreadableFile = errors.New("audioproc: unreadable audio file")

// FFProbe runs the ffprobe binary.
type FFProbe struct {
	binary  string
	timeout time.Duration
}

// NewFFProbe creates a prober using the given binary path.
func NewFFProbe(binary string, timeout time.Duration) *FFProbe {
	if binary == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FFProbe{binary: binary, timeout: timeout}
}

// ffprobe JSON output, reduced to the fields we read.
type ffprobeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		BitRate  string            `json:"bit_rate"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
	Streams []struct {
		CodecType     string            `json:"codec_type"`
		CodecName     string            `json:"codec_name"`
		CodecLongName string            `json:"codec_long_name"`
		SampleRate    string            `json:"sample_rate"`
		Channels      int               `json:"channels"`
		BitsPerSample int               `json:"bits_per_raw_sample,string,omitempty"`
		Tags          map[string]string `json:"tags"`
	} `json:"streams"`
}

// Probe extracts metadata from the file at path.
func (p *FFProbe) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrProbeTimeout
		}
		return nil, fmt.Errorf("%w: %s", ErrUnreadableFile, firstLine(stderr.String()))
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("audioproc: parse ffprobe output: %w", err)
	}

	result := &ProbeResult{Tags: lowercaseTags(out.Format.Tags)}
	result.DurationSeconds, _ = strconv.ParseFloat(out.Format.Duration, 64)
	result.BitrateBps, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)

	for _, stream := range out.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		result.Codec = stream.CodecName
		result.CodecLongName = stream.CodecLongName
		result.SampleRate, _ = strconv.Atoi(stream.SampleRate)
		result.Channels = stream.Channels
		result.BitDepth = stream.BitsPerSample
		for k, v := range lowercaseTags(stream.Tags) {
			if _, ok := result.Tags[k]; !ok {
				result.Tags[k] = v
			}
		}
		break
	}
	if result.Codec == "" {
		return nil, fmt.Errorf("%w: no audio stream", ErrUnreadableFile)
	}
	return result, nil
}

func lowercaseTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[strings.ToLower(k)] = v
	}
	return out
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
