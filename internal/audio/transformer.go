// Package audio converts, probes and cuts audio files with ffmpeg/ffprobe.
package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"signalhub-go/internal/logger"
	"signalhub-go/internal/types"
)

// Transformer never returns Go errors; failures are reported in the result
// structs so callers can fall back to the original file.
type Transformer struct {
	ffmpegPath  string
	ffprobePath string
	outputDir   string
	runner      commandRunner
	log         *logger.Logger
}

func NewTransformer(ffmpegPath, ffprobePath, outputDir string, log *logger.Logger) *Transformer {
	if log == nil {
		log = logger.Discard()
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Transformer{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		outputDir:   outputDir,
		runner:      execRunner{},
		log:         log.Component("audio"),
	}
}

// Convert re-encodes path into outputDir as <name>_<rate>hz.<format>.
func (t *Transformer) Convert(ctx context.Context, path, format string, sampleRate, channels int) types.ConversionResult {
	if format == "" {
		format = "wav"
	}
	if err := os.MkdirAll(t.outputDir, 0o755); err != nil {
		return types.ConversionResult{Error: err.Error()}
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(t.outputDir, fmt.Sprintf("%s_%dhz.%s", base, sampleRate, format))

	args := []string{"-y", "-i", path, "-ar", strconv.Itoa(sampleRate), "-ac", strconv.Itoa(channels)}
	if format == "wav" {
		args = append(args, "-c:a", "pcm_s16le")
	}
	args = append(args, out)

	if log, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		return types.ConversionResult{Error: commandError("convert", log, err)}
	}
	t.log.WithFields(logrus.Fields{"input": path, "output": out}).Info("audio converted")
	return types.ConversionResult{Success: true, OutputPath: out}
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
}

// Analyze reads duration and the first audio stream's properties.
func (t *Transformer) Analyze(ctx context.Context, path string) types.AnalysisResult {
	args := []string{"-v", "error", "-show_format", "-show_streams", "-of", "json", path}
	log, err := t.run(ctx, t.ffprobePath, args...)
	if err != nil {
		return types.AnalysisResult{Error: commandError("analyze", log, err)}
	}

	var probe probeOutput
	if err := json.Unmarshal([]byte(log.Stdout), &probe); err != nil {
		return types.AnalysisResult{Error: fmt.Sprintf("analyze: decode ffprobe output: %v", err)}
	}
	res := types.AnalysisResult{Success: true, Format: probe.Format.FormatName}
	res.DurationSeconds, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	res.BitRate, _ = strconv.ParseInt(probe.Format.BitRate, 10, 64)
	for _, s := range probe.Streams {
		if s.CodecType != "audio" {
			continue
		}
		res.Codec = s.CodecName
		res.SampleRate, _ = strconv.Atoi(s.SampleRate)
		res.Channels = s.Channels
		break
	}
	if res.Codec == "" {
		return types.AnalysisResult{Error: "analyze: no audio stream found"}
	}
	return res
}

// ExtractSegment copies [start, start+duration) into outputDir.
func (t *Transformer) ExtractSegment(ctx context.Context, path string, start, duration float64, format string) types.SegmentResult {
	if format == "" {
		format = "wav"
	}
	if duration <= 0 {
		return types.SegmentResult{Error: "extract: duration must be positive"}
	}
	dir := filepath.Join(t.outputDir, "segments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.SegmentResult{Error: err.Error()}
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.%s", base, fmtSeconds(start), fmtSeconds(duration), format))

	args := []string{"-y", "-ss", fmtSeconds(start), "-t", fmtSeconds(duration), "-i", path, out}
	if log, err := t.run(ctx, t.ffmpegPath, args...); err != nil {
		return types.SegmentResult{Error: commandError("extract", log, err), Start: start, Duration: duration}
	}
	return types.SegmentResult{Success: true, OutputPath: out, Start: start, Duration: duration}
}

func (t *Transformer) run(ctx context.Context, name string, args ...string) (CommandLog, error) {
	res, err := t.runner.Run(ctx, name, args...)
	log := CommandLog{Command: name, Args: args, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if err != nil {
		t.log.WithFields(logrus.Fields{
			"command": name,
			"exit":    res.ExitCode,
			"stderr":  strings.TrimSpace(res.Stderr),
		}).Warn("audio command failed")
	}
	return log, err
}

func commandError(stage string, log CommandLog, err error) string {
	msg := strings.TrimSpace(log.Stderr)
	if msg == "" {
		msg = err.Error()
	}
	return fmt.Sprintf("%s: %s (cmd=%s exit=%d)", stage, msg, log.Command, log.ExitCode)
}

func fmtSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
