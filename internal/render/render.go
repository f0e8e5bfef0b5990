package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrUnavailable is returned when the encoder binary cannot be found.
// Callers may fall back to publishing the source file unchanged.
var ErrUnavailable = errors.New("render: ffmpeg not available")

// Story canvas size (9:16).
const (
	storyWidth  = 1080
	storyHeight = 1920
)

// Overlay describes the attribution burned into a rendered story.
type Overlay struct {
	// Handle is credited as "Credit: @Handle".
	Handle string
	// Name is the output base name; the file is written as story_<Name>.mp4.
	Name string
}

// Renderer produces a story-format video from an input file.
type Renderer interface {
	Render(ctx context.Context, input string, overlay Overlay) (string, error)
}

// FFmpeg renders stories by shelling out to ffmpeg.
type FFmpeg struct {
	binary   string
	fontFile string
	outDir   string
	logger   *slog.Logger

	lookPath func(file string) (string, error)
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewFFmpeg creates a renderer writing into outDir. An empty fontFile leaves
// font selection to ffmpeg's fontconfig default.
func NewFFmpeg(binary, fontFile, outDir string) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{
		binary:   binary,
		fontFile: fontFile,
		outDir:   outDir,
		logger:   slog.Default().With("component", "render"),
		lookPath: exec.LookPath,
		run:      runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() bool {
	_, err := f.lookPath(f.binary)
	return err == nil
}

// Render scales and pads input to a 1080x1920 canvas with a credit overlay
// and returns the output path. Rendering the same input twice overwrites the
// same output file. The input file is never modified or removed.
func (f *FFmpeg) Render(ctx context.Context, input string, overlay Overlay) (string, error) {
	bin, err := f.lookPath(f.binary)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if overlay.Name == "" {
		overlay.Name = strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	}
	if _, err := os.Stat(input); err != nil {
		return "", fmt.Errorf("render input: %w", err)
	}
	if err := os.MkdirAll(f.outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}

	output := filepath.Join(f.outDir, "story_"+overlay.Name+".mp4")
	if sameFile(input, output) {
		return "", fmt.Errorf("render output %s would overwrite its input", output)
	}

	out, err := f.run(ctx, bin, f.args(input, output, overlay)...)
	if err != nil {
		os.Remove(output)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ffmpeg failed: %w: %s", err, tail(out, 512))
	}

	f.logger.Info("rendered story", "input", input, "output", output)
	return output, nil
}

func (f *FFmpeg) args(input, output string, overlay Overlay) []string {
	draw := []string{
		"text='" + escapeText("Credit: @"+overlay.Handle) + "'",
		"fontcolor=white",
		"fontsize=36",
	}
	if f.fontFile != "" {
		draw = append(draw, "fontfile='"+escapeText(f.fontFile)+"'")
	}
	draw = append(draw,
		"x=(w-text_w)/2",
		"y=h-100",
		"box=1",
		"boxcolor=black@0.6",
		"boxborderw=10",
	)

	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,drawtext=%s",
		storyWidth, storyHeight, storyWidth, storyHeight, strings.Join(draw, ":"),
	)

	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-vf", vf,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-c:a", "copy",
		output,
	}
}

// escapeText escapes a value for use inside a single-quoted filter argument.
func escapeText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `'\''`, `%`, `\%`)
	return r.Replace(s)
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
