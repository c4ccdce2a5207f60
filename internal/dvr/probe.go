package dvr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeFunc returns the playback duration in seconds of a media file.
type ProbeFunc func(ctx context.Context, path string) (float64, error)

// FFProbe shells out to ffprobe to read the container duration.
func FFProbe(binary string, timeout time.Duration) ProbeFunc {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(ctx context.Context, path string) (float64, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		cmd := exec.CommandContext(ctx, binary,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path,
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return 0, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return parseProbeDuration(string(out))
	}
}

func parseProbeDuration(output string) (float64, error) {
	line := strings.TrimSpace(output)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" || line == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}
	value, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", line, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative duration %v", value)
	}
	return value, nil
}
