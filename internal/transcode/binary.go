package transcode

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

var versionRe = regexp.MustCompile(`ffmpeg version (\S+)`)

// BinaryInfo describes the detected ffmpeg installation.
type BinaryInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// DetectBinary locates the ffmpeg binary, preferring the configured override
// over a PATH lookup, and probes its version. The version probe is
// best-effort; an unparsable banner leaves Version empty.
func DetectBinary(ctx context.Context, override string) (*BinaryInfo, error) {
	path := override
	if path == "" {
		found, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
		}
		path = found
	} else if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("configured ffmpeg path %q: %w", path, err)
	}

	info := &BinaryInfo{Path: path}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err == nil {
		firstLine := strings.SplitN(string(out), "\n", 2)[0]
		if m := versionRe.FindStringSubmatch(firstLine); m != nil {
			info.Version = m[1]
		}
	}

	return info, nil
}
