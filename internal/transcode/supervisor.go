package transcode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/camlink/camlink/internal/media"
	"github.com/camlink/camlink/internal/observability"
)

// Supervisor errors.
var (
	// ErrSpawnFailed is returned when the transcoder process could not be
	// started.
	ErrSpawnFailed = errors.New("transcoder spawn failed")
)

// maxStderrLines bounds the diagnostic tail kept per process.
const maxStderrLines = 50

// stderr markers that indicate the requested codec is unsupported by the
// local ffmpeg build.
var unsupportedCodecMarkers = []string{
	"Unknown encoder",
	"Encoder not found",
	"not supported",
}

// Supervisor spawns and monitors one external transcoder process per media
// track.
type Supervisor struct {
	ffmpegPath string
	grace      time.Duration
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewSupervisor creates a supervisor that launches the given ffmpeg binary.
// grace is how long Stop waits after SIGTERM before escalating to SIGKILL.
func NewSupervisor(ffmpegPath string, grace time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Supervisor {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Supervisor{
		ffmpegPath: ffmpegPath,
		grace:      grace,
		logger:     observability.WithComponent(logger, "transcode"),
		metrics:    metrics,
	}
}

// Process is one running (or exited) transcoder process.
type Process struct {
	kind media.Kind
	args []string

	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger

	// stdout capture, only populated when requested at spawn time.
	stdout bytes.Buffer

	stderrMu    sync.Mutex
	stderrLines []string

	done             chan struct{}
	exitErr          error
	stopRequested    atomic.Bool
	unsupportedCodec atomic.Bool
}

// Spawn launches a transcoder process for the given track kind. The input
// endpoint address is already part of args. When captureOutput is set the
// process stdout is collected in memory (snapshot mode); otherwise the
// process delivers its output itself (live SRTP mode) and stdout is
// discarded.
func (s *Supervisor) Spawn(kind media.Kind, args []string, captureOutput bool) (*Process, error) {
	p := &Process{
		kind:  kind,
		args:  args,
		grace: s.grace,
		done:  make(chan struct{}),
		logger: s.logger.With(
			slog.String("track", string(kind))),
	}

	cmd := exec.Command(s.ffmpegPath, args...)
	// Own process group, so Stop can signal the transcoder together with any
	// descendant it forked. A surviving descendant would otherwise hold the
	// stderr pipe open and stall exit detection past SIGKILL.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if captureOutput {
		cmd.Stdout = &p.stdout
	} else {
		cmd.Stdout = io.Discard
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		s.metrics.IncTranscoderFailures()
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	p.cmd = cmd
	s.metrics.IncTranscoderSpawns()
	p.logger = p.logger.With(slog.Int("pid", cmd.Process.Pid))
	p.logger.Debug("transcoder spawned", slog.String("args", strings.Join(args, " ")))

	go p.supervise(stderr, s.metrics)

	return p, nil
}

// supervise drains stderr, waits for exit, and records the outcome.
func (p *Process) supervise(stderr io.Reader, metrics *observability.Metrics) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		p.recordStderr(line)
		for _, marker := range unsupportedCodecMarkers {
			if strings.Contains(line, marker) {
				p.unsupportedCodec.Store(true)
			}
		}
	}

	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	switch {
	case p.stopRequested.Load():
		p.logger.Debug("transcoder stopped")
	case err != nil:
		metrics.IncTranscoderFailures()
		p.logger.Warn("transcoder exited abnormally",
			slog.String("error", err.Error()),
			slog.String("stderr_tail", strings.Join(p.StderrTail(), " | ")))
	default:
		p.logger.Debug("transcoder exited")
	}
}

func (p *Process) recordStderr(line string) {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	p.stderrLines = append(p.stderrLines, line)
	if len(p.stderrLines) > maxStderrLines {
		p.stderrLines = p.stderrLines[len(p.stderrLines)-maxStderrLines:]
	}
}

// Kind returns the media track kind the process serves.
func (p *Process) Kind() media.Kind {
	return p.kind
}

// Args returns the argument list the process was launched with.
func (p *Process) Args() []string {
	return p.args
}

// PID returns the process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the process exit error. Only meaningful after Done.
func (p *Process) ExitErr() error {
	return p.exitErr
}

// UnsupportedCodec reports whether the process diagnostics indicate the
// requested codec is unsupported by the encoder build.
func (p *Process) UnsupportedCodec() bool {
	return p.unsupportedCodec.Load()
}

// Output returns the captured stdout. Only meaningful after Done, and only
// when the process was spawned with output capture.
func (p *Process) Output() []byte {
	return p.stdout.Bytes()
}

// StderrTail returns the last diagnostic lines emitted by the process.
func (p *Process) StderrTail() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	tail := make([]string, len(p.stderrLines))
	copy(tail, p.stderrLines)
	return tail
}

// Stop requests graceful termination and escalates to SIGKILL after the
// grace period. It is a no-op, not an error, if the process already exited,
// and is safe to call multiple times and concurrently.
func (p *Process) Stop() error {
	if p.Exited() {
		return nil
	}
	p.stopRequested.Store(true)

	p.signal(syscall.SIGTERM)

	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}

	p.signal(syscall.SIGKILL)
	<-p.done
	return nil
}

// signal delivers sig to the transcoder's process group so descendants die
// with it. Falls back to signaling the process directly when the group is
// already gone.
func (p *Process) signal(sig syscall.Signal) {
	if err := syscall.Kill(-p.PID(), sig); err == nil || errors.Is(err, syscall.ESRCH) {
		return
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("signaling transcoder",
			slog.String("signal", sig.String()),
			slog.String("error", err.Error()))
	}
}

// Stats holds point-in-time resource usage of a live process.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Stats samples resource usage of the running process. Returns an error if
// the process already exited.
func (p *Process) Stats() (*Stats, error) {
	if p.Exited() {
		return nil, errors.New("process exited")
	}

	proc, err := process.NewProcess(int32(p.PID()))
	if err != nil {
		return nil, fmt.Errorf("reading process stats: %w", err)
	}

	stats := &Stats{PID: p.PID()}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats, nil
}
