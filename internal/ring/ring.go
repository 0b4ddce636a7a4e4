// Package ring plays the ringing indication for incoming and outgoing calls.
// Ringing is best effort: playback and vibration errors are logged at debug
// level and otherwise ignored.
package ring

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/1ureka/famcall/internal/signaling"
	"github.com/1ureka/famcall/internal/util"
)

// Player plays one cycle of a ring tone, returning when the cycle ends or
// ctx is done.
type Player interface {
	Play(ctx context.Context) error
}

// Vibrator runs a vibration pattern of alternating on/off durations.
type Vibrator interface {
	Vibrate(ctx context.Context, pattern []time.Duration) error
}

// DefaultPattern is the vibration pattern repeated while ringing.
var DefaultPattern = []time.Duration{400 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Options configures a Controller. Tone may be nil, in which case only the
// fallback plays.
type Options struct {
	Tone     Player
	Fallback Player
	Vibrator Vibrator
	Pause    time.Duration // silence between cycles
	StopWait time.Duration // longest Stop waits for playback, defaultStopWait when zero
}

const defaultStopWait = time.Second

// Controller rings until stopped. Start and Stop may be called from any
// goroutine, in any order, any number of times.
type Controller struct {
	opts Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a controller. A nil fallback becomes a terminal bell on stderr.
func New(opts Options) *Controller {
	if opts.Fallback == nil {
		opts.Fallback = &Bell{W: os.Stderr}
	}
	if opts.Pause <= 0 {
		opts.Pause = time.Second
	}
	return &Controller{opts: opts}
}

// Start begins ringing. It does nothing if already ringing.
func (c *Controller) Start(kind signaling.CallKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.ring(ctx, c.done)
	if c.opts.Vibrator != nil {
		go c.vibrate(ctx)
	}
	util.LogDebug("Ringing started (%s)", kind)
}

// Stop halts ringing and waits up to StopWait for playback to stop. Safe
// when not ringing.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	wait := c.opts.StopWait
	if wait <= 0 {
		wait = defaultStopWait
	}
	select {
	case <-done:
		util.LogDebug("Ringing stopped")
	case <-time.After(wait):
		util.LogWarning("Ring player ignored cancellation, abandoning it")
	}
}

// Ringing reports whether the controller is ringing.
func (c *Controller) Ringing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Controller) ring(ctx context.Context, done chan struct{}) {
	defer close(done)

	player, fallback := c.opts.Tone, false
	if player == nil {
		player, fallback = c.opts.Fallback, true
	}

	for {
		if err := safePlay(ctx, player); err != nil && ctx.Err() == nil {
			if !fallback {
				util.LogDebug("Ring tone failed, using fallback: %v", err)
				player, fallback = c.opts.Fallback, true
				continue
			}
			util.LogDebug("Ring fallback failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.Pause):
		}
	}
}

func (c *Controller) vibrate(ctx context.Context) {
	for ctx.Err() == nil {
		if err := c.opts.Vibrator.Vibrate(ctx, DefaultPattern); err != nil {
			util.LogDebug("Vibration unavailable: %v", err)
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.opts.Pause):
		}
	}
}

// safePlay turns a panicking player into an error.
func safePlay(ctx context.Context, p Player) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("player panic: %v", r)
		}
	}()
	return p.Play(ctx)
}

// FileTone plays an audio file through an external player command.
type FileTone struct {
	Path    string
	Command []string // e.g. {"paplay"}; the path is appended
}

// Play implements Player.
func (f *FileTone) Play(ctx context.Context) error {
	if len(f.Command) == 0 {
		return exec.ErrNotFound
	}
	if _, err := os.Stat(f.Path); err != nil {
		return err
	}
	args := append(append([]string(nil), f.Command[1:]...), f.Path)
	return exec.CommandContext(ctx, f.Command[0], args...).Run()
}

// players lists known command line audio players in preference order.
var players = [][]string{
	{"paplay"},
	{"aplay", "-q"},
	{"afplay"},
	{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"},
}

// DetectPlayer returns the first installed player command, or nil.
func DetectPlayer() []string {
	for _, p := range players {
		if _, err := exec.LookPath(p[0]); err == nil {
			return p
		}
	}
	return nil
}

// NewFileTone returns a FileTone for path using the detected player, or nil
// when path is empty or no player is installed.
func NewFileTone(path string) Player {
	if path == "" {
		return nil
	}
	cmd := DetectPlayer()
	if cmd == nil {
		util.LogDebug("No audio player found, ring tone %s disabled", path)
		return nil
	}
	return &FileTone{Path: path, Command: cmd}
}

// Bell is the synthesized fallback: a terminal bell followed by a short
// wait, so one cycle lasts Duration.
type Bell struct {
	W        io.Writer
	Duration time.Duration
}

// Play implements Player.
func (b *Bell) Play(ctx context.Context) error {
	if _, err := io.WriteString(b.W, "\a"); err != nil {
		return err
	}
	d := b.Duration
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
	return nil
}
