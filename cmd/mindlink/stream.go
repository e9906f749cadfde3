package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/mindlink/internal/features"
	"github.com/srg/mindlink/internal/frame"
	"github.com/srg/mindlink/internal/publish"
	"github.com/srg/mindlink/internal/stream"
	"github.com/srg/mindlink/internal/supervisor"
	"github.com/srg/mindlink/monitor"
	"golang.org/x/term"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream [device-address]",
	Short: "Stream the filtered signal from a headset",
	Long: fmt.Sprintf(`Connects to a headset, keeps the link alive and streams its signal.

Raw samples are filtered (0.5 Hz high-pass, 50 Hz notch, 45 Hz low-pass) and paced
to real time. Feature windows with band powers are emitted once per second.

Output formats:
  status  - One live status line (default on a terminal)
  json    - One JSON object per line: state, reading, window and optionally chunk records

Examples:
  # Stream from a headset
  mindlink stream %s

  # Stream from the synthetic headset for 30 seconds as JSON
  mindlink stream --simulate --format json --duration 30s

  # Forward chunks and windows to NATS
  mindlink stream %s --nats nats://localhost:4222

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.MaximumNArgs(1),
	RunE: runStream,
}

var (
	streamFormat   string
	streamDuration time.Duration
	streamNATS     string
	streamChunks   bool
)

func init() {
	initStreamFlags()
}

func initStreamFlags() {
	streamCmd.Flags().StringVarP(&streamFormat, "format", "f", "status", "Output format (status, json)")
	streamCmd.Flags().DurationVarP(&streamDuration, "duration", "d", 0, "Stop after this long (0 streams until Ctrl+C)")
	streamCmd.Flags().StringVar(&streamNATS, "nats", "", "Publish to this NATS server (overrides publish.url)")
	streamCmd.Flags().BoolVar(&streamChunks, "chunks", false, "Include every filtered chunk in json output")
}

func runStream(cmd *cobra.Command, args []string) error {
	if streamFormat != "status" && streamFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [status json]", streamFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if streamNATS != "" {
		cfg.Publish.URL = streamNATS
	}

	var address string
	if len(args) == 1 {
		address = args[0]
	} else if address, err = defaultAddress(cmd, cfg); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, permission, err := openTransport(cmd, cfg, logger)
	if err != nil {
		return err
	}

	opts := cfg.MonitorOptions()
	if cfg.Publish.Enabled() {
		pub, err := publish.Connect(cfg.Publish, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts.Sink = pub
	}

	svc := monitor.New(opts, transport, permission, logger)
	if err := svc.Init(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Monitor shutdown did not complete")
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if streamDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, streamDuration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	out := newStreamOutput(cmd.OutOrStdout(), cmd.ErrOrStderr(), streamFormat, streamChunks)
	fatal := make(chan error, 1)
	cancels := []func(){
		svc.OnState(func(ev supervisor.Event) {
			out.state(ev)
			if ev.State == supervisor.Fatal {
				select {
				case fatal <- fmt.Errorf("%w: %w", ErrConnectionLost, ev.Err):
				default:
				}
			}
		}),
		svc.OnFilteredChunk(out.chunk),
		svc.OnReading(out.reading),
		svc.OnFeatureWindow(out.window),
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Connecting to %s", address), "Connecting")
	progress.Start()
	err = svc.Connect(ctx, address)
	progress.Stop()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && streamDuration > 0 {
			return fmt.Errorf("not connected within %s: %w", streamDuration, err)
		}
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Streaming from %s. Press Ctrl+C to stop...\n", address)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			out.finish(svc.Stats())
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return ctx.Err()
		case err := <-fatal:
			out.finish(svc.Stats())
			return err
		case <-ticker.C:
			out.status(svc.State(), svc.Stats())
		}
	}
}

// streamOutput renders service callbacks. Callbacks arrive on the run loop,
// status updates on the command goroutine.
type streamOutput struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	format string
	chunks bool
	live   bool
	done   bool
	enc    *json.Encoder

	samples    uint64
	windows    uint64
	attention  *uint8
	meditation *uint8
	poor       *uint8
	alpha      float64
	stats      *stream.Stats
}

func newStreamOutput(out, errOut io.Writer, format string, chunks bool) *streamOutput {
	live := false
	if f, ok := out.(*os.File); ok {
		live = term.IsTerminal(int(f.Fd()))
	}
	return &streamOutput{
		out:    out,
		errOut: errOut,
		format: format,
		chunks: chunks,
		live:   live,
		enc:    json.NewEncoder(out),
	}
}

type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (o *streamOutput) emit(kind string, v any) {
	if o.done {
		return
	}
	if err := o.enc.Encode(record{Type: kind, Data: v}); err != nil {
		fmt.Fprintf(o.errOut, "failed to write %s record: %v\n", kind, err)
	}
}

func (o *streamOutput) state(ev supervisor.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.format == "json" {
		msg := map[string]any{"state": ev.State.String(), "session": ev.Session, "at": ev.At}
		if ev.Attempt > 0 {
			msg["attempt"] = ev.Attempt
		}
		if ev.Err != nil {
			msg["error"] = ev.Err.Error()
		}
		o.emit("state", msg)
		return
	}

	line := fmt.Sprintf("link %s", stateColor(ev.State)("%s", ev.State))
	if ev.Attempt > 0 {
		line += fmt.Sprintf(" (attempt %d)", ev.Attempt)
	}
	if ev.Err != nil {
		line += fmt.Sprintf(": %v", ev.Err)
	}
	if o.live {
		fmt.Fprint(o.out, clearLineSequence)
	}
	fmt.Fprintln(o.errOut, line)
}

func (o *streamOutput) chunk(c stream.Chunk) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples += uint64(len(c.Filtered))
	o.stats = c.Stats
	if o.format == "json" && o.chunks {
		o.emit("chunk", c)
	}
}

func (o *streamOutput) reading(s frame.Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s.Attention != nil {
		o.attention = s.Attention
	}
	if s.Meditation != nil {
		o.meditation = s.Meditation
	}
	if s.PoorSignal != nil {
		o.poor = s.PoorSignal
	}
	if o.format == "json" {
		o.emit("reading", s)
	}
}

func (o *streamOutput) window(w features.Window) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.windows++
	if w.Bands != nil {
		o.alpha, _ = w.Bands.Get("alpha")
	}
	if o.format == "json" {
		o.emit("window", w)
	}
}

// status redraws the live line on a terminal; piped status output gets one line per feature window count change
func (o *streamOutput) status(st supervisor.State, sup supervisor.Stats) {
	if o.format != "status" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	line := o.statusLine(st, sup)
	if o.live {
		fmt.Fprint(o.out, clearLineSequence+line)
		return
	}
	fmt.Fprintln(o.out, line)
}

func (o *streamOutput) statusLine(st supervisor.State, sup supervisor.Stats) string {
	parts := []string{
		stateColor(st)("%s", st),
		fmt.Sprintf("samples %s", humanize.Comma(int64(o.samples))),
		fmt.Sprintf("windows %d", o.windows),
		fmt.Sprintf("attention %s", optional(o.attention)),
		fmt.Sprintf("meditation %s", optional(o.meditation)),
		fmt.Sprintf("alpha %s", humanize.FtoaWithDigits(o.alpha, 2)),
	}
	if o.poor != nil && *o.poor > 0 {
		parts = append(parts, color.YellowString("poor signal %d", *o.poor))
	}
	if !sup.LastKeepAlive.IsZero() {
		parts = append(parts, fmt.Sprintf("keep-alive %s", humanize.Time(sup.LastKeepAlive)))
	}
	if sup.Reconnects > 0 {
		parts = append(parts, fmt.Sprintf("reconnects %d", sup.Reconnects))
	}
	if o.stats != nil && o.stats.Parser.ChecksumErrors > 0 {
		parts = append(parts, color.RedString("bad frames %d", o.stats.Parser.ChecksumErrors))
	}
	return strings.Join(parts, "  ")
}

func (o *streamOutput) finish(sup supervisor.Stats) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.live {
		fmt.Fprint(o.out, clearLineSequence)
	}
	fields := map[string]any{
		"samples":         o.samples,
		"windows":         o.windows,
		"keep_alive_ops":  sup.KeepAliveOps,
		"health_triggers": sup.HealthTriggers,
		"reconnects":      sup.Reconnects,
	}
	if o.format == "json" {
		o.emit("summary", fields)
		o.done = true
		return
	}
	o.done = true
	fmt.Fprintf(o.errOut, "Streamed %s samples in %d windows (keep-alive ops %d, reconnects %d)\n",
		humanize.Comma(int64(o.samples)), o.windows, sup.KeepAliveOps, sup.Reconnects)
}

func optional(v *uint8) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func stateColor(st supervisor.State) func(format string, a ...interface{}) string {
	switch st {
	case supervisor.Connected:
		return color.GreenString
	case supervisor.Connecting, supervisor.Reconnecting:
		return color.YellowString
	case supervisor.Fatal:
		return color.RedString
	}
	return color.WhiteString
}
