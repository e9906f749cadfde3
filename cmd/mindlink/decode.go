package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"text/tabwriter"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/srg/mindlink/internal/frame"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <capture-file>",
	Short: "Decode a captured headset byte stream",
	Long: `Decodes a capture of the headset serial stream (sync, length, payload, checksum frames)
and prints every decoded reading. Use "-" to read from stdin.

Captures may be raw binary or hex text (whitespace, colons and 0x prefixes are ignored).
With --filter the raw samples also run through the stream filter cascade.

Examples:
  mindlink decode capture.bin
  echo "AA AA 02 04 64 97" | mindlink decode --hex -
  mindlink decode capture.hex --hex --raw --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

var (
	decodeHex    bool
	decodeFormat string
	decodeRaw    bool
	decodeFilter bool
)

func init() {
	initDecodeFlags()
}

func initDecodeFlags() {
	decodeCmd.Flags().BoolVar(&decodeHex, "hex", false, "Input is hex text")
	decodeCmd.Flags().StringVarP(&decodeFormat, "format", "f", "table", "Output format (table, json)")
	decodeCmd.Flags().BoolVar(&decodeRaw, "raw", false, "Include raw-only samples in the output")
	decodeCmd.Flags().BoolVar(&decodeFilter, "filter", false, "Run raw samples through the filter cascade")
}

type decodeResult struct {
	Samples  []frame.Sample `json:"samples"`
	Raw      int            `json:"raw_samples"`
	Stats    frame.Stats    `json:"stats"`
	Buffered int            `json:"trailing_bytes"`
	Filtered []float64      `json:"filtered,omitempty"`
	RMS      *float64       `json:"filtered_rms,omitempty"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	if decodeFormat != "table" && decodeFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", decodeFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	data, err := readCapture(cmd.InOrStdin(), args[0], decodeHex)
	if err != nil {
		return err
	}

	parser := frame.NewParser(logger)
	samples := parser.AddBytes(data)

	res := decodeResult{Stats: parser.Stats(), Buffered: parser.Buffered()}
	var microvolts []float64
	for _, s := range samples {
		if uv, ok := s.RawMicrovolts(); ok {
			res.Raw++
			microvolts = append(microvolts, uv)
			if !decodeRaw && isRawOnly(s) {
				continue
			}
		}
		res.Samples = append(res.Samples, s)
	}

	if decodeFilter && len(microvolts) > 0 {
		cascade, err := cfg.Stream.Filter.Build(cfg.Stream.SamplingRate)
		if err != nil {
			return err
		}
		res.Filtered = cascade.Process(microvolts)
		rms := rootMeanSquare(res.Filtered)
		res.RMS = &rms
	}

	if decodeFormat == "json" {
		if res.Samples == nil {
			res.Samples = []frame.Sample{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return displayDecodeTable(cmd.OutOrStdout(), res)
}

// readCapture reads path, or stdin for "-", decoding hex text when asHex is set
func readCapture(stdin io.Reader, path string, asHex bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}
	if !asHex {
		return data, nil
	}

	text := strings.ReplaceAll(strings.ReplaceAll(string(data), "0x", ""), "0X", "")
	text = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ':' || r == ',' || r == '-' {
			return -1
		}
		return r
	}, text)
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("invalid hex capture: %w", err)
	}
	return decoded, nil
}

func isRawOnly(s frame.Sample) bool {
	s.Raw = nil
	return s.IsEmpty()
}

func rootMeanSquare(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

func displayDecodeTable(out io.Writer, res decodeResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if len(res.Samples) > 0 {
		fmt.Fprintln(w, "#\tSIGNAL\tATTENTION\tMEDITATION\tHEART\tBATTERY\tRAW (uV)\tBANDS")
		for i, s := range res.Samples {
			raw := "-"
			if uv, ok := s.RawMicrovolts(); ok {
				raw = fmt.Sprintf("%.2f", uv)
			}
			bands := "-"
			if s.Bands != nil {
				vals := s.Bands.Values()
				parts := make([]string, len(vals))
				for j, v := range vals {
					parts[j] = fmt.Sprintf("%s=%s", frame.BandNames[j], humanize.Comma(int64(v)))
				}
				bands = strings.Join(parts, " ")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", i+1,
				optional(s.PoorSignal), optional(s.Attention), optional(s.Meditation),
				optional(s.HeartRate), optional(s.Battery), raw, bands)
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "frames: %d  raw samples: %d  checksum errors: %d  oversized lengths: %d  unknown types: %d  discarded bytes: %d",
		res.Stats.Frames, res.Raw, res.Stats.ChecksumErrors, res.Stats.OversizedLengths, res.Stats.UnknownTypes, res.Stats.DiscardedBytes)
	if res.Buffered > 0 {
		fmt.Fprintf(out, "  trailing bytes: %d", res.Buffered)
	}
	if res.RMS != nil {
		fmt.Fprintf(out, "  filtered rms: %.2f uV", *res.RMS)
	}
	fmt.Fprintln(out)
	return nil
}
