// Command event-inspect examines committed event directories offline: their
// headers and frame indexes, the spiral inference order, and the recorded
// motion trace as a PNG plot or an HTML chart.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/camtrap/internal/config"
	"github.com/banshee-data/camtrap/internal/eventfile"
	"github.com/banshee-data/camtrap/internal/monitor"
	"github.com/banshee-data/camtrap/internal/security"
	"github.com/banshee-data/camtrap/internal/spiral"
)

var (
	configFlag   string
	fractionFlag float64
	outputFlag   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "event-inspect",
		Short: "Inspect camera trap event directories",
		Long: `event-inspect reads the files the camtrap daemon commits for each motion
event without modifying them.

Examples:
  event-inspect index /var/lib/camtrap/event_000042
  event-inspect spiral 25 0.2
  event-inspect plot /var/lib/camtrap/event_000042 -o trace.png
  event-inspect plot /var/lib/camtrap/event_000042 -o trace.html`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "Daemon configuration used for motion thresholds (defaults when empty)")

	index := &cobra.Command{
		Use:     "index DIR",
		Aliases: []string{"info"},
		Short:   "Print the header and frame index of an event",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.OutOrStdout(), args[0])
		},
	}

	order := &cobra.Command{
		Use:   "spiral N [FRACTION]",
		Short: "Print the order in which inference visits N frames",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("frame count must be a non-negative integer: %q", args[0])
			}
			fraction := fractionFlag
			if len(args) == 2 {
				if fraction, err = strconv.ParseFloat(args[1], 64); err != nil {
					return fmt.Errorf("invalid fraction %q: %w", args[1], err)
				}
			}
			return runSpiral(cmd.OutOrStdout(), n, fraction)
		},
	}
	order.Flags().Float64VarP(&fractionFlag, "fraction", "f", 1, "Fraction of frames inference may visit, unless given as an argument")

	plot := &cobra.Command{
		Use:   "plot DIR",
		Short: "Render the motion trace of an event (PNG, or HTML for .html outputs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runPlot(cmd.OutOrStdout(), cfg, args[0], outputFlag)
		},
	}
	plot.Flags().StringVarP(&outputFlag, "output", "o", "trace.png", "Output file")

	root.AddCommand(index, order, plot)
	return root
}

func loadConfig() (*config.Config, error) {
	if configFlag == "" {
		return config.Default(), nil
	}
	return config.Load(configFlag)
}

func runIndex(w io.Writer, dir string) error {
	ev, err := eventfile.ReadEvent(dir)
	if err != nil {
		return err
	}
	h := ev.Header
	format, err := eventfile.ParsePixelFormat(h.PixelFormat)
	if err != nil {
		return err
	}
	raw, err := eventfile.IndexRawFile(ev.Raw, format)
	if err != nil {
		return err
	}
	vectors, err := eventfile.IndexVectorsFile(ev.Vectors)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Event:    %s (format %s)\n", h.ID, h.Version)
	fmt.Fprintf(w, "Window:   %s .. %s (%s)\n", h.Start().UTC().Format("2006-01-02T15:04:05.000Z"),
		h.End().UTC().Format("15:04:05.000Z"), h.End().Sub(h.Start()))
	fmt.Fprintf(w, "Reason:   %s\n", h.Reason)
	fmt.Fprintf(w, "Frames:   raw %d/%d, vectors %d/%d, video %d\n",
		len(raw), h.RawFrames, len(vectors), h.VectorFrames, h.VideoFrames)
	if len(h.Dropped) > 0 {
		fmt.Fprintf(w, "Dropped:  %v\n", h.Dropped)
	}
	if len(raw) > 0 {
		fmt.Fprintf(w, "Raw size: %dx%d %s, %d bytes per frame\n", raw[0].Width, raw[0].Height, format, raw[0].Size)
	}
	if len(h.Sensors) > 0 {
		fmt.Fprintf(w, "Sensors:  %s\n", strings.TrimSpace(string(h.Sensors)))
	}
	return nil
}

func runSpiral(w io.Writer, n int, fraction float64) error {
	if fraction < 0 || fraction > 1 {
		return fmt.Errorf("fraction must be in [0, 1]: %g", fraction)
	}
	order := spiral.Order(n, fraction)
	parts := make([]string, len(order))
	for i, idx := range order {
		parts[i] = strconv.Itoa(idx)
	}
	fmt.Fprintf(w, "%d of %d frames: %s\n", len(order), n, strings.Join(parts, " "))
	return nil
}

func runPlot(w io.Writer, cfg *config.Config, dir, out string) error {
	if err := security.ValidateExportPath(out); err != nil {
		return err
	}
	params, err := cfg.MotionParams()
	if err != nil {
		return err
	}
	p := eventfile.PathsFor(dir)
	descs, err := eventfile.IndexVectorsFile(p.Vectors)
	if err != nil {
		return err
	}
	f, err := os.Open(p.Vectors)
	if err != nil {
		return fmt.Errorf("failed to open vectors: %w", err)
	}
	defer f.Close()

	records := make([]eventfile.VectorRecord, 0, len(descs))
	for _, d := range descs {
		rec, err := eventfile.ReadVectorRecord(f, d)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	pts := monitor.EventTrace(records, params.SmallThreshold, params.SOTVThreshold)

	dst, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	title := filepath.Base(filepath.Clean(dir))
	if strings.EqualFold(filepath.Ext(out), ".html") {
		err = monitor.RenderChart(dst, pts, params.SOTVThreshold, title)
	} else {
		err = monitor.WritePlot(dst, pts, params.SOTVThreshold, title)
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %d points to %s\n", len(pts), out)
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
