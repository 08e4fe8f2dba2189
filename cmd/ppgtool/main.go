// Command ppgtool is the offline capture tooling: record a channel's raw
// PPG stream to a PPGL log, replay a log onto the bus as if the sensor
// were live, or inspect a log's contents.
//
// Usage:
//
//	ppgtool record -channel 0 [-port 8000] [-output-dir data]
//	ppgtool replay [-host 127.0.0.1] [-port 8000] [-loop] file.bin
//	ppgtool info file.bin
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goosc "github.com/hypebeast/go-osc/osc"

	"github.com/corazonn/amor/internal/capture"
	"github.com/corazonn/amor/internal/osc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "record":
		err = runRecord(os.Args[2:], logger)
	case "replay":
		err = runReplay(os.Args[2:], logger)
	case "info":
		err = runInfo(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("ppgtool failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ppgtool record|replay|info [flags] [file]")
}

// runRecord listens on the ppg port (shared via SO_REUSEPORT so it can
// run alongside the engine) and writes the selected channel's bundles to
// a timestamped PPGL file until interrupted.
func runRecord(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	channel := fs.Int("channel", 0, "PPG channel to record (0-3)")
	port := fs.Int("port", osc.PortPPG, "UDP port to listen on")
	outputDir := fs.String("output-dir", "data", "output directory for log files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *channel < 0 || *channel >= osc.NumPhysicalChannels {
		return fmt.Errorf("channel must be 0-%d, got %d", osc.NumPhysicalChannels-1, *channel)
	}

	if err := os.MkdirAll(*outputDir, 0o750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	path := filepath.Join(*outputDir, fmt.Sprintf("ppg_%s_ch%d.bin",
		time.Now().Format("20060102_150405"), *channel))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}
	defer f.Close()

	w, err := capture.NewWriter(f, uint8(*channel))
	if err != nil {
		return err
	}

	listener, err := osc.NewListener(*port, logger, osc.NewStats())
	if err != nil {
		return err
	}
	defer listener.Close()

	listener.Handle("/ppg/{ch}", func(msg *goosc.Message, ch int) {
		if ch != *channel || len(msg.Arguments) != osc.SamplesPerBundle+1 {
			return
		}
		var rec capture.Record
		for i := 0; i < osc.SamplesPerBundle; i++ {
			v, ok := osc.IntArg(msg.Arguments[i])
			if !ok {
				return
			}
			rec.Samples[i] = int32(v)
		}
		ts, ok := osc.IntArg(msg.Arguments[osc.SamplesPerBundle])
		if !ok {
			return
		}
		rec.TimestampMS = int32(ts)

		if err := w.WriteRecord(rec); err != nil {
			logger.Error("writing record", "error", err)
			return
		}
		// Flush every second of data so a crash loses little.
		if w.Records()%10 == 0 {
			f.Sync()
			logger.Info("recording", "records", w.Records(), "samples", w.Records()*osc.SamplesPerBundle)
		}
	})
	listener.Start()

	logger.Info("recording", "channel", *channel, "port", *port, "file", path)
	logger.Info("press ctrl-c to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("recording complete", "records", w.Records(), "file", path)
	return nil
}

// runReplay plays a PPGL log back onto the bus with the recording's
// relative timing, optionally in a continuous loop.
func runReplay(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "OSC destination host")
	port := fs.Int("port", osc.PortPPG, "OSC destination port")
	loop := fs.Bool("loop", false, "loop playback continuously")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("replay needs exactly one log file")
	}

	records, hdr, err := loadLog(fs.Arg(0))
	if err != nil {
		return err
	}
	logger.Info("loaded log",
		"file", fs.Arg(0),
		"channel", hdr.Channel,
		"records", len(records),
		"duration_s", float64(len(records))*0.1,
	)

	client := goosc.NewClient(*host, *port)
	address := osc.PPGAddr(int(hdr.Channel))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for iteration := 1; ; iteration++ {
		start := time.Now()
		first := records[0].TimestampMS

		for i, rec := range records {
			offset := time.Duration(rec.TimestampMS-first) * time.Millisecond
			wait := time.Until(start.Add(offset))
			if wait > 0 {
				select {
				case <-sigCh:
					logger.Info("playback stopped")
					return nil
				case <-time.After(wait):
				}
			}

			msg := goosc.NewMessage(address)
			for _, s := range rec.Samples {
				msg.Append(s)
			}
			msg.Append(rec.TimestampMS)
			if err := client.Send(msg); err != nil {
				logger.Warn("send failed", "error", err)
			}

			if (i+1)%50 == 0 {
				logger.Info("playing", "records", i+1, "of", len(records))
			}
		}

		if !*loop {
			logger.Info("playback complete")
			return nil
		}
		logger.Info("loop iteration complete", "iteration", iteration)
	}
}

// runInfo prints a log's header and summary statistics.
func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("info needs exactly one log file")
	}

	records, hdr, err := loadLog(fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("file:     %s\n", fs.Arg(0))
	fmt.Printf("version:  %d\n", hdr.Version)
	fmt.Printf("channel:  %d\n", hdr.Channel)
	fmt.Printf("records:  %d (%d samples)\n", len(records), len(records)*osc.SamplesPerBundle)
	if len(records) > 0 {
		spanMS := records[len(records)-1].TimestampMS - records[0].TimestampMS
		fmt.Printf("span:     %.1fs\n", float64(spanMS)/1000)
		lo, hi := int32(osc.ADCMax), int32(osc.ADCMin)
		for _, rec := range records {
			for _, s := range rec.Samples {
				if s < lo {
					lo = s
				}
				if s > hi {
					hi = s
				}
			}
		}
		fmt.Printf("range:    %d..%d\n", lo, hi)
	}
	return nil
}

func loadLog(path string) ([]capture.Record, capture.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, capture.Header{}, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	r, err := capture.NewReader(f)
	if err != nil {
		return nil, capture.Header{}, err
	}
	records, err := r.ReadAll()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, capture.Header{}, err
	}
	if len(records) == 0 {
		return nil, capture.Header{}, errors.New("log contains no records")
	}
	return records, r.Header(), nil
}
