// Command zscan runs one autofocus worker scan on the configured rig and
// saves the multi-focal frames it captures.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"AutoFocusServer/autofocus"
	"AutoFocusServer/config"
	"AutoFocusServer/focus"
	"AutoFocusServer/hardware"
	"AutoFocusServer/logger"
	"AutoFocusServer/storage"

	"github.com/theckman/yacspin"
	"go.uber.org/zap"
)

// parseROI reads "x0,y0,x1,y1". An empty string means the whole frame.
func parseROI(s string) (image.Rectangle, error) {
	if strings.TrimSpace(s) == "" {
		return image.Rectangle{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("roi %q: want x0,y0,x1,y1", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("roi %q: %w", s, err)
		}
		v[i] = n
	}
	return image.Rect(v[0], v[1], v[2], v[3]), nil
}

func newSpinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " zscan",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	path := flag.String("config", config.FileName, "configuration file")
	roiFlag := flag.String("roi", "", "region to score, x0,y0,x1,y1")
	step := flag.Float64("step", 0, "scan step in µm (0 uses autofocus.coarse_step)")
	offset := flag.Float64("offset", 0, "multi-focal offset in µm (0 uses autofocus.multi_focal_step)")
	out := flag.String("out", "", "output folder (default microscopy.folder)")
	flag.Parse()

	roi, err := parseROI(*roiFlag)
	if err != nil {
		return err
	}
	c, err := config.Load(*path)
	if err != nil {
		return err
	}
	if err := logger.Init("warn", false); err != nil {
		return err
	}
	defer logger.Sync()
	zl := logger.Log()

	rig, err := hardware.Open(c.Hardware, zl.Named("hardware"))
	if err != nil {
		return err
	}
	defer rig.Close()

	opts := c.Microscopy.CaptureOptions()
	if *out != "" {
		opts.Folder = *out
	}
	writer := storage.NewWriter(zl.Named("storage"))

	spinner, err := newSpinner()
	if err != nil {
		return err
	}
	_ = spinner.Start()

	done := make(chan error, 1)
	var saved []string
	cb := autofocus.Callbacks{
		OnProgress: func(i, total int, z float64) {
			spinner.Message(fmt.Sprintf("step %d/%d at %.2f µm", i, total, z))
		},
		OnScanDone: func(z, score float64) {
			spinner.Message(fmt.Sprintf("best plane %.2f µm (score %.1f), capturing", z, score))
		},
		OnCaptured: func(b autofocus.MultiFocalBatch) {
			defer b.Close()
			for _, fc := range b.Captures {
				p := filepath.Join(opts.Folder, storage.MultiFocalFilename(opts.ClassName, 1, fc.Z-b.BPoF, opts.Format))
				if err := writer.Save(fc.Frame, p, opts,
					storage.Meta{Key: "Z_UM", Value: fc.Z, Comment: "focus position"},
					storage.Meta{Key: "FSCORE", Value: fc.Score, Comment: "focus score"}); err != nil {
					zl.Warn("frame not saved", zap.Float64("z_um", fc.Z), zap.Error(err))
					continue
				}
				saved = append(saved, p)
			}
			spinner.StopMessage(fmt.Sprintf("BPoF %.2f µm, %d frames saved", b.BPoF, len(saved)))
			done <- nil
		},
		OnError:     func(err error) { done <- err },
		OnCancelled: func() { done <- context.Canceled },
	}

	stable := focus.StableScorer{
		Camera:   rig.Camera,
		Base:     focus.LaplacianScorer{KernelSize: 3, Scale: 1, Margin: c.Autofocus.RoiMargin},
		Frames:   c.Autofocus.StableFrames,
		Interval: c.Autofocus.StableInterval,
	}
	worker := autofocus.NewWorker(rig.Z, rig.Camera, stable, c.Autofocus, cb, zl.Named("worker"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := worker.Start(ctx, autofocus.Job{ROI: roi, Step: *step, Offset: *offset}); err != nil {
		spinner.StopFailMessage(err.Error())
		_ = spinner.StopFail()
		return err
	}
	go func() {
		<-ctx.Done()
		worker.Cancel()
	}()

	if err := <-done; err != nil {
		spinner.StopFailMessage(err.Error())
		_ = spinner.StopFail()
		worker.Wait()
		return err
	}
	_ = spinner.Stop()
	worker.Wait()
	for _, p := range saved {
		fmt.Println(p)
	}
	return nil
}
