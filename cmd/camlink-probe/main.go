package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/e7canasta/orion-camlink/internal/processor"
	"github.com/e7canasta/orion-camlink/modules/v4l2capture"
)

const version = "v0.1.0"

func main() {
	device := flag.String("device", "/dev/video0", "Capture device node")
	width := flag.Int("width", 640, "Requested width")
	height := flag.Int("height", 480, "Requested height")
	pixelFormat := flag.String("pixel-format", "MJPG", "Requested fourcc: MJPG, JPEG, YUYV, RGB3, GREY")
	fps := flag.Int("fps", 0, "Requested FPS (0 = driver default)")
	buffers := flag.Int("buffers", v4l2capture.DefaultBuffers, "mmap ring size")
	warmupFor := flag.Duration("warmup", 3*time.Second, "FPS measurement before capturing (0 skips)")
	maxFrames := flag.Int("frames", 10, "Frames to capture")
	outputDir := flag.String("output", "", "Directory to save captured frames as JPEG (optional)")
	kind := flag.String("processor", "jpeg", "Processor used for saved frames: passthrough, jpeg, analysis")
	quality := flag.Int("jpeg-quality", 90, "JPEG quality (1-100)")
	snapshot := flag.Bool("snapshot", false, "Grab a single frame, save it to -output and exit")
	snapshotTimeout := flag.Duration("snapshot-timeout", 5*time.Second, "How long -snapshot waits for the first good frame")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camlink-probe %s\n", version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	format, err := v4l2capture.ParsePixelFormat(*pixelFormat)
	if err != nil {
		log.Fatalf("Invalid pixel format: %v", err)
	}

	proc, err := processor.New(*kind, processor.Options{Quality: *quality})
	if err != nil {
		log.Fatalf("Invalid processor: %v", err)
	}

	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	cfg := v4l2capture.Config{
		Name:        "probe",
		Device:      *device,
		Width:       *width,
		Height:      *height,
		PixelFormat: format,
		FPS:         *fps,
		Buffers:     *buffers,
	}

	if *snapshot {
		img, err := v4l2capture.CaptureOnce(cfg, *snapshotTimeout)
		if err != nil {
			log.Fatalf("Snapshot failed (%s): %v", v4l2capture.ClassifyError(err), err)
		}
		fmt.Printf("Snapshot:      %s %dx%d, %.1f KB\n", img.Format, img.Width, img.Height, float64(len(img.Data))/1024)
		dir := *outputDir
		if dir == "" {
			dir = "."
		}
		if err := saveFrame(dir, proc, img); err != nil {
			log.Fatalf("Failed to save snapshot: %v", err)
		}
		return
	}

	session, err := v4l2capture.NewSession(cfg)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Initialize(); err != nil {
		log.Fatalf("Failed to open %s (%s): %v", *device, v4l2capture.ClassifyError(err), err)
	}
	defer func() {
		if err := session.Shutdown(); err != nil {
			slog.Error("Error closing device", "error", err)
		}
	}()

	got := session.Format()
	stats := session.Stats()
	fmt.Printf("\n")
	fmt.Printf("Device:        %s\n", *device)
	fmt.Printf("Format:        %s %s\n", got.PixelFormat, got.Resolution())
	fmt.Printf("Buffers:       %d\n", stats.Buffers)
	fmt.Printf("\n")

	if *warmupFor > 0 {
		fmt.Printf("Running warmup (%s) to measure capture stability...\n", *warmupFor)
		ws, err := v4l2capture.Warmup(ctx, session, *warmupFor)
		if ws == nil {
			log.Fatalf("Warmup failed: %v", err)
		}
		fmt.Printf("\n")
		fmt.Printf("Frames Received:    %6d frames\n", ws.FramesReceived)
		fmt.Printf("Duration:           %6.1f seconds\n", ws.Duration.Seconds())
		fmt.Printf("FPS Mean:           %6.2f fps\n", ws.FPSMean)
		fmt.Printf("FPS StdDev:         %6.2f fps\n", ws.FPSStdDev)
		fmt.Printf("FPS Range:          %6.1f - %.1f fps\n", ws.FPSMin, ws.FPSMax)
		fmt.Printf("Jitter Mean:        %6.3f s\n", ws.JitterMean)
		fmt.Printf("Jitter Max:         %6.3f s\n", ws.JitterMax)
		fmt.Printf("Stable:             %6v\n", ws.IsStable)
		if err != nil {
			fmt.Printf("\nWARNING: %v\n", err)
		}
		fmt.Printf("\n")
	}

	captured := 0
	for captured < *maxFrames && ctx.Err() == nil {
		f, err := session.AcquireFrame()
		if errors.Is(err, v4l2capture.ErrNoFrameAvailable) {
			continue
		}
		if err != nil {
			log.Fatalf("Capture failed (%s): %v", v4l2capture.ClassifyError(err), err)
		}

		img, err := f.Clone()
		if rerr := f.Release(); rerr != nil {
			slog.Warn("Failed to release buffer", "error", rerr)
		}
		if err != nil {
			slog.Error("Failed to copy frame", "error", err)
			continue
		}
		captured++

		fmt.Printf("[%s] Frame #%-4d | Seq: %-8d | Size: %6.1f KB | Buffer timestamp: %s\n",
			time.Now().Format("15:04:05"),
			captured,
			img.Seq,
			float64(len(img.Data))/1024,
			img.Timestamp.Format("15:04:05.000"),
		)

		if *outputDir != "" {
			if err := saveFrame(*outputDir, proc, img); err != nil {
				slog.Error("Failed to save frame", "error", err, "seq", img.Seq)
			}
		}
	}

	final := session.Stats()
	fmt.Printf("\n")
	fmt.Printf("Frames Acquired:    %d\n", final.FramesAcquired)
	fmt.Printf("No Frame:           %d\n", final.NoFrame)
	fmt.Printf("Corrupted:          %d\n", final.Corrupted)
	fmt.Printf("Errors:             %d\n", final.Errors)
	fmt.Printf("Average FPS:        %.2f fps\n", final.FPSReal)
}

// saveFrame runs the frame through proc and writes the payload as JPEG.
func saveFrame(outputDir string, proc processor.FrameProcessor, img v4l2capture.Image) error {
	out, err := proc.Process(processor.InputFromImage(img))
	if err != nil {
		return fmt.Errorf("failed to process frame: %w", err)
	}

	name := fmt.Sprintf("frame_%06d_%s.jpg", img.Seq, img.Timestamp.Format("20060102_150405.000"))
	if err := os.WriteFile(filepath.Join(outputDir, name), out.Payload, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
