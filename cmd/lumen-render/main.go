// Command lumen-render renders an effect offline and writes the frames as
// PNG files. It is the quickest way to check what an effect looks like
// without attaching a window.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lumen-vj/lumen"
	"github.com/lumen-vj/lumen/backend/wgpu"
)

func main() {
	var (
		effect    = flag.String("effect", "", "effect name to render (required)")
		dirs      = flag.String("library", "effects", "comma-separated effect search directories")
		width     = flag.Int("width", 1280, "frame width")
		height    = flag.Int("height", 720, "frame height")
		frames    = flag.Int("frames", 60, "number of frames to render")
		bpm       = flag.Float64("bpm", 140, "timebase tempo")
		intensity = flag.Float64("intensity", 0.8, "effect intensity in [0, 1]")
		outPrefix = flag.String("out", "frame", "output filename prefix")
		verbose   = flag.Bool("v", false, "log engine internals")
	)
	flag.Parse()

	if *effect == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *verbose {
		lumen.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	dev, err := wgpu.New()
	if err != nil {
		log.Fatalf("GPU init failed: %v", err)
	}
	defer dev.Close()

	library := lumen.NewEffectLibrary(strings.Split(*dirs, ",")...)
	loader := lumen.NewLoader(dev, library)
	defer loader.Close()

	timebase := lumen.NewSystemTimebase(*bpm)
	node := lumen.NewEffectNode(dev, loader, timebase)
	defer node.Close()
	node.SetIntensity(*intensity)
	node.SetName(*effect)
	if err := waitReady(node, 10*time.Second); err != nil {
		log.Fatalf("Effect %q did not load: %v", *effect, err)
	}

	graph := lumen.NewGraph()
	rc := lumen.NewRenderContext(dev, graph, timebase)
	graph.AddNode(node)
	if err := graph.SetRoot(node); err != nil {
		log.Fatalf("Set graph root: %v", err)
	}

	chain, err := rc.AddChain(*width, *height)
	if err != nil {
		log.Fatalf("Create chain: %v", err)
	}
	out := lumen.NewOutputNode(dev, chain)
	rc.AddConsumer(chain, out)

	period := time.Second / 60
	for i := 0; i < *frames; i++ {
		if err := rc.RenderOnce(); err != nil {
			log.Fatalf("Render frame %d: %v", i, err)
		}
		img, err := out.Preview(*width, *height)
		if err != nil {
			log.Fatalf("Read frame %d: %v", i, err)
		}
		name := fmt.Sprintf("%s%04d.png", *outPrefix, i)
		if err := savePNG(name, img); err != nil {
			log.Fatalf("Save %s: %v", name, err)
		}
		time.Sleep(period)
	}

	log.Printf("Rendered %d frames of %q to %s*.png (%dx%d)",
		*frames, *effect, *outPrefix, *width, *height)
}

// waitReady polls until the node's load completes or the deadline passes.
func waitReady(node *lumen.EffectNode, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !node.Ready() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout after %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func savePNG(name string, img image.Image) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
