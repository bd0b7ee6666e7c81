package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/narrata/backend/pkg/sdk"
)

// Simulates one reading session end to end against a running gateway:
// subscribe to the status stream, submit a short document block by block,
// walk the cursor forward, and report every frame as it lands.
func main() {
	gateway := os.Getenv("GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	client := sdk.NewClient(sdk.Config{
		GatewayURL: gateway,
		UserID:     "sim-reader-01",
	})

	document := []string{
		"The lighthouse keeper climbed the spiral stairs before dawn.",
		"Below, the sea worked at the rocks the way it always had.",
		"He lit the lamp and watched the beam sweep across the water.",
		"Somewhere out there a ship would see it and correct its course.",
	}
	const docID = "sim-doc-01"

	fmt.Println("📖 Session starting: sim-reader-01 /", docID)
	fmt.Println("📡 Connecting to gateway at", gateway)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var (
		mu        sync.Mutex
		finalized = make(map[int]bool)
	)
	done := make(chan struct{})
	markDone := func(blockIdx int) {
		mu.Lock()
		defer mu.Unlock()
		finalized[blockIdx] = true
		if len(finalized) == len(document) {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	}

	stop, err := client.Subscribe(ctx, docID, func(frame sdk.StatusFrame) {
		switch frame.Type {
		case sdk.FrameEvicted:
			fmt.Printf("🧹 evicted blocks %v\n", frame.BlockIndices)
			return
		default:
			fmt.Printf("🔔 block %d → %s", frame.BlockIdx, frame.Status)
			if frame.AudioURL != "" {
				fmt.Printf("  (%s)", client.AudioURL(frame.AudioURL))
			}
			if frame.Error != "" {
				fmt.Printf("  error: %s", frame.Error)
			}
			fmt.Println()
		}

		switch frame.Status {
		case sdk.StatusCached, sdk.StatusSkipped, sdk.StatusError:
			markDone(frame.BlockIdx)
		}
	})
	if err != nil {
		log.Fatalf("❌ subscribe failed: %v", err)
	}
	defer stop()

	for i, text := range document {
		ack, err := client.Synthesize(ctx, sdk.SynthesizeRequest{
			DocumentID: docID,
			BlockIdx:   i,
			Text:       text,
			Model:      "kokoro",
			Voice:      "af_heart",
		})
		if err != nil {
			log.Fatalf("❌ submit block %d failed: %v", i, err)
		}
		fmt.Printf("➡️  block %d %s: %q\n", i, ack.Status, truncate(text, 40))
		if ack.Status == sdk.StatusCached {
			markDone(i)
		}
	}

	// Walk the cursor like a reader would; each move tightens the
	// visibility window around the blocks still worth rendering.
	for cursor := 0; cursor < len(document); cursor++ {
		if err := client.CursorMoved(ctx, docID, cursor); err != nil {
			log.Printf("⚠️  cursor move failed: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	select {
	case <-done:
		fmt.Println("✅ All blocks finalized.")
	case <-ctx.Done():
		mu.Lock()
		n := len(finalized)
		mu.Unlock()
		fmt.Printf("⏳ Timed out with %d/%d blocks finalized.\n", n, len(document))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "…"
}
