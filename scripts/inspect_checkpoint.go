//go:build ignore

// Prints a summary of a training checkpoint: step counters and
// per-parameter statistics. Useful when a resumed run diverges.
//
// Usage: go run scripts/inspect_checkpoint.go -root checkpoints -step 1000
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/23skdu/longbow-bowyer/internal/checkpoint"
)

func main() {
	root := flag.String("root", "checkpoints", "Checkpoint root directory")
	step := flag.Int("step", -1, "Step to inspect (-1 for latest)")
	flag.Parse()

	mgr, err := checkpoint.NewManager(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var snap *checkpoint.Snapshot
	if *step >= 0 {
		snap, err = mgr.Load(*step)
	} else {
		var found bool
		snap, found, err = mgr.Latest()
		if err == nil && !found {
			err = fmt.Errorf("no checkpoints under %s", *root)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("step=%d epoch=%d epoch_batch=%d schedule_pos=%d saved=%s\n",
		snap.GlobalStep, snap.Epoch, snap.EpochBatch, snap.SchedulePosition,
		snap.SavedAt.Format("2006-01-02T15:04:05Z"))
	fmt.Printf("optimizer step=%d\n\n", snap.Optimizer.Step)

	names := make([]string, 0, len(snap.Weights))
	for name := range snap.Weights {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		w := snap.Weights[name]
		minV, maxV, sum := math.Inf(1), math.Inf(-1), 0.0
		nan := 0
		for _, v := range w {
			if math.IsNaN(v) {
				nan++
				continue
			}
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
			sum += v
		}
		fmt.Printf("%-55s n=%-9d min=%+.5f max=%+.5f mean=%+.5f nan=%d\n",
			name, len(w), minV, maxV, sum/float64(len(w)), nan)
	}
}
