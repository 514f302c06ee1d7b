//go:build ignore

// Dumps per-tensor summaries of a saved model directory as JSON, for
// comparing two runs or verifying a save/load round trip.
//
// Usage: go run scripts/dump_weights.go -model saved_models/train_from_scratch
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/23skdu/longbow-bowyer/internal/model"
)

type tensorDump struct {
	Name     string    `json:"name"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	FirstFew []float64 `json:"first_few"`
	Sum      float64   `json:"sum"`
}

func main() {
	dir := flag.String("model", "saved_models/train_from_scratch", "Saved model directory")
	flag.Parse()

	m, err := model.Load(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var dumps []tensorDump
	for _, p := range m.Params() {
		r, c := p.W.Dims()
		data := p.W.RawMatrix().Data
		few := len(data)
		if few > 5 {
			few = 5
		}
		sum := 0.0
		for _, v := range data {
			sum += v
		}
		dumps = append(dumps, tensorDump{
			Name:     p.Name,
			Rows:     r,
			Cols:     c,
			FirstFew: data[:few],
			Sum:      sum,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
