package determinism

// reference.go — the built-in reference pipeline.
//
// A miniature stand-in for a real audit run: synthesizes a small tabular
// dataset, bootstrap-resamples it, and computes summary metrics, drawing
// every random value from named seed streams. If this pipeline diverges
// across runs, the host environment (not the audit code) is the problem.

import (
	"fmt"

	"basalt/internal/seed"
)

const (
	refRows     = 256
	refCols     = 4
	refBoots    = 50
	refBootSize = 128
)

// ReferencePipeline is a complete synthetic audit computation. Its output
// depends only on the seed: identical hashes across runs and machines.
func ReferencePipeline(masterSeed int64) (any, error) {
	out, _, err := runReference(masterSeed, false)
	return out, err
}

// ReferenceCheckpoints is the instrumented form of ReferencePipeline.
func ReferenceCheckpoints(masterSeed int64) ([]Checkpoint, error) {
	_, cps, err := runReference(masterSeed, true)
	return cps, err
}

func runReference(masterSeed int64, instrument bool) (any, []Checkpoint, error) {
	mgr := seed.New(masterSeed)
	var cps []Checkpoint

	// Synthesize the dataset from its own stream: requesting the bootstrap
	// stream first or last must not change these values.
	data := make([][]float64, refRows)
	dataRNG := mgr.Stream("reference.data")
	for i := range data {
		row := make([]float64, refCols)
		for j := range row {
			row[j] = dataRNG.NormFloat64()
		}
		data[i] = row
	}
	if instrument {
		cps = append(cps, Checkpoint{Name: "dataset", Value: data})
	}

	// Bootstrap column means. Each resample draws from a per-replicate
	// stream so replicates could run in parallel without changing results.
	bootMeans := make([][]float64, refBoots)
	for b := range bootMeans {
		rng := mgr.Stream(bootStreamName(b))
		sums := make([]float64, refCols)
		for n := 0; n < refBootSize; n++ {
			row := data[rng.IntN(refRows)]
			for j, v := range row {
				sums[j] += v
			}
		}
		means := make([]float64, refCols)
		for j, s := range sums {
			means[j] = s / refBootSize
		}
		bootMeans[b] = means
	}
	if instrument {
		cps = append(cps, Checkpoint{Name: "bootstrap_means", Value: bootMeans})
	}

	// Aggregate per-column mean of means; the final "metrics" artifact.
	metrics := make(map[string]float64, refCols)
	for j := 0; j < refCols; j++ {
		var sum float64
		for _, means := range bootMeans {
			sum += means[j]
		}
		metrics[colName(j)] = sum / refBoots
	}
	if instrument {
		cps = append(cps, Checkpoint{Name: "metrics", Value: metrics})
	}

	out := map[string]any{
		"rows":       refRows,
		"columns":    refCols,
		"bootstraps": refBoots,
		"metrics":    metrics,
	}
	return out, cps, nil
}

func bootStreamName(b int) string {
	return fmt.Sprintf("reference.bootstrap.%03d", b)
}

func colName(j int) string {
	return fmt.Sprintf("col_%d", j)
}
