//go:build cgo

package main

// Registers the netlib BLAS implementation (Accelerate on macOS,
// OpenBLAS on Linux) so gonum's matrix multiplies in the training loop
// use the system BLAS. Pure-Go gonum kernels remain the fallback for
// non-cgo builds.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
