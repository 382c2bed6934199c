//go:build performance
// +build performance

package perf

import (
	"Inkwell/backend/peer"
	"Inkwell/backend/peer/impl"
	"Inkwell/backend/transport"
	"Inkwell/backend/transport/channel"
	"testing"
	"time"
)

var peerFac peer.Factory = impl.NewPeer

var channelFac transport.Factory = channel.NewTransport

type speedThresholds struct {
	name string
	max  time.Duration
}

type allocThresholds struct {
	name   string
	allocs int64
	bytes  int64
}

// assessSpeed reports the first threshold met by the benchmark, and fails if
// none is.
func assessSpeed(t *testing.T, res testing.BenchmarkResult, thresholds []speedThresholds) {
	perOp := time.Duration(res.NsPerOp())
	for _, th := range thresholds {
		if perOp <= th.max {
			t.Logf("%s: %s per op", th.name, perOp)
			return
		}
	}
	t.Errorf("too slow: %s per op", perOp)
}

// assessAllocs reports the first threshold met by the benchmark, and fails if
// none is.
func assessAllocs(t *testing.T, res testing.BenchmarkResult, thresholds []allocThresholds) {
	for _, th := range thresholds {
		if res.AllocsPerOp() <= th.allocs && res.AllocedBytesPerOp() <= th.bytes {
			t.Logf("%s: %d allocs, %d bytes per op", th.name, res.AllocsPerOp(), res.AllocedBytesPerOp())
			return
		}
	}
	t.Errorf("too many allocations: %d allocs, %d bytes per op", res.AllocsPerOp(), res.AllocedBytesPerOp())
}
