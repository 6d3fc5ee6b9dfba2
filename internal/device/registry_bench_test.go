package device

import (
	"fmt"
	"testing"
)

// setupBenchRegistry creates a registry pre-populated with n devices split across both sources.
func setupBenchRegistry(b *testing.B, n int) *Registry {
	b.Helper()
	reg := NewRegistry(0)

	var relay []Info
	for i := 0; i < n; i++ {
		info := Info{
			UUID:  fmt.Sprintf("%032x", i),
			Name:  fmt.Sprintf("Machine %d", i),
			Model: "fbb1b",
			Alive: true,
		}
		if i%3 == 0 {
			info.Port = fmt.Sprintf("COM%d", i)
			relay = append(relay, info)
			continue
		}
		reg.UpdateBroadcast(info)
	}
	reg.MergeRelay(relay)
	return reg
}

func BenchmarkRegistryDevices(b *testing.B) {
	reg := setupBenchRegistry(b, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Devices()
	}
}

func BenchmarkRegistryUpdateBroadcast_Parallel(b *testing.B) {
	reg := setupBenchRegistry(b, 100)
	info := Info{UUID: fmt.Sprintf("%032x", 50), Alive: true}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			reg.UpdateBroadcast(info)
		}
	})
}
