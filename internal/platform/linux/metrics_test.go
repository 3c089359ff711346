//go:build linux

package linux

import (
	"os"
	"testing"
	"time"
)

func TestReadProcessTicksReadsOwnProcess(t *testing.T) {
	ticks, err := readProcessTicks(os.Getpid())
	if err != nil {
		t.Fatalf("readProcessTicks() error: %v", err)
	}
	if ticks == 0 {
		t.Skip("test process reported zero cpu ticks; not a failure, just too little runtime yet")
	}
}

func TestSampleCPUPercentFirstCallIsNotFresh(t *testing.T) {
	cpuSamplesMu.Lock()
	delete(cpuSamples, os.Getpid())
	cpuSamplesMu.Unlock()

	if _, ok := sampleCPUPercent(os.Getpid()); ok {
		t.Error("first sample for a pid should report ok=false, nothing to diff against yet")
	}
}

func TestSampleCPUPercentSecondCallIsFresh(t *testing.T) {
	pid := os.Getpid()
	cpuSamplesMu.Lock()
	delete(cpuSamples, pid)
	cpuSamplesMu.Unlock()

	sampleCPUPercent(pid)
	time.Sleep(10 * time.Millisecond)
	_, ok := sampleCPUPercent(pid)
	if !ok {
		t.Error("second sample for the same pid should report ok=true")
	}
}
