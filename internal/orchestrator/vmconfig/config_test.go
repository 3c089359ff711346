package vmconfig

import (
	"encoding/json"
	"testing"
)

func TestResourcesUnmarshalJSONPlainInts(t *testing.T) {
	var r Resources
	if err := json.Unmarshal([]byte(`{"cpu_cores":2,"memory_mb":1024,"disk_gb":10}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.CPUCores != 2 || r.MemoryMB != 1024 || r.DiskGB != 10 {
		t.Fatalf("unexpected resources: %+v", r)
	}
}

func TestResourcesUnmarshalJSONHumanSizes(t *testing.T) {
	var r Resources
	if err := json.Unmarshal([]byte(`{"cpu_cores":4,"memory_mb":"2GiB","disk_gb":"20GB"}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.MemoryMB != 2048 {
		t.Fatalf("expected 2GiB to parse to 2048 MB, got %d", r.MemoryMB)
	}
	if r.DiskGB != 20 {
		t.Fatalf("expected 20GB to parse to 20 GB, got %d", r.DiskGB)
	}
}

func TestResourcesUnmarshalJSONInvalidSize(t *testing.T) {
	var r Resources
	if err := json.Unmarshal([]byte(`{"memory_mb":"not-a-size"}`), &r); err == nil {
		t.Fatal("expected an error for an unparseable size string")
	}
}

func TestConfigValidateRejectsDuplicateHostPorts(t *testing.T) {
	cfg := Config{
		Resources: Resources{CPUCores: 1, MemoryMB: 512, DiskGB: 5},
		Storage:   StorageConfig{CacheStrategy: CacheWriteback},
		Network: NetworkConfig{
			PortMappings: []PortMapping{
				{HostPort: 8080, GuestPort: 80, Protocol: "tcp"},
				{HostPort: 8080, GuestPort: 443, Protocol: "tcp"},
			},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for duplicate host ports")
	}
}

func TestConfigValidateRejectsCPUCoresOutOfRange(t *testing.T) {
	base := Config{
		Resources: Resources{CPUCores: 1, MemoryMB: 512, DiskGB: 5},
		Storage:   StorageConfig{CacheStrategy: CacheWriteback},
	}

	tooMany := base
	tooMany.Resources.CPUCores = 65
	if err := tooMany.Validate(); err == nil {
		t.Fatal("expected an error for cpu_cores above 64")
	}

	none := base
	none.Resources.CPUCores = 0
	if err := none.Validate(); err == nil {
		t.Fatal("expected an error for cpu_cores of 0")
	}

	max := base
	max.Resources.CPUCores = 64
	if err := max.Validate(); err != nil {
		t.Fatalf("cpu_cores of 64 should validate: %v", err)
	}
}

func TestConfigValidateRejectsMemoryBelowFloor(t *testing.T) {
	base := Config{
		Resources: Resources{CPUCores: 1, MemoryMB: 512, DiskGB: 5},
		Storage:   StorageConfig{CacheStrategy: CacheWriteback},
	}

	tooLittle := base
	tooLittle.Resources.MemoryMB = 127
	if err := tooLittle.Validate(); err == nil {
		t.Fatal("expected an error for memory_mb below 128")
	}

	floor := base
	floor.Resources.MemoryMB = 128
	if err := floor.Validate(); err != nil {
		t.Fatalf("memory_mb of 128 should validate: %v", err)
	}
}

func TestApplyNormalizesDefaultCacheStrategy(t *testing.T) {
	base := Config{
		Resources: Resources{CPUCores: 1, MemoryMB: 512, DiskGB: 5},
	}
	next, err := Apply(base, Patch{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Storage.CacheStrategy != CacheWriteback {
		t.Fatalf("expected default cache strategy %q, got %q", CacheWriteback, next.Storage.CacheStrategy)
	}
}

func TestApplyResourcesPatch(t *testing.T) {
	base := Config{
		Resources: Resources{CPUCores: 1, MemoryMB: 512, DiskGB: 5},
	}
	cores := 4
	next, err := Apply(base, Patch{Resources: &ResourcesPatch{CPUCores: &cores}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Resources.CPUCores != 4 {
		t.Fatalf("expected cpu_cores 4, got %d", next.Resources.CPUCores)
	}
	if next.Resources.MemoryMB != 512 {
		t.Fatalf("expected untouched memory_mb 512, got %d", next.Resources.MemoryMB)
	}
}
