package session

// ResourceProfile is a named sizing tier for a sandbox task. CPU is in ECS
// CPU units (1024 = one vCPU), memory and heap in MiB. The heap value is
// handed to the sandbox runtime via environment.
type ResourceProfile struct {
	CPUUnits  int32 `yaml:"cpu_units"`
	MemoryMiB int32 `yaml:"memory_mib"`
	HeapMiB   int32 `yaml:"heap_mib"`
}

const DefaultProfileName = "basic"

// DefaultProfiles is the built-in tier table. Runtime config may override or
// extend it.
func DefaultProfiles() map[string]ResourceProfile {
	return map[string]ResourceProfile{
		"development": {CPUUnits: 512, MemoryMiB: 1024, HeapMiB: 768},
		"basic":       {CPUUnits: 1024, MemoryMiB: 2048, HeapMiB: 1536},
		"advanced":    {CPUUnits: 2048, MemoryMiB: 4096, HeapMiB: 3072},
		"competition": {CPUUnits: 4096, MemoryMiB: 8192, HeapMiB: 6144},
	}
}
