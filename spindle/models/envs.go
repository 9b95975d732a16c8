package models

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

type EnvVars []string

// ConstructEnvs converts a map into a docker-friendly []string{"KEY=value", ...}
// slice, sorted by key so commands see a stable environment.
func ConstructEnvs(envs map[string]string) EnvVars {
	var out EnvVars
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		out.AddEnv(k, envs[k])
	}
	return out
}

// MergeEnvs lays envs over base, which is in os.Environ form. Keys set in
// envs replace those of base.
func MergeEnvs(base []string, envs map[string]string) EnvVars {
	out := make(EnvVars, 0, len(base)+len(envs))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := envs[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	return append(out, ConstructEnvs(envs)...)
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}
