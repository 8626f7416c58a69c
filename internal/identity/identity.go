// Package identity computes the fingerprint of this pipeline's own code and
// configuration that accompanies every statistics report, so the coordinator
// can audit which build produced which batch.
package identity

import (
	"fmt"
	"os"
	"runtime"
)

// FileHasher hashes a file's contents.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// Sources names the files whose digests make up the identity.
type Sources struct {
	// Executable is the running pipeline binary. Empty means os.Executable.
	Executable string
	// FetcherScript is the hook script loaded by the fetcher. Optional.
	FetcherScript string
}

// Compute hashes the sources once. The result is reported verbatim as the
// stats "id" field.
func Compute(hasher FileHasher, src Sources) (map[string]string, error) {
	exe := src.Executable
	if exe == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		exe = path
	}
	pipelineHash, err := hasher.HashFile(exe)
	if err != nil {
		return nil, fmt.Errorf("hash pipeline: %w", err)
	}
	id := map[string]string{
		"pipeline_hash": pipelineHash,
		"go_version":    runtime.Version(),
	}
	if src.FetcherScript != "" {
		scriptHash, err := hasher.HashFile(src.FetcherScript)
		if err != nil {
			return nil, fmt.Errorf("hash fetcher script: %w", err)
		}
		id["lua_hash"] = scriptHash
	}
	return id, nil
}
