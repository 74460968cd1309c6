package config

import (
	"fmt"
	"os"

	"github.com/naoina/toml"
)

// functionFile is the shape of a function definition file:
//
//	[[functions]]
//	name = "hello"
//	memory = 128
//	vcpus = 1
//	kernel = "/var/lib/snapfaas/vmlinux"
//	runtimefs = "/var/lib/snapfaas/python3.ext4"
//	appfs = "/var/lib/snapfaas/hello.ext4"
type functionFile struct {
	Functions []FunctionConfig `toml:"functions"`
}

// LoadFunctions parses a TOML function definition file.
func LoadFunctions(path string) ([]FunctionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read function file: %w", err)
	}
	var f functionFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse function file %s: %w", path, err)
	}
	for i := range f.Functions {
		if err := f.Functions[i].Validate(); err != nil {
			return nil, fmt.Errorf("function %d in %s: %w", i, path, err)
		}
	}
	return f.Functions, nil
}

// Validate checks the fields that every function must carry.
func (fc *FunctionConfig) Validate() error {
	if fc.Name == "" {
		return fmt.Errorf("missing name")
	}
	if fc.Kernel == "" {
		return fmt.Errorf("missing kernel")
	}
	if fc.Runtimefs == "" {
		return fmt.Errorf("missing runtimefs")
	}
	if fc.Memory <= 0 {
		return fmt.Errorf("memory must be positive, got %d", fc.Memory)
	}
	if fc.Vcpus <= 0 {
		return fmt.Errorf("vcpus must be positive, got %d", fc.Vcpus)
	}
	return nil
}
