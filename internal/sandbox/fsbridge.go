package sandbox

import (
	"context"
	"fmt"
)

// FsBridge records one sandbox's container ID and mount path. It has no
// backend attached: its ReadFile never reaches the sandbox.
type FsBridge struct {
	containerID string
	mountPath   string
}

// NewFsBridge returns a bridge scoped to one sandbox's mount point.
func NewFsBridge(containerID, mountPath string) *FsBridge {
	return &FsBridge{containerID: containerID, mountPath: mountPath}
}

// ReadFile always returns an error; no file is read.
func (b *FsBridge) ReadFile(ctx context.Context, path string) (string, error) {
	return "", fmt.Errorf("sandbox: no backend attached to read %s", path)
}
