//go:build !linux

package iptables

import (
	"context"
	"time"
)

type fileLock struct{}

func acquireLock(ctx context.Context, path string, interval time.Duration) (*fileLock, error) {
	return nil, ErrUnsupportedOS
}

func (l *fileLock) release() error {
	return nil
}
