package health

import (
	"context"
	"fmt"

	"github.com/blockfort/blockfort/internal/util"
)

// Dispatcher runs functions on the dispatcher goroutine.
type Dispatcher interface {
	Do(ctx context.Context, fn func()) error
}

// SelfTester probes a local listener.
type SelfTester interface {
	SelfTest() error
}

// Checker reports its own readiness.
type Checker interface {
	Check() error
}

// DispatcherCheck fails when the dispatcher does not run a no-op command in
// time.
func DispatcherCheck(d Dispatcher) CheckFunc {
	return func(ctx context.Context) error {
		if err := d.Do(ctx, func() {}); err != nil {
			return fmt.Errorf("dispatcher unresponsive: %w", err)
		}
		return nil
	}
}

// CollaboratorCheck runs c.Check on the dispatcher goroutine.
func CollaboratorCheck(d Dispatcher, c Checker) CheckFunc {
	return func(ctx context.Context) error {
		var cerr error
		if err := d.Do(ctx, func() { cerr = c.Check() }); err != nil {
			return fmt.Errorf("dispatcher unresponsive: %w", err)
		}
		return cerr
	}
}

// ResponderCheck runs a self-test against the info responder.
func ResponderCheck(r SelfTester) CheckFunc {
	return func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- r.SelfTest() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DiskCheck fails when the filesystem holding path is at least
// maxUsedPercent full.
func DiskCheck(path string, maxUsedPercent float64) CheckFunc {
	return func(ctx context.Context) error {
		usage, err := util.GetDiskUsage(path)
		if err != nil {
			return fmt.Errorf("disk usage of %s: %w", path, err)
		}
		if usage.UsedPercent >= maxUsedPercent {
			return fmt.Errorf("disk at %.1f%% (%d MB free of %d MB)", usage.UsedPercent, usage.Free, usage.Total)
		}
		return nil
	}
}
