package poc

import (
	"context"
	"fmt"
	"time"
)

// RegistryClient is the hardware-alliance registry the verifier
// consults (base spec §6 "Registry contract").
type RegistryClient interface {
	CheckHardware(ctx context.Context, hardwareIDHash string) (*RegistryEntry, error)
	NeedsReverification(ctx context.Context, agentID string) (bool, error)
}

const (
	registryAttempts = 3
	registryBaseWait = 100 * time.Millisecond
	registryFactor   = 2
)

// checkHardwareWithBackoff retries CheckHardware up to registryAttempts
// times with exponential backoff (base spec §7 "Transient external
// failures... retried with bounded exponential backoff (attempts=3,
// base=100ms, factor 2)... only where specified (PoC registry)"),
// grounded on the same retry shape as p2p/bootstrap's DNS/registry
// refresh (itself modeled on the teacher's dnsdisc client.go).
func checkHardwareWithBackoff(ctx context.Context, client RegistryClient, hardwareIDHash string) (*RegistryEntry, error) {
	wait := registryBaseWait
	var lastErr error
	for attempt := 1; attempt <= registryAttempts; attempt++ {
		entry, err := client.CheckHardware(ctx, hardwareIDHash)
		if err == nil {
			return entry, nil
		}
		lastErr = err
		if attempt == registryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= registryFactor
	}
	return nil, fmt.Errorf("registry check failed after %d attempts: %w", registryAttempts, lastErr)
}
