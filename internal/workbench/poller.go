package workbench

import (
	"context"
	"fmt"
	"time"

	echolinesdk "echoline/sdk/go"
)

const defaultPollInterval = 5 * time.Second

// WaitForMap polls a map until the tiling pipeline reports ready or failed.
// The context bounds the wait; cancel it to stop polling.
func WaitForMap(ctx context.Context, client *echolinesdk.Client, mapID string, interval time.Duration) (echolinesdk.Map, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m, err := client.MapByID(ctx, mapID)
		if err != nil {
			return echolinesdk.Map{}, err
		}
		switch m.Status {
		case "ready":
			return m, nil
		case "failed":
			return m, fmt.Errorf("map %s failed processing", mapID)
		}
		select {
		case <-ctx.Done():
			return echolinesdk.Map{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
