package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meridianpay/corewatch"
)

// Recorder receives timing and outcome observations for each RPC call. The
// corewatch/metrics package implements this against Prometheus; tests use a
// no-op.
type Recorder interface {
	ObserveRPCCall(method string, duration time.Duration, outcome string)
}

// noopRecorder discards every observation.
type noopRecorder struct{}

func (noopRecorder) ObserveRPCCall(string, time.Duration, string) {}

// InstrumentedClient wraps a Client so every Call is timed and classified
// for the metrics surface, without the chain-specific RPC packages having
// to know metrics exist.
type InstrumentedClient struct {
	*Client
	recorder Recorder
}

// NewInstrumentedClient wraps client with rec. A nil rec is replaced with a
// no-op so callers never need a nil check.
func NewInstrumentedClient(client *Client, rec Recorder) *InstrumentedClient {
	if rec == nil {
		rec = noopRecorder{}
	}
	return &InstrumentedClient{Client: client, recorder: rec}
}

func (c *InstrumentedClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.Client.Call(ctx, method, params)
	outcome := "ok"
	if err != nil {
		outcome = classifyOutcome(err)
	}
	c.recorder.ObserveRPCCall(method, time.Since(start), outcome)
	return result, err
}

func classifyOutcome(err error) string {
	if cwErr, ok := err.(*corewatch.Error); ok {
		return cwErr.Classification.String()
	}
	return "error"
}
