package ai

import (
	"context"

	"github.com/sony/gobreaker"

	"filing-analyzer/internal/telemetry"
)

func recordBreakerState(name string, to gobreaker.State) {
	telemetry.Global().RecordCircuitBreakerState(name, to.String())
}

func recordTokens(ctx context.Context, provider string, prompt, output int) {
	m := telemetry.Global()
	m.RecordTokensUsed(ctx, provider, "prompt", int64(prompt))
	m.RecordTokensUsed(ctx, provider, "output", int64(output))
}
