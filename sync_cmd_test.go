package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/FringeDweller/fleetsync/internal/sync"
)

func TestResultString(t *testing.T) {
	tests := []struct {
		name   string
		result sync.Result
		want   string
	}{
		{"synced", sync.Result{Success: true}, "synced"},
		{"conflict with snapshot", sync.Result{Conflict: true, ConflictData: json.RawMessage(`{"v":2}`)}, "conflict"},
		{"conflict without snapshot", sync.Result{Conflict: true, Error: "version mismatch"}, "conflict"},
		{"failed", sync.Result{Error: "bad gateway"}, "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resultString(&tt.result))
		})
	}
}

func TestWaitEngineIdle_ReturnsImmediatelyWhenIdle(t *testing.T) {
	t.Parallel()

	engine := sync.NewEngine(sync.EngineConfig{})

	start := time.Now()
	waitEngineIdle(engine, 2*time.Second)

	assert.Less(t, time.Since(start), time.Second)
}
