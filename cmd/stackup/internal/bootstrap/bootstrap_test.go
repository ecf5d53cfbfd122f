// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bootstrap

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackup/cmd/stackup/internal/manifest"
	"github.com/AleutianAI/stackup/cmd/stackup/internal/process"
	"github.com/AleutianAI/stackup/pkg/logging"
)

func testTask(attempts int) manifest.TaskSpec {
	return manifest.TaskSpec{
		Name:    "pull-model",
		Service: "ollama",
		Key:     "pull-model:llama3.2",
		Command: []string{"ollama", "pull", "llama3.2"},
		Retry: manifest.RetrySpec{
			MaxAttempts:    attempts,
			InitialBackoff: manifest.Duration(time.Millisecond),
			MaxBackoff:     manifest.Duration(5 * time.Millisecond),
		},
		WaitTimeout: manifest.Duration(time.Second),
	}
}

func alwaysReady(string) <-chan struct{} { return nil }

func quiet() *logging.Logger { return logging.New(logging.Config{Quiet: true}) }

func TestRunExecutesActionOnceAndRecordsMarker(t *testing.T) {
	store := NewMemoryStore()
	var runs atomic.Int32
	proc := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			runs.Add(1)
			return []byte("pulled"), nil
		},
	}
	runner := NewRunner(store, proc, alwaysReady, quiet())

	res, err := runner.Run(context.Background(), testTask(3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), runs.Load())

	marker, err := store.Get("pull-model:llama3.2")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "pull-model", marker.Task)
	assert.Equal(t, 1, marker.Attempts)
}

func TestRunSkipsCompletedTask(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Record(Marker{Key: "pull-model:llama3.2", Task: "pull-model"}))
	store.RecordCalls = 0

	proc := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			t.Fatal("completed task must not execute its action")
			return nil, nil
		},
	}
	runner := NewRunner(store, proc, alwaysReady, quiet())

	res, err := runner.Run(context.Background(), testTask(3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 0, store.RecordCalls, "skip must not rewrite the marker")
}

func TestRunRetriesUntilSuccessMarkerWrittenOnce(t *testing.T) {
	store := NewMemoryStore()
	var runs atomic.Int32
	proc := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if runs.Add(1) < 3 {
				return nil, errors.New("connection refused")
			}
			return []byte("ok"), nil
		},
	}
	runner := NewRunner(store, proc, alwaysReady, quiet())

	res, err := runner.Run(context.Background(), testTask(3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 1, store.RecordCalls, "marker must be written exactly once")
}

func TestRunExhaustsAttemptsWithoutMarker(t *testing.T) {
	store := NewMemoryStore()
	var runs atomic.Int32
	proc := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			runs.Add(1)
			return nil, errors.New("model not found")
		},
	}
	runner := NewRunner(store, proc, alwaysReady, quiet())

	res, err := runner.Run(context.Background(), testTask(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, int32(3), runs.Load())

	done, err := store.Completed("pull-model:llama3.2")
	require.NoError(t, err)
	assert.False(t, done, "failed task must not record a marker")
}

func TestRunWaitsForTargetReadiness(t *testing.T) {
	store := NewMemoryStore()
	ready := make(chan struct{})
	var runs atomic.Int32
	proc := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			runs.Add(1)
			return nil, nil
		},
	}
	runner := NewRunner(store, proc, func(string) <-chan struct{} { return ready }, quiet())

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(ready)
	}()

	res, err := runner.Run(context.Background(), testTask(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunFailsWhenTargetNeverReady(t *testing.T) {
	store := NewMemoryStore()
	never := make(chan struct{})
	proc := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			t.Fatal("action must not run before target is ready")
			return nil, nil
		},
	}
	runner := NewRunner(store, proc, func(string) <-chan struct{} { return never }, quiet())

	task := testTask(1)
	task.WaitTimeout = manifest.Duration(50 * time.Millisecond)

	res, err := runner.Run(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTargetNotReady)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestRunHonorsCancellation(t *testing.T) {
	store := NewMemoryStore()
	proc := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("transient")
		},
	}
	runner := NewRunner(store, proc, alwaysReady, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := testTask(5)
	_, err := runner.Run(ctx, task)
	require.Error(t, err)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	done, err := store.Completed("seed:weaviate")
	require.NoError(t, err)
	assert.False(t, done)

	marker := Marker{
		Key:         "seed:weaviate",
		Task:        "seed",
		Service:     "weaviate",
		CompletedAt: time.Now().UTC(),
		Attempts:    2,
	}
	require.NoError(t, store.Record(marker))

	done, err = store.Completed("seed:weaviate")
	require.NoError(t, err)
	assert.True(t, done)

	got, err := store.Get("seed:weaviate")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "weaviate", got.Service)
	assert.Equal(t, 2, got.Attempts)

	missing, err := store.Get("ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Record(Marker{Key: "pull:ollama", Task: "pull"}))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	done, err := reopened.Completed("pull:ollama")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestClosedStoreReturnsError(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Completed("any")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Record(Marker{Key: "any"}), ErrStoreClosed)
}
