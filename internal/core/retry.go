// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// ObjectStoreRetryOptions returns retry options for transient ObjectStore
// fetch failures (network hiccups against the remote backing store).
func ObjectStoreRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(4),
		retry.Delay(50 * time.Millisecond),
		retry.MaxDelay(500 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.Context(ctx),
	}
}

// OverlayRetryOptions returns retry options tuned for the Overlay's
// SQLite-backed default implementation, whose only common transient
// failure is a busy/locked database.
func OverlayRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.Context(ctx),
	}
}

// WithRetry executes fn, retrying per opts. When opts is empty,
// ObjectStoreRetryOptions is used.
func WithRetry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = ObjectStoreRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// WithRetryResult executes fn, retrying per opts, and returns its result.
func WithRetryResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = ObjectStoreRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// IsDatabaseLocked reports whether err looks like a SQLite busy/locked error.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// IsTransient reports whether err looks like a transient I/O failure worth
// retrying, as opposed to a definitive not-found/permission answer from the
// backing store.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch err {
	case ErrNotFound, ErrAlreadyExists, ErrNotADirectory, ErrIsADirectory, ErrPermissionDenied, ErrInvalidPath:
		return false
	}
	if _, isBug := err.(*BugError); isBug {
		return false
	}
	return true
}
