// photovault is a single-tenant photo management server.
// Copyright (C) 2026 The photovault Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"photovault/pkg/photomodel"
)

type hashRotationPayload struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// publicHashBytes sizes the random token so its base64url encoding clears
// §3's "≥40 chars effective entropy" floor for a public-link hash with
// margin to spare.
const publicHashBytes = 32

// newPublicHash returns a URL-safe random token suitable for a public-link
// hash. base64.RawURLEncoding of 32 random bytes yields 43 characters.
func newPublicHash() (string, error) {
	buf := make([]byte, publicHashBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate public hash: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRotation reissues every public-link hash whose expires_at has
// passed, per §4.6's maintenance contract. TTL defaults to
// photomodel.DefaultHashTTL when the payload doesn't override it.
func HashRotation(ctx context.Context, job *photomodel.Job, caps Capabilities) Outcome {
	var payload hashRotationPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return Fatal(fmt.Errorf("hash_rotation: decode payload: %w", err))
		}
	}
	ttl := photomodel.DefaultHashTTL
	if payload.TTLSeconds > 0 {
		ttl = time.Duration(payload.TTLSeconds) * time.Second
	}

	now := time.Now().UTC()
	expiring, err := caps.Catalog.ListHashesExpiringBefore(ctx, now)
	if err != nil {
		return Transient(fmt.Errorf("hash_rotation: list expiring: %w", err))
	}

	rotated := 0
	total := len(expiring)
	for _, h := range expiring {
		if canceled, err := isCanceled(ctx, caps, job.ID); err != nil {
			return Transient(err)
		} else if canceled {
			return Canceled()
		}
		newHash, err := newPublicHash()
		if err != nil {
			return Transient(fmt.Errorf("hash_rotation: photo %d: %w", h.PhotoID, err))
		}
		if err := caps.Catalog.UpsertHash(ctx, h.PhotoID, newHash, now, now.Add(ttl)); err != nil {
			return Transient(fmt.Errorf("hash_rotation: rotate photo %d: %w", h.PhotoID, err))
		}
		rotated++
	}

	_ = caps.Jobs.UpdateProgress(ctx, job.ID, &rotated, &total)
	return Success()
}
