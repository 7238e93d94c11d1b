// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mobiletoly/go-overline/overline"
	"github.com/mobiletoly/go-overline/overserver"
)

// Send posts one queued mutation to /v1/mutations with the record id as Idempotency-Key.
// Failures come back as *overline.TransportError:
//   - no response (DNS, refused, reset, timeout): transient
//   - 408, 425, 429, 5xx: transient
//   - 401: transient, the token may be refreshed before the next attempt
//   - any other 4xx: non-retryable
func (c *Client) Send(ctx context.Context, req overline.MutationRequest) (overline.MutationResult, error) {
	header := http.Header{}
	header.Set(overserver.IdempotencyKeyHeader, req.IdempotencyKey)
	upload := overserver.MutationUpload{
		TargetEntity: req.TargetEntity,
		Kind:         req.Kind,
		Payload:      req.Payload,
		CreatedAt:    req.CreatedAt,
		Attempt:      req.Attempt,
	}

	var resp overserver.MutationResponse
	if err := c.do(ctx, http.MethodPost, "/v1/mutations", header, upload, &resp); err != nil {
		return overline.MutationResult{}, classify(err)
	}
	if resp.TargetEntity == "" {
		resp.TargetEntity = req.TargetEntity
	}
	if resp.Replayed {
		c.logger.Debug("Server replayed mutation", "mutation_id", req.IdempotencyKey, "entity", req.TargetEntity)
	}
	return overline.MutationResult{
		TargetEntity: resp.TargetEntity,
		Data:         resp.Data,
		Deleted:      resp.Deleted,
		Version:      resp.Version,
		Replayed:     resp.Replayed,
	}, nil
}

func classify(err error) error {
	var se *statusError
	if !errors.As(err, &se) {
		return overline.Transient(err)
	}
	class := overline.ClassifyStatus(se.StatusCode)
	if se.StatusCode == http.StatusUnauthorized {
		class = overline.ErrorClassTransient
	}
	return &overline.TransportError{
		Class:      class,
		StatusCode: se.StatusCode,
		Code:       se.Code,
		Err:        se,
	}
}

// EntityFetcher adapts FetchEntity to overline.FetchFunc for Engine.Fetch read-through.
// The fetched entry is tagged with the entity id so reconciliation can find it.
func (c *Client) EntityFetcher(id string) overline.FetchFunc {
	return func(ctx context.Context) (json.RawMessage, []string, error) {
		entity, err := c.FetchEntity(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return entity.Data, []string{id}, nil
	}
}

var _ overline.Transport = (*Client)(nil)
