// Copyright 2025 AgentGate
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

package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"agentgate/platform/shared/types"
)

// BedrockBackend executes agents hosted as Bedrock models. The agent's
// RuntimeRef is the model id. Requests are signed with AWS Signature V4
// via the ambient IAM role. Clients are built per region on demand, so
// dispatch follows the request's region rather than the region the
// service started in.
type BedrockBackend struct {
	defaultRegion string

	mu      sync.Mutex
	clients map[string]*bedrockruntime.Client
}

// NewBedrockBackend creates a Bedrock-backed runtime. defaultRegion
// serves requests that carry no region; its client is built eagerly so
// credential problems surface at startup.
func NewBedrockBackend(ctx context.Context, defaultRegion string) (*BedrockBackend, error) {
	b := &BedrockBackend{
		defaultRegion: defaultRegion,
		clients:       make(map[string]*bedrockruntime.Client),
	}
	if _, err := b.clientFor(ctx, defaultRegion); err != nil {
		return nil, err
	}
	return b, nil
}

// clientFor returns the client pinned to the given region, building and
// caching one on first use.
func (b *BedrockBackend) clientFor(ctx context.Context, region string) (*bedrockruntime.Client, error) {
	if region == "" {
		region = b.defaultRegion
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if client, ok := b.clients[region]; ok {
		return client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for region %s: %w", region, err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg)
	b.clients[region] = client
	return client, nil
}

// Invoke runs a blocking model invocation in the request's region.
func (b *BedrockBackend) Invoke(ctx context.Context, req *InvokeRequest) ([]byte, error) {
	if req.Agent.RuntimeRef == "" {
		return nil, fmt.Errorf("agent %s has no runtime_ref model id", req.Agent.AgentName)
	}
	client, err := b.clientFor(ctx, req.Region)
	if err != nil {
		return nil, &types.RegionUnavailableError{Region: req.Region, Cause: err}
	}
	output, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Agent.RuntimeRef),
		Body:        req.Payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, &types.RegionUnavailableError{Region: req.Region, Cause: err}
	}
	return output.Body, nil
}

// InvokeStream runs a streaming model invocation, relaying chunks in
// arrival order.
func (b *BedrockBackend) InvokeStream(ctx context.Context, req *InvokeRequest) (<-chan StreamEvent, error) {
	if req.Agent.RuntimeRef == "" {
		return nil, fmt.Errorf("agent %s has no runtime_ref model id", req.Agent.AgentName)
	}
	client, err := b.clientFor(ctx, req.Region)
	if err != nil {
		return nil, &types.RegionUnavailableError{Region: req.Region, Cause: err}
	}
	output, err := client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(req.Agent.RuntimeRef),
		Body:        req.Payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, &types.RegionUnavailableError{Region: req.Region, Cause: err}
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		stream := output.GetStream()
		defer func() { _ = stream.Close() }()

		for event := range stream.Events() {
			chunk, ok := event.(*bedrocktypes.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			select {
			case events <- StreamEvent{Data: chunk.Value.Bytes}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			events <- StreamEvent{Err: err}
		}
	}()
	return events, nil
}
