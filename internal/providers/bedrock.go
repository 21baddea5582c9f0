package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// DefaultBedrockRegion is used when the config leaves region empty.
const DefaultBedrockRegion = "us-east-1"

// Bedrock adapts the Converse streaming API. Credentials come from the
// default AWS chain (env vars, shared config, instance role); the only
// knob we carry is the region.
type Bedrock struct {
	client  *bedrockruntime.Client
	initErr error
}

// NewBedrock builds the adapter for region, falling back to
// DefaultBedrockRegion. Loading the AWS config touches no network, so
// credential problems surface on the first Invoke.
func NewBedrock(region string) *Bedrock {
	if region == "" {
		region = DefaultBedrockRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return &Bedrock{initErr: fmt.Errorf("load aws config: %w", err)}
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(awsCfg)}
}

func (p *Bedrock) Name() string { return "bedrock" }

// Invoke implements Invoker. Converse always streams on the wire; with
// Stream unset we simply withhold the token callback.
func (p *Bedrock) Invoke(ctx context.Context, req Request) (*Response, error) {
	if p.client == nil {
		return nil, NewProviderError(p.Name(), req.Model, p.initErr)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(req.Model),
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: req.Prompt},
			},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(req.maxTokens())),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	stream, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, NewProviderError(p.Name(), req.Model, err)
	}

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var text strings.Builder
	out := &Response{Model: req.Model}
	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, NewProviderError(p.Name(), req.Model, ctx.Err())
		case event, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					return nil, NewProviderError(p.Name(), req.Model, err)
				}
				out.Text = text.String()
				return out, nil
			}
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && delta.Value != "" {
					text.WriteString(delta.Value)
					if req.Stream {
						req.emit(delta.Value)
					}
				}
			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					out.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					out.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				// Metadata may still follow; keep draining until the
				// channel closes.
			}
		}
	}
}
