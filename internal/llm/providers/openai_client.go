package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/ordercraft/patchline/internal/common"
)

type OpenAIProvider struct {
	client          openai.Client
	classifierModel string
	generatorModel  string
}

func NewOpenAIProvider(opts ...option.RequestOption) *OpenAIProvider {
	classifierModel := strings.TrimSpace(os.Getenv("OPENAI_CLASSIFIER_MODEL"))
	if classifierModel == "" {
		classifierModel = "gpt-4o-mini"
	}
	generatorModel := strings.TrimSpace(os.Getenv("OPENAI_GENERATOR_MODEL"))
	if generatorModel == "" {
		generatorModel = "gpt-4o"
	}
	logger := common.Logger()
	logger.Info("llm: OpenAI provider configured", "classifier_model", classifierModel, "generator_model", generatorModel)
	return &OpenAIProvider{
		client:          openai.NewClient(opts...),
		classifierModel: classifierModel,
		generatorModel:  generatorModel,
	}
}

func (o *OpenAIProvider) Chat(ctx context.Context, role Role, messages []Message) (string, error) {
	return o.complete(ctx, role, messages, false)
}

func (o *OpenAIProvider) ChatJSON(ctx context.Context, role Role, messages []Message) (string, error) {
	return o.complete(ctx, role, messages, true)
}

func (o *OpenAIProvider) complete(ctx context.Context, role Role, messages []Message, jsonOnly bool) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages provided")
	}
	model := o.modelFor(role)
	logger := common.Logger()
	logger.Debug("llm: sending chat completion request", "role", string(role), "model", model, "messages", len(messages), "json", jsonOnly)
	params := openai.ChatCompletionNewParams{Model: openai.ChatModel(model)}
	for _, msg := range messages {
		switch strings.ToLower(msg.Role) {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(msg.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		}
	}
	if jsonOnly {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		logger.Error("llm: chat completion failed", "role", string(role), "model", model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	logger.Debug("llm: chat completion succeeded", "role", string(role), "model", model)
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAIProvider) modelFor(role Role) string {
	if role == RoleGenerator {
		return o.generatorModel
	}
	return o.classifierModel
}

func (o *OpenAIProvider) Name() string {
	return "openai"
}
