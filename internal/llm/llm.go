package llm

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go/v2/option"

	"github.com/ordercraft/patchline/internal/common"
	"github.com/ordercraft/patchline/internal/llm/providers"
)

type Message = providers.Message

type Role = providers.Role

type Provider = providers.Provider

const (
	RoleClassifier = providers.RoleClassifier
	RoleGenerator  = providers.RoleGenerator
)

// ErrMissingCredentials is returned when no inference backend can be
// configured. Raised at construction, before any call is attempted.
var ErrMissingCredentials = errors.New("llm: OPENAI_API_KEY not set")

// NewProvider builds the inference backend from the environment. The same
// backend serves two roles with independently swappable models: a fast
// classifier and a higher-capability generator.
func NewProvider() (Provider, error) {
	logger := common.Logger()
	if local := strings.TrimSpace(os.Getenv("PATCHLINE_LOCAL_PROVIDER")); local != "" {
		if parsed, err := strconv.ParseBool(local); err == nil && parsed {
			logger.Warn("llm: local stub provider selected; no inference backend will be called")
			return providers.NewLocalProvider(), nil
		}
	}
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, ErrMissingCredentials
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if timeoutStr := strings.TrimSpace(os.Getenv("OPENAI_HTTP_TIMEOUT")); timeoutStr != "" {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			logger.Warn("llm: invalid OPENAI_HTTP_TIMEOUT, using default", "value", timeoutStr, "error", err)
		} else {
			logger.Info("llm: custom HTTP timeout configured", "timeout", timeout)
			opts = append(opts, option.WithRequestTimeout(timeout))
		}
	}
	if endpoint := strings.TrimSpace(os.Getenv("OPENAI_ENDPOINT")); endpoint != "" {
		logger.Info("llm: custom endpoint configured", "endpoint", endpoint)
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	logger.Info("llm: OpenAI provider selected")
	return providers.NewOpenAIProvider(opts...), nil
}
