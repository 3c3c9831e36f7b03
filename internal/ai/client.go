package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"trades-automation/internal/automation"
	"trades-automation/internal/config"
	"trades-automation/internal/trigger"
)

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client 封装 OpenAI 调用逻辑，将自然语言目标转换为规则草稿。
type Client struct {
	cfg       config.OpenAIConfig
	logger    *zap.Logger
	sdk       chatCompleter
	evaluator *trigger.Evaluator
	now       func() time.Time
}

// NewClient 使用给定配置创建 AI 客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return newClient(cfg, openai.NewClientWithConfig(sdkConfig), logger)
}

func newClient(cfg config.OpenAIConfig, sdk chatCompleter, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	eval, err := trigger.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:       cfg,
		logger:    logger,
		sdk:       sdk,
		evaluator: eval,
		now:       time.Now,
	}, nil
}

// Propose 请求模型生成规则提案，校验通过后返回未启用的规则草稿。
func (c *Client) Propose(ctx context.Context, goal, owner string) (Proposal, automation.Rule, error) {
	if c.cfg.Model == "" {
		return Proposal{}, automation.Rule{}, errors.New("openai model 不能为空")
	}
	if strings.TrimSpace(owner) == "" {
		return Proposal{}, automation.Rule{}, errors.New("ai: owner 不能为空")
	}

	now := c.now().UTC()
	prompt, err := BuildPrompt(goal, now)
	if err != nil {
		return Proposal{}, automation.Rule{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用OpenAI失败", zap.Error(err))
		return Proposal{}, automation.Rule{}, fmt.Errorf("调用OpenAI失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return Proposal{}, automation.Rule{}, errors.New("OpenAI 返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return Proposal{}, automation.Rule{}, errors.New("OpenAI 返回内容为空")
	}

	payload, err := extractJSON(rawContent)
	if err != nil {
		return Proposal{}, automation.Rule{}, err
	}

	proposal, err := ParseProposal(payload)
	if err != nil {
		c.logger.Error("模型提案未通过校验",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return Proposal{}, automation.Rule{}, err
	}

	rule, err := proposal.Draft(owner, c.evaluator, now)
	if err != nil {
		return proposal, automation.Rule{}, err
	}

	c.logger.Info("规则提案生成成功",
		zap.String("rule_id", rule.ID),
		zap.String("kind", proposal.Kind),
		zap.String("amount", proposal.Amount),
		zap.String("reasoning", proposal.Reasoning),
	)

	return proposal, rule, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
