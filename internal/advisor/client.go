package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"commodity-trader/internal/config"
	"commodity-trader/internal/pipeline"
	"commodity-trader/internal/signal"
)

// Client 封装大模型辅助信号调用。所有失败都只返回错误，
// 由调用方降级为规则信号，绝不阻塞交易决策。
type Client struct {
	cfg    config.AdvisorConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建辅助信号客户端。
func NewClient(cfg config.AdvisorConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("advisor api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	sdkCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout + 5*time.Second}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkCfg),
	}, nil
}

type rawAdvice struct {
	Signal     string  `json:"signal"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Analyze 根据快照请求一次辅助判断。
func (c *Client) Analyze(ctx context.Context, snap pipeline.Snapshot) (*signal.Advice, error) {
	if c.cfg.Model == "" {
		return nil, errors.New("advisor model 不能为空")
	}

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(snap),
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("调用辅助信号服务失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return nil, errors.New("辅助信号服务返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return nil, errors.New("辅助信号服务返回内容为空")
	}

	advice, err := parseAdvice(rawContent)
	if err != nil {
		c.logger.Warn("解析辅助信号失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return nil, err
	}

	c.logger.Info("辅助信号获取成功",
		zap.String("instrument", snap.InstrumentID),
		zap.String("signal", string(advice.Signal)),
		zap.Float64("confidence", advice.Confidence),
	)

	return advice, nil
}

func buildPrompt(snap pipeline.Snapshot) string {
	var sb strings.Builder

	sb.WriteString("Analyze the following market data and provide a trading recommendation:\n\n")
	fmt.Fprintf(&sb, "Instrument: %s\n", snap.InstrumentID)
	fmt.Fprintf(&sb, "Price: %.4f\n", snap.Price)
	if !math.IsNaN(snap.RSI) {
		fmt.Fprintf(&sb, "RSI (14): %.2f %s\n", snap.RSI, rsiState(snap.RSI))
	}
	if !math.IsNaN(snap.MACD) && !math.IsNaN(snap.MACDSignal) {
		fmt.Fprintf(&sb, "MACD: %.4f / Signal: %.4f (%s)\n", snap.MACD, snap.MACDSignal, macdState(snap))
	}
	if !math.IsNaN(snap.SMA20) {
		fmt.Fprintf(&sb, "SMA (20): %.4f\n", snap.SMA20)
	}
	if !math.IsNaN(snap.EMA20) {
		fmt.Fprintf(&sb, "EMA (20): %.4f\n", snap.EMA20)
	}
	fmt.Fprintf(&sb, "Trend: %s\n", snap.Trend)
	sb.WriteString("\nRespond with a single JSON object: ")
	sb.WriteString(`{"signal": "BUY|SELL|HOLD", "confidence": 0-100, "reasoning": "..."}`)

	return sb.String()
}

func rsiState(rsi float64) string {
	switch {
	case rsi < 30:
		return "(Oversold)"
	case rsi > 70:
		return "(Overbought)"
	default:
		return "(Neutral)"
	}
}

func macdState(snap pipeline.Snapshot) string {
	if snap.MACD > snap.MACDSignal {
		return "Bullish Crossover"
	}
	return "Bearish Crossover"
}

func parseAdvice(content string) (*signal.Advice, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var raw rawAdvice
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("解析辅助信号JSON失败: %w", err)
	}

	sig := signal.Signal(strings.ToUpper(strings.TrimSpace(raw.Signal)))
	switch sig {
	case signal.SignalBuy, signal.SignalSell, signal.SignalHold:
	default:
		return nil, fmt.Errorf("辅助信号取值非法: %s", raw.Signal)
	}

	if raw.Confidence < 0 || raw.Confidence > 100 {
		return nil, fmt.Errorf("辅助信号置信度非法: %f", raw.Confidence)
	}

	return &signal.Advice{
		Signal:     sig,
		Confidence: raw.Confidence,
		Reasoning:  strings.TrimSpace(raw.Reasoning),
	}, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}
	return []byte(content[start : end+1]), nil
}
