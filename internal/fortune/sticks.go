package fortune

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/llm"
)

// StickCount 是一次求签抽出的签数。
const StickCount = 3

// MaxStick 是签筒中最大的签号。
const MaxStick = 100

// Category 是求签者所求之事。
type Category string

const (
	CategoryCareer Category = "career"
	CategoryWealth Category = "wealth"
	CategoryLove   Category = "love"
	CategoryHealth Category = "health"
	CategoryFamily Category = "family"
)

// Language 是解签文本的语言。
type Language string

const (
	LanguageEnglish     Language = "en"
	LanguageSimplified  Language = "zh-CN"
	LanguageTraditional Language = "zh-TW"
)

// DefaultLanguage 在请求未指定语言时使用。
const DefaultLanguage = LanguageSimplified

var categoryLabels = map[Category]map[Language]string{
	CategoryCareer: {LanguageEnglish: "Career & Success", LanguageSimplified: "事业前程", LanguageTraditional: "事業前程"},
	CategoryWealth: {LanguageEnglish: "Wealth & Prosperity", LanguageSimplified: "财运亨通", LanguageTraditional: "財運亨通"},
	CategoryLove:   {LanguageEnglish: "Love & Marriage", LanguageSimplified: "姻缘情感", LanguageTraditional: "姻緣情感"},
	CategoryHealth: {LanguageEnglish: "Health & Well-being", LanguageSimplified: "身体健康", LanguageTraditional: "身體健康"},
	CategoryFamily: {LanguageEnglish: "Family Safety", LanguageSimplified: "阖家平安", LanguageTraditional: "闔家平安"},
}

// Valid 判断类别是否受支持。
func (c Category) Valid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// Valid 判断语言是否受支持。
func (l Language) Valid() bool {
	switch l {
	case LanguageEnglish, LanguageSimplified, LanguageTraditional:
		return true
	}
	return false
}

// CategoryLabel 返回类别在指定语言下的名称，未知类别原样返回。
func CategoryLabel(c Category, lang Language) string {
	if labels, ok := categoryLabels[c]; ok {
		if label, ok := labels[lang]; ok {
			return label
		}
	}
	return string(c)
}

// LanguageInstruction 返回提示词中的语言要求。
func LanguageInstruction(lang Language) string {
	switch lang {
	case LanguageSimplified:
		return "请用简体中文回答 (Simplified Chinese)。"
	case LanguageTraditional:
		return "請用繁體中文回答 (Traditional Chinese)。"
	default:
		return "Please respond in English."
	}
}

// StickRequest 是一次三签求签请求。
type StickRequest struct {
	StickNumbers []int    `json:"stickNumbers"`
	Category     Category `json:"category"`
	Language     Language `json:"language,omitempty"`
	WishText     string   `json:"wishText,omitempty"`
}

// Normalize 校验请求并补全默认语言。
func (r *StickRequest) Normalize() error {
	if len(r.StickNumbers) != StickCount {
		return xerrors.New(xerrors.CodeInvalidPayload, "stickNumbers must be an array of 3 numbers")
	}
	for _, n := range r.StickNumbers {
		if n < 1 || n > MaxStick {
			return xerrors.New(xerrors.CodeInvalidPayload, fmt.Sprintf("stick number %d out of range 1-%d", n, MaxStick))
		}
	}
	if !r.Category.Valid() {
		return xerrors.New(xerrors.CodeInvalidPayload, fmt.Sprintf("unknown category %q", r.Category))
	}
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if !r.Language.Valid() {
		return xerrors.New(xerrors.CodeInvalidPayload, fmt.Sprintf("unsupported language %q", r.Language))
	}
	r.WishText = strings.TrimSpace(r.WishText)
	return nil
}

// StickReading 是三签的综合解读。
type StickReading struct {
	StickNumbers []int    `json:"stickNumbers"`
	MainPoem     []string `json:"mainPoem"`
	OverallLuck  string   `json:"overallLuck"`
	Explanation  string   `json:"explanation"`
	Advice       string   `json:"advice"`
	Oracle       string   `json:"oracle"`
	Degraded     bool     `json:"degraded,omitempty"`
}

// FallbackReading 返回不依赖大模型的固定解读。
func FallbackReading(sticks []int, lang Language) StickReading {
	reading := StickReading{
		StickNumbers: append([]int(nil), sticks...),
		Oracle:       Interpret(stickLots(sticks)),
		Degraded:     true,
	}
	if lang == LanguageEnglish {
		reading.MainPoem = []string{
			"New Year brings new hope,",
			"Three stars shine from above.",
			"Peace in the heart remains,",
			"Prosperity flows with love.",
		}
		reading.OverallLuck = "Lucky / Good Fortune"
		reading.Explanation = "The stars are aligning in your favor. Though the path ahead holds mystery, the general direction is positive and promising."
		reading.Advice = "Proceed with confidence and optimism. The new year favors those who take thoughtful action."
		return reading
	}
	reading.MainPoem = []string{"新春迎新福，", "三星照九霄。", "心安万事顺，", "福运自来潮。"}
	reading.OverallLuck = "吉 · 上签"
	reading.Explanation = "三签合观，运势向好。虽前路迷蒙，但大方向吉利，宜稳步前行。"
	reading.Advice = "宜怀信心与乐观之心前行。新年利于深思而行之人。"
	return reading
}

// DeriveSticks 由支付凭证等引用字符串确定性地推导出三支签号。
func DeriveSticks(reference string) []int {
	var hash int32
	for _, unit := range utf16.Encode([]rune(reference)) {
		hash = (hash << 5) - hash + int32(unit)
	}
	return []int{
		stickFrom(hash),
		stickFrom(hash >> 8),
		stickFrom(hash >> 16),
	}
}

func stickFrom(v int32) int {
	n := int64(v)
	if n < 0 {
		n = -n
	}
	return int(n%MaxStick) + 1
}

func stickLots(sticks []int) []int64 {
	lots := make([]int64, len(sticks))
	for i, s := range sticks {
		lots[i] = int64(s)
	}
	return lots
}

const (
	defaultStickTimeout = 30 * time.Second
	stickTemperature    = 0.8
	stickMaxTokens      = 1024
)

var codeFence = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// StickReader 借助大模型生成三签解读，失败时回退到固定解读。
type StickReader struct {
	client  llm.Client
	timeout time.Duration
	logger  *slog.Logger
}

// StickOption 配置 StickReader。
type StickOption func(*StickReader)

// WithLLM 设置大模型客户端，为 nil 时总是使用固定解读。
func WithLLM(client llm.Client) StickOption {
	return func(r *StickReader) {
		r.client = client
	}
}

// WithTimeout 设置单次大模型调用的超时时间。
func WithTimeout(d time.Duration) StickOption {
	return func(r *StickReader) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) StickOption {
	return func(r *StickReader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewStickReader 创建解签器。
func NewStickReader(opts ...StickOption) *StickReader {
	r := &StickReader{timeout: defaultStickTimeout, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Read 校验请求并返回解读。只有请求非法时才返回错误。
func (r *StickReader) Read(ctx context.Context, req StickRequest) (StickReading, error) {
	if err := req.Normalize(); err != nil {
		return StickReading{}, err
	}
	if r.client == nil {
		return FallbackReading(req.StickNumbers, req.Language), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Generate(callCtx, llm.Request{
		System:      systemPrompt(req),
		Prompt:      userPrompt(req),
		Temperature: stickTemperature,
		MaxTokens:   stickMaxTokens,
	})
	if err != nil {
		r.logger.Warn("大模型解签失败，使用固定解读", slog.Any("error", err), slog.Any("sticks", req.StickNumbers))
		return FallbackReading(req.StickNumbers, req.Language), nil
	}

	reading, err := ParseReply(resp.Text)
	if err != nil {
		r.logger.Warn("大模型返回内容无法解析，使用固定解读", slog.Any("error", err))
		return FallbackReading(req.StickNumbers, req.Language), nil
	}
	reading.StickNumbers = append([]int(nil), req.StickNumbers...)
	reading.Oracle = Interpret(stickLots(req.StickNumbers))
	return reading, nil
}

// ParseReply 解析大模型返回的 JSON，兼容 Markdown 代码块包裹。
func ParseReply(text string) (StickReading, error) {
	text = strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	var reading StickReading
	if err := json.Unmarshal([]byte(text), &reading); err != nil {
		return StickReading{}, fmt.Errorf("解析解签 JSON 失败: %w", err)
	}
	if len(reading.MainPoem) == 0 || strings.TrimSpace(reading.OverallLuck) == "" {
		return StickReading{}, fmt.Errorf("解签 JSON 缺少 mainPoem 或 overallLuck")
	}
	reading.Degraded = false
	return reading, nil
}

func systemPrompt(req StickRequest) string {
	label := CategoryLabel(req.Category, req.Language)
	return `You are a wise, mystical I Ching and Taoist master for the Lunar New Year.
The user has drawn THREE fortune sticks (Chien Tung).
Your task is to synthesize the meaning of these three sticks specifically regarding their wish: "` + label + `".

Tone: Festive, encouraging, mystical, and wise. Bring good fortune and positive energy.
Output Language: ` + LanguageInstruction(req.Language) + `

You MUST respond with valid JSON matching this exact schema:
{
  "stickNumbers": [array of the input stick numbers],
  "mainPoem": [array of 4 poem lines as strings],
  "overallLuck": "string - overall luck level (e.g. 'Great Fortune / 上上签', 'Good Fortune / 上签', etc.)",
  "explanation": "string - detailed interpretation combining the meanings of all three sticks",
  "advice": "string - specific actionable advice for the wish category"
}

IMPORTANT: Output ONLY the JSON object, no markdown code blocks, no extra text.`
}

func userPrompt(req StickRequest) string {
	numbers := make([]string, len(req.StickNumbers))
	for i, n := range req.StickNumbers {
		numbers[i] = strconv.Itoa(n)
	}
	var b strings.Builder
	b.WriteString("The user drew sticks: ")
	b.WriteString(strings.Join(numbers, ", "))
	b.WriteString(".\nWish Category: ")
	b.WriteString(CategoryLabel(req.Category, req.Language))
	b.WriteString(".")
	if req.WishText != "" {
		b.WriteString("\nThe user also wrote a personal wish: \"")
		b.WriteString(req.WishText)
		b.WriteString("\"")
	}
	b.WriteString("\nPlease output the fortune interpretation as JSON.")
	return b.String()
}
