package fortune

import (
	"math"
	"math/big"
	"math/rand"
	"strconv"
	"strings"
)

// phrases 是解签短语表，索引即选择结果，进程内不可变。
var phrases = [...]string{
	"Great fortune awaits!",
	"Caution is advised in new ventures.",
	"A surprise visitor will bring good news.",
	"Focus on your health and well-being.",
	"Financial gains are on the horizon.",
}

var low64Mask = new(big.Int).SetUint64(math.MaxUint64)

// FortuneRequest 是求签者投出的签。
type FortuneRequest struct {
	Lots []int64 `json:"lots"`
}

// FortuneResponse 是回复给求签者的解签文本。
type FortuneResponse struct {
	Interpretation string `json:"interpretation"`
}

// Reading 记录一次解签的完整过程，供日志与历史记录使用。
type Reading struct {
	Lots   []int64
	Sum    *big.Int
	Index  int
	Phrase string
	Text   string
}

// Interpreter 根据签数之和确定性地选择解签短语。零值即可使用，可被并发调用。
type Interpreter struct{}

// Cast 计算签数之和并选出短语。
func (Interpreter) Cast(lots []int64) Reading {
	sum := SeedValue(lots)
	index := selectIndex(seedOf(sum))
	phrase := phrases[index]
	return Reading{
		Lots:   append([]int64(nil), lots...),
		Sum:    sum,
		Index:  index,
		Phrase: phrase,
		Text:   "Lots " + FormatLots(lots) + " have been cast. " + phrase,
	}
}

// Respond 将请求转换为回复消息。
func (i Interpreter) Respond(req FortuneRequest) FortuneResponse {
	return FortuneResponse{Interpretation: i.Cast(req.Lots).Text}
}

// Interpret 返回 lots 对应的解签文本。
func Interpret(lots []int64) string {
	return Interpreter{}.Cast(lots).Text
}

// Phrases 返回短语表的副本。
func Phrases() []string {
	return append([]string(nil), phrases[:]...)
}

// SeedValue 以任意精度计算签数之和，空签为 0。
func SeedValue(lots []int64) *big.Int {
	sum := new(big.Int)
	var term big.Int
	for _, lot := range lots {
		sum.Add(sum, term.SetInt64(lot))
	}
	return sum
}

// seedOf 取和的低 64 位（补码），和在 int64 范围内时即为和本身。
func seedOf(sum *big.Int) int64 {
	return int64(new(big.Int).And(sum, low64Mask).Uint64())
}

// selectIndex 每次调用都新建生成器，调用之间不共享随机状态。
func selectIndex(seed int64) int {
	rng := rand.New(rand.NewSource(seed))
	return rng.Intn(len(phrases))
}

// FormatLots 以列表形式渲染签数，例如 [1, 2, 3]。
func FormatLots(lots []int64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, lot := range lots {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatInt(lot, 10))
	}
	b.WriteByte(']')
	return b.String()
}
