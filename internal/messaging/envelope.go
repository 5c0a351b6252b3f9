package messaging

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/web3"
)

// 协议中的消息类型。
const (
	SchemaFortuneRequest  = "fortune.request.v1"
	SchemaFortuneResponse = "fortune.response.v1"
)

// Envelope 是智能体之间传递的消息。
type Envelope struct {
	ID        string          `json:"id"`
	Schema    string          `json:"schema"`
	Sender    string          `json:"sender"`
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// NewEnvelope 将 payload 编码为 JSON 并生成新的消息 ID。
func NewEnvelope(schema, sender, target string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidPayload, err, "编码消息内容失败")
	}
	return &Envelope{
		ID:      uuid.NewString(),
		Schema:  schema,
		Sender:  sender,
		Target:  target,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	}, nil
}

// Reply 构造发回原发送方的消息，InReplyTo 指向原消息。
func (e *Envelope) Reply(schema, sender string, payload any) (*Envelope, error) {
	reply, err := NewEnvelope(schema, sender, e.Sender, payload)
	if err != nil {
		return nil, err
	}
	reply.InReplyTo = e.ID
	return reply, nil
}

// Validate 检查消息的必填字段。
func (e *Envelope) Validate() error {
	switch {
	case e == nil:
		return xerrors.New(xerrors.CodeInvalidPayload, "消息为空")
	case strings.TrimSpace(e.ID) == "":
		return xerrors.New(xerrors.CodeInvalidPayload, "消息缺少 id")
	case strings.TrimSpace(e.Schema) == "":
		return xerrors.New(xerrors.CodeInvalidPayload, "消息缺少 schema")
	case !web3.IsAddress(e.Sender):
		return xerrors.New(xerrors.CodeInvalidPayload, fmt.Sprintf("发送方地址无效: %q", e.Sender))
	case !web3.IsAddress(e.Target):
		return xerrors.New(xerrors.CodeInvalidPayload, fmt.Sprintf("接收方地址无效: %q", e.Target))
	case len(e.Payload) == 0 || !json.Valid(e.Payload):
		return xerrors.New(xerrors.CodeInvalidPayload, "消息内容不是合法 JSON")
	}
	return nil
}

// Decode 将 payload 解析到 v。
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidPayload, err, "解析消息内容失败", xerrors.WithMetadata("schema", e.Schema))
	}
	return nil
}

// Digest 是签名覆盖的 keccak256 摘要，不包含签名本身。
func (e *Envelope) Digest() []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.SentAt.UnixNano()))
	parts := [][]byte{
		[]byte(e.ID),
		{0},
		[]byte(e.Schema),
		{0},
		[]byte(strings.ToLower(e.Sender)),
		{0},
		[]byte(strings.ToLower(e.Target)),
		{0},
		compactPayload(e.Payload),
		ts[:],
	}
	if e.InReplyTo != "" {
		parts = append(parts, []byte{0}, []byte(e.InReplyTo))
	}
	return web3.Digest(parts...)
}

// compactPayload 去掉空白，使摘要不受编码格式影响。
func compactPayload(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// Sign 使用发送方身份签名，Sender 必须与身份地址一致。
func (e *Envelope) Sign(id *web3.Identity) error {
	if id == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "未提供签名身份")
	}
	if !web3.SameAddress(e.Sender, id.Address()) {
		return xerrors.New(xerrors.CodeSignatureMismatch, "发送方与签名身份不一致")
	}
	sig, err := id.Sign(e.Digest())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "签名消息失败")
	}
	e.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// Signed 判断消息是否带有签名。
func (e *Envelope) Signed() bool {
	return strings.TrimSpace(e.Signature) != ""
}

// Verify 校验签名是否由 Sender 产生。
func (e *Envelope) Verify() error {
	if !e.Signed() {
		return xerrors.New(xerrors.CodeSignatureMismatch, "消息未签名")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(e.Signature, "0x"))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSignatureMismatch, err, "签名格式错误")
	}
	signer, err := web3.RecoverAddress(e.Digest(), sig)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSignatureMismatch, err, "无法恢复签名地址")
	}
	if !web3.SameAddress(signer.Hex(), e.Sender) {
		return xerrors.New(xerrors.CodeSignatureMismatch, "签名地址与发送方不一致",
			xerrors.WithMetadata("signer", signer.Hex()),
			xerrors.WithMetadata("sender", e.Sender))
	}
	return nil
}

// Marshal 编码整个消息。
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal 解码并校验消息。
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidPayload, err, "解析消息失败")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
