package messaging

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/web3"
)

// SchemaMailboxAccess 标识领取邮箱时签名的内容。
const SchemaMailboxAccess = "mailbox.access.v1"

// DefaultAccessWindow 是领取签名允许的最大时钟偏差。
const DefaultAccessWindow = 5 * time.Minute

// MailboxAccessDigest 返回地址持有者领取邮箱时需要签名的摘要。
func MailboxAccessDigest(address string, issuedAt int64) []byte {
	return web3.Digest(
		[]byte(SchemaMailboxAccess),
		[]byte{0},
		[]byte(strings.ToLower(strings.TrimSpace(address))),
		[]byte{0},
		[]byte(strconv.FormatInt(issuedAt, 10)),
	)
}

// SignMailboxAccess 为 id 自己的邮箱生成领取签名。
func SignMailboxAccess(id *web3.Identity, issuedAt int64) (string, error) {
	if id == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未提供签名身份")
	}
	sig, err := id.Sign(MailboxAccessDigest(id.Address(), issuedAt))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "签名领取请求失败")
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// VerifyMailboxAccess 校验领取签名由 address 产生，且 issuedAt 与 now 相差不超过 window。
func VerifyMailboxAccess(address string, issuedAt int64, signature string, now time.Time, window time.Duration) error {
	if !web3.IsAddress(address) {
		return xerrors.New(xerrors.CodeInvalidArgument, "邮箱地址无效")
	}
	if window <= 0 {
		window = DefaultAccessWindow
	}
	skew := now.Sub(time.Unix(issuedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return xerrors.New(xerrors.CodeSignatureMismatch, "领取签名已过期",
			xerrors.WithMetadata("issued_at", strconv.FormatInt(issuedAt, 10)))
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil || len(sig) == 0 {
		return xerrors.New(xerrors.CodeSignatureMismatch, "领取签名格式错误")
	}
	signer, err := web3.RecoverAddress(MailboxAccessDigest(address, issuedAt), sig)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSignatureMismatch, err, "无法恢复签名地址")
	}
	if !web3.SameAddress(signer.Hex(), address) {
		return xerrors.New(xerrors.CodeSignatureMismatch, "签名地址与邮箱地址不一致",
			xerrors.WithMetadata("signer", signer.Hex()))
	}
	return nil
}
