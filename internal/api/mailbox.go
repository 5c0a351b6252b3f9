package api

import (
	"net/http"
	"strconv"
	"strings"

	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/messaging"
)

// 领取邮箱时携带签名的请求头。
const (
	MailboxTimestampHeader = "X-Oracle-Timestamp"
	MailboxSignatureHeader = "X-Oracle-Signature"
)

// maxMailboxBatch 是单次领取的最大消息数。
const maxMailboxBatch = 100

// handleMailbox 取出发往 address 的回复。调用方需用该地址的私钥对 (address, 时间戳) 签名。
func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "当前传输不支持领取回复"))
		return
	}
	address := strings.TrimSpace(r.PathValue("address"))
	issuedAt, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(MailboxTimestampHeader)), 10, 64)
	if err != nil {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, MailboxTimestampHeader+" 必须是 Unix 秒"))
		return
	}
	limit := maxMailboxBatch
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		limit = min(parsed, maxMailboxBatch)
	}
	signature := r.Header.Get(MailboxSignatureHeader)
	if err := messaging.VerifyMailboxAccess(address, issuedAt, signature, s.now(), s.accessWindow); err != nil {
		s.writeError(w, err)
		return
	}

	envelopes, err := s.collector.Collect(r.Context(), address, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if envelopes == nil {
		envelopes = []*messaging.Envelope{}
	}
	writeJSON(w, http.StatusOK, envelopes)
}
