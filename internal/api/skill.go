package api

import (
	"net/http"
	"os"

	xerrors "Fortune-Oracle/internal/errors"
)

// DefaultSkillPath 是智能体技能说明文件的默认位置。
const DefaultSkillPath = "public/skill.md"

// WithSkillFile 设置 /api/skill 返回的 Markdown 文件。
func WithSkillFile(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.skillPath = path
		}
	}
}

// handleSkill 返回描述本服务能力的 Markdown，供其他智能体发现接口。
func (s *Server) handleSkill(w http.ResponseWriter, _ *http.Request) {
	content, err := os.ReadFile(s.skillPath)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "skill.md not found", Code: string(xerrors.CodeNotFound)})
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
