package session

import (
	"sort"

	"github.com/dzianisv/opencode/internal/tool"
)

// resolveTools selects the agent's working tool set from the registry,
// in stable order so identical prompts produce identical requests.
func (s *Service) resolveTools(agent *Agent) []tool.Tool {
	if s.tools == nil {
		return nil
	}
	all := s.tools.List()
	tools := make([]tool.Tool, 0, len(all))
	for _, t := range all {
		if agent.ToolEnabled(t.ID()) {
			tools = append(tools, t)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID() < tools[j].ID() })
	return tools
}
