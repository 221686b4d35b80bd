package llm

import (
	"context"
	"fmt"

	"github.com/vneid-labs/voicekit/domain/entities"
	"github.com/vneid-labs/voicekit/domain/repositories"
)

// MockBrain is a rule-based stand-in for the Gemini brain, used for
// development without an API key. It walks the screen's unfilled fields in
// order, pretending each transcript answers the field it last asked about.
type MockBrain struct{}

// NewMockBrain creates a new mock agent brain
func NewMockBrain() repositories.AgentBrain {
	return &MockBrain{}
}

// Reply implements repositories.AgentBrain
func (m *MockBrain) Reply(ctx context.Context, prompt repositories.AgentPrompt) (*entities.AgentReply, error) {
	reply := &entities.AgentReply{
		Transcript: prompt.Transcript,
		Action:     entities.ActionNone,
	}

	for _, field := range prompt.Screen.FieldsToFill {
		if _, filled := prompt.Screen.FilledData[field.Key]; filled {
			continue
		}
		if prompt.Transcript != "" && len(prompt.History) > 0 {
			reply.Action = entities.ActionFillField
			reply.Data = map[string]string{field.Key: prompt.Transcript}
			reply.Response = fmt.Sprintf("Đã ghi nhận %s. Bạn vui lòng cho biết thông tin tiếp theo.", field.Label)
			return reply, nil
		}
		reply.Response = fmt.Sprintf("Bạn vui lòng cho biết %s.", field.Label)
		reply.FieldAsking = field.Key
		return reply, nil
	}

	if len(prompt.Screen.FieldsToFill) > 0 {
		reply.Response = "Tất cả các trường đã được điền. Bạn có muốn chuyển sang bước tiếp theo không?"
		reply.NextStep = true
		return reply, nil
	}

	reply.Response = "Xin chào! Tôi có thể giúp gì cho bạn?"
	return reply, nil
}
