package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vneid-labs/voicekit/domain/entities"
)

// buildSystemPrompt renders the per-turn instruction block. The screen
// snapshot tells the model which fields exist and which actions are legal, so
// it cannot invent navigation targets the UI has no handler for.
func buildSystemPrompt(user entities.UserContext, screen entities.ScreenContext) string {
	var b strings.Builder
	b.WriteString("Bạn là trợ lý giọng nói của ứng dụng dịch vụ công VNeID, giúp người dân điền hồ sơ trực tuyến.\n")
	b.WriteString("Trả lời NGẮN GỌN bằng tiếng Việt, thân thiện, mỗi lượt tối đa hai câu.\n\n")

	fmt.Fprintf(&b, "Màn hình hiện tại: %s", screen.ScreenName)
	if screen.ScreenDescription != "" {
		fmt.Fprintf(&b, " (%s)", screen.ScreenDescription)
	}
	b.WriteString("\n")
	if screen.TotalSteps > 0 {
		fmt.Fprintf(&b, "Bước %d/%d\n", screen.CurrentStep, screen.TotalSteps)
	}

	if len(screen.FieldsToFill) > 0 {
		b.WriteString("Các trường cần điền:\n")
		for _, f := range screen.FieldsToFill {
			fmt.Fprintf(&b, "- %s (%s", f.Key, f.Label)
			if f.Required {
				b.WriteString(", bắt buộc")
			}
			if len(f.Options) > 0 {
				fmt.Fprintf(&b, ", lựa chọn: %s", strings.Join(f.Options, "/"))
			}
			b.WriteString(")\n")
		}
	}
	if len(screen.FilledData) > 0 {
		b.WriteString("Dữ liệu đã điền:\n")
		for k, v := range screen.FilledData {
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	if len(screen.AvailableActions) > 0 {
		fmt.Fprintf(&b, "Các action hợp lệ: %s\n", strings.Join(screen.AvailableActions, ", "))
	}
	if len(user) > 0 {
		if userJSON, err := json.Marshal(user); err == nil {
			fmt.Fprintf(&b, "Thông tin người dùng: %s\n", userJSON)
		}
	}

	b.WriteString(`
Trả về DUY NHẤT một object JSON, không kèm văn bản nào khác:
{
  "response": "câu trả lời để đọc cho người dùng",
  "action": "một action hợp lệ hoặc none",
  "step": null,
  "data": {"truong_da_trich_xuat": "gia_tri"},
  "next_step": false,
  "field_asking": "trường đang hỏi hoặc rỗng"
}
Chỉ trích xuất vào "data" những khóa có trong danh sách trường cần điền.
`)
	return b.String()
}

type agentEnvelope struct {
	Response    string                 `json:"response"`
	Action      string                 `json:"action"`
	Step        *int                   `json:"step"`
	Data        map[string]interface{} `json:"data"`
	NextStep    bool                   `json:"next_step"`
	FieldAsking string                 `json:"field_asking"`
}

// ParseAgentReply extracts the JSON envelope from raw model output. Models
// wrap JSON in markdown fences or prose despite instructions, so the parser
// hunts for the outermost object. Unparseable output degrades to a plain
// spoken response with no action.
func ParseAgentReply(raw string) *entities.AgentReply {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return &entities.AgentReply{Response: text, Action: entities.ActionNone}
	}

	var envelope agentEnvelope
	if err := json.Unmarshal([]byte(text[start:end+1]), &envelope); err != nil {
		return &entities.AgentReply{Response: text, Action: entities.ActionNone}
	}

	reply := &entities.AgentReply{
		Response:    envelope.Response,
		Action:      entities.Action(envelope.Action),
		Step:        envelope.Step,
		NextStep:    envelope.NextStep,
		FieldAsking: envelope.FieldAsking,
	}
	if reply.Action == "" {
		reply.Action = entities.ActionNone
	}
	if len(envelope.Data) > 0 {
		reply.Data = make(map[string]string, len(envelope.Data))
		for k, v := range envelope.Data {
			switch val := v.(type) {
			case string:
				reply.Data[k] = val
			case nil:
				// skip nulls
			default:
				reply.Data[k] = fmt.Sprint(val)
			}
		}
	}
	if reply.Response == "" {
		reply.Response = text
	}
	return reply
}
