package entities

// Action is a navigation or form verb the backend may request. Unrecognized
// actions are ignored without error.
type Action string

const (
	ActionNone         Action = "none"
	ActionNavigateLLTP Action = "navigate_lltp"
	ActionNavigateHome Action = "navigate_home"
	ActionNavigateCCCD Action = "navigate_cccd"
	ActionNextStep     Action = "next_step"
	ActionPrevStep     Action = "prev_step"
	ActionSetStep      Action = "set_step"
	ActionFillField    Action = "fill_field"
	ActionSubmit       Action = "submit"
	ActionSubmitLLTP   Action = "submit_lltp"
	ActionCompleteLLTP Action = "complete_lltp"
)

// Known reports whether a is part of the supported action vocabulary.
func (a Action) Known() bool {
	switch a {
	case ActionNone, ActionNavigateLLTP, ActionNavigateHome, ActionNavigateCCCD,
		ActionNextStep, ActionPrevStep, ActionSetStep, ActionFillField,
		ActionSubmit, ActionSubmitLLTP, ActionCompleteLLTP:
		return true
	}
	return false
}

// ActionDirective is one navigation/fill instruction handed to the external
// action handler. Screen is only set by the duplex transport, whose action
// payloads name a navigation target directly.
type ActionDirective struct {
	Action Action
	Screen string
	Step   *int
	Data   map[string]string
}

// AgentReply is the normalized backend response for one turn, regardless of
// which delivery mode produced it. Audio is decoded PCM bytes, ready for
// playback; Response is sanitized display/speech text.
type AgentReply struct {
	Transcript  string
	Response    string
	Audio       []byte
	Action      Action
	Step        *int
	Data        map[string]string
	NextStep    bool
	FieldAsking string
}

// FilterData drops extracted data keys that are not whitelisted for the
// current screen. Returns the number of keys removed.
func (r *AgentReply) FilterData(allowed map[string]struct{}) int {
	if len(r.Data) == 0 {
		return 0
	}
	dropped := 0
	for k := range r.Data {
		if _, ok := allowed[k]; !ok {
			delete(r.Data, k)
			dropped++
		}
	}
	return dropped
}
