package entities

// UserContext is an opaque identity payload forwarded verbatim to the backend
// with every turn. The engine never inspects it.
type UserContext map[string]interface{}

// FieldSpec describes one fillable form field on the current screen.
type FieldSpec struct {
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// ScreenContext is a snapshot of the current UI screen, rebuilt by the UI
// layer before each send so the remote agent knows what fields exist and
// which navigation actions are legal. Immutable per turn; the engine forwards
// it verbatim.
type ScreenContext struct {
	ScreenName        string            `json:"screen_name"`
	ScreenDescription string            `json:"screen_description"`
	CurrentStep       int               `json:"current_step"`
	TotalSteps        int               `json:"total_steps"`
	FieldsToFill      []FieldSpec       `json:"fields_to_fill"`
	FilledData        map[string]string `json:"filled_data"`
	AvailableActions  []string          `json:"available_actions"`
}

// AllowedDataKeys returns the set of data keys a reply may legally fill on
// this screen. The backend is an untrusted text producer, so extracted data
// is whitelisted against the screen's declared fields before being applied.
func (s ScreenContext) AllowedDataKeys() map[string]struct{} {
	allowed := make(map[string]struct{}, len(s.FieldsToFill)+len(s.FilledData))
	for _, f := range s.FieldsToFill {
		allowed[f.Key] = struct{}{}
	}
	for k := range s.FilledData {
		allowed[k] = struct{}{}
	}
	return allowed
}
