package main

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/vneid-labs/voicekit/domain/entities"
)

func intPtr(n int) *int { return &n }

func TestScreenModelNavigationAndSteps(t *testing.T) {
	m := newScreenModel(entities.UserContext{"name": "Nguyễn Văn A"}, zaptest.NewLogger(t))

	if got := m.ScreenContext().ScreenName; got != screenHome {
		t.Fatalf("initial screen = %q", got)
	}

	m.HandleAction(entities.ActionDirective{Action: entities.ActionNavigateLLTP})
	ctx := m.ScreenContext()
	if ctx.ScreenName != screenLLTPForm || ctx.CurrentStep != 1 {
		t.Fatalf("after navigate: screen=%q step=%d", ctx.ScreenName, ctx.CurrentStep)
	}
	if len(ctx.FieldsToFill) != 2 || ctx.FieldsToFill[0].Key != "full_name" {
		t.Errorf("step 1 fields = %+v", ctx.FieldsToFill)
	}

	m.HandleAction(entities.ActionDirective{Action: entities.ActionNextStep})
	m.HandleAction(entities.ActionDirective{Action: entities.ActionSetStep, Step: intPtr(3)})
	ctx = m.ScreenContext()
	if ctx.CurrentStep != 3 {
		t.Errorf("step = %d, want 3", ctx.CurrentStep)
	}
	if ctx.FieldsToFill[0].Key != "muc_dich" {
		t.Errorf("step 3 fields = %+v", ctx.FieldsToFill)
	}

	// steps clamp to the form's range
	m.HandleAction(entities.ActionDirective{Action: entities.ActionSetStep, Step: intPtr(99)})
	if got := m.ScreenContext().CurrentStep; got != lltpTotalSteps {
		t.Errorf("step = %d, want clamp to %d", got, lltpTotalSteps)
	}
	m.HandleAction(entities.ActionDirective{Action: entities.ActionSetStep, Step: intPtr(-5)})
	if got := m.ScreenContext().CurrentStep; got != 1 {
		t.Errorf("step = %d, want clamp to 1", got)
	}
}

func TestScreenModelFillAndSubmit(t *testing.T) {
	m := newScreenModel(nil, zaptest.NewLogger(t))
	m.HandleAction(entities.ActionDirective{Action: entities.ActionNavigateLLTP})

	m.HandleAction(entities.ActionDirective{
		Action: entities.ActionFillField,
		Data:   map[string]string{"full_name": "Nguyễn Văn A"},
	})
	m.HandleAction(entities.ActionDirective{
		Action: entities.ActionNextStep,
		Data:   map[string]string{"birth_date": "01/01/1990"},
	})

	ctx := m.ScreenContext()
	if ctx.FilledData["full_name"] != "Nguyễn Văn A" || ctx.FilledData["birth_date"] != "01/01/1990" {
		t.Errorf("filled = %v", ctx.FilledData)
	}
	if ctx.CurrentStep != 2 {
		t.Errorf("step = %d, want 2", ctx.CurrentStep)
	}

	m.HandleAction(entities.ActionDirective{Action: entities.ActionSubmitLLTP})
	ctx = m.ScreenContext()
	if ctx.ScreenName != screenHome {
		t.Errorf("screen after submit = %q", ctx.ScreenName)
	}
	if len(ctx.FilledData) != 0 {
		t.Errorf("filled data survived submit: %v", ctx.FilledData)
	}
}

func TestScreenModelDuplexScreenAlias(t *testing.T) {
	m := newScreenModel(nil, zaptest.NewLogger(t))

	// duplex action payloads name the target screen directly
	m.HandleAction(entities.ActionDirective{Action: entities.ActionNone, Screen: screenCCCD})
	if got := m.ScreenContext().ScreenName; got != screenCCCD {
		t.Errorf("screen = %q, want %q", got, screenCCCD)
	}

	m.HandleAction(entities.ActionDirective{Action: entities.ActionNone, Screen: "unknown_screen"})
	if got := m.ScreenContext().ScreenName; got != screenCCCD {
		t.Errorf("unknown screen changed state to %q", got)
	}
}

func TestScreenModelAllowedKeysFollowStep(t *testing.T) {
	m := newScreenModel(nil, zaptest.NewLogger(t))
	m.HandleAction(entities.ActionDirective{Action: entities.ActionNavigateLLTP})

	allowed := m.ScreenContext().AllowedDataKeys()
	if _, ok := allowed["full_name"]; !ok {
		t.Error("full_name should be allowed on step 1")
	}
	if _, ok := allowed["muc_dich"]; ok {
		t.Error("muc_dich should not be allowed on step 1")
	}
}
