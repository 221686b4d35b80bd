package main

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vneid-labs/voicekit/domain/entities"
)

const (
	screenHome     = "home"
	screenLLTPForm = "lltp_form"
	screenCCCD     = "cccd"

	lltpTotalSteps = 4
)

// screenModel is the ambient UI state of the demo client: which screen is
// showing, which form step is active, and what has been filled so far. It is
// both the context provider (snapshots before each send) and the action
// handler (directives mutate it).
type screenModel struct {
	mu     sync.Mutex
	logger *zap.Logger

	current string
	step    int
	filled  map[string]string
	user    entities.UserContext
}

func newScreenModel(user entities.UserContext, logger *zap.Logger) *screenModel {
	return &screenModel{
		logger:  logger,
		current: screenHome,
		step:    1,
		filled:  make(map[string]string),
		user:    user,
	}
}

// UserContext implements repositories.ContextProvider
func (m *screenModel) UserContext() entities.UserContext {
	return m.user
}

// ScreenContext implements repositories.ContextProvider
func (m *screenModel) ScreenContext() entities.ScreenContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	filled := make(map[string]string, len(m.filled))
	for k, v := range m.filled {
		filled[k] = v
	}

	switch m.current {
	case screenLLTPForm:
		return entities.ScreenContext{
			ScreenName:        screenLLTPForm,
			ScreenDescription: "Đăng ký cấp phiếu lý lịch tư pháp",
			CurrentStep:       m.step,
			TotalSteps:        lltpTotalSteps,
			FieldsToFill:      lltpFields(m.step),
			FilledData:        filled,
			AvailableActions: []string{
				"fill_field", "next_step", "prev_step", "set_step",
				"submit_lltp", "navigate_home",
			},
		}
	case screenCCCD:
		return entities.ScreenContext{
			ScreenName:        screenCCCD,
			ScreenDescription: "Thông tin căn cước công dân",
			AvailableActions:  []string{"navigate_home", "navigate_lltp"},
		}
	default:
		return entities.ScreenContext{
			ScreenName:        screenHome,
			ScreenDescription: "Trang chủ dịch vụ công",
			AvailableActions:  []string{"navigate_lltp", "navigate_cccd"},
		}
	}
}

// lltpFields lists the fillable fields of each form step.
func lltpFields(step int) []entities.FieldSpec {
	switch step {
	case 1:
		return []entities.FieldSpec{
			{Key: "full_name", Label: "Họ và tên", Required: true},
			{Key: "birth_date", Label: "Ngày sinh", Required: true},
		}
	case 2:
		return []entities.FieldSpec{
			{Key: "birth_place", Label: "Nơi sinh", Required: true},
			{Key: "id_number", Label: "Số CCCD", Required: true},
		}
	case 3:
		return []entities.FieldSpec{
			{Key: "muc_dich", Label: "Mục đích yêu cầu", Required: true,
				Options: []string{"xin việc", "du học", "định cư", "khác"}},
			{Key: "so_ban", Label: "Số bản yêu cầu", Required: true},
		}
	default:
		// confirmation step, nothing left to fill
		return nil
	}
}

// HandleAction implements repositories.ActionHandler
func (m *screenModel) HandleAction(directive entities.ActionDirective) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range directive.Data {
		m.filled[k] = v
	}

	if directive.Screen != "" {
		m.navigateLocked(directive.Screen)
	}

	switch directive.Action {
	case entities.ActionNavigateLLTP:
		m.navigateLocked(screenLLTPForm)
	case entities.ActionNavigateHome:
		m.navigateLocked(screenHome)
	case entities.ActionNavigateCCCD:
		m.navigateLocked(screenCCCD)
	case entities.ActionNextStep:
		m.setStepLocked(m.step + 1)
	case entities.ActionPrevStep:
		m.setStepLocked(m.step - 1)
	case entities.ActionSetStep:
		if directive.Step != nil {
			m.setStepLocked(*directive.Step)
		}
	case entities.ActionFillField:
		// data already merged above
	case entities.ActionSubmit, entities.ActionSubmitLLTP, entities.ActionCompleteLLTP:
		m.logger.Info("form submitted",
			zap.String("screen", m.current),
			zap.Int("fields", len(m.filled)))
		m.filled = make(map[string]string)
		m.navigateLocked(screenHome)
	}
}

func (m *screenModel) navigateLocked(screen string) {
	if screen == m.current {
		return
	}
	switch screen {
	case screenHome, screenLLTPForm, screenCCCD:
		m.current = screen
		m.step = 1
		m.logger.Info("navigated", zap.String("screen", screen))
	default:
		m.logger.Warn("ignoring unknown screen", zap.String("screen", screen))
	}
}

func (m *screenModel) setStepLocked(step int) {
	if m.current != screenLLTPForm {
		return
	}
	if step < 1 {
		step = 1
	}
	if step > lltpTotalSteps {
		step = lltpTotalSteps
	}
	if step != m.step {
		m.step = step
		m.logger.Info("form step changed", zap.Int("step", step))
	}
}
