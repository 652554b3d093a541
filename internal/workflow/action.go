// internal/workflow/action.go
package workflow

// Kind names an action variant. It is the "type" key in workflow files.
type Kind string

const (
	KindInput              Kind = "input"
	KindClick              Kind = "click"
	KindDelay              Kind = "delay"
	KindSelect             Kind = "select"
	KindCheck              Kind = "check"
	KindWaitForElement     Kind = "wait_for_element"
	KindKeyPress           Kind = "key_press"
	KindScroll             Kind = "scroll"
	KindHover              Kind = "hover"
	KindSwitchWindow       Kind = "switch_window"
	KindUploadFile         Kind = "upload_file"
	KindExtractText        Kind = "extract_text"
	KindVerifyElement      Kind = "verify_element"
	KindMultiSelectorClick Kind = "multi_selector_click"

	KindSequence    Kind = "sequence"
	KindConditional Kind = "conditional"
	KindRetry       Kind = "retry"
	KindCallback    Kind = "callback"
)

// Kinds lists every action kind.
func Kinds() []Kind {
	return []Kind{
		KindInput, KindClick, KindDelay, KindSelect, KindCheck, KindWaitForElement,
		KindKeyPress, KindScroll, KindHover, KindSwitchWindow, KindUploadFile,
		KindExtractText, KindVerifyElement, KindMultiSelectorClick,
		KindSequence, KindConditional, KindRetry, KindCallback,
	}
}

// Composite reports whether k holds nested actions.
func (k Kind) Composite() bool {
	switch k {
	case KindSequence, KindConditional, KindRetry, KindCallback:
		return true
	}
	return false
}

// Action is the closed set of action variants. Only types in this package
// implement it; the interpreter in internal/action switches over them.
type Action interface {
	Kind() Kind
	Meta() Base
	isAction()
}

// Base carries the fields every action shares.
type Base struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// MaxRetries bounds the attempts of the execution wrapper; 0 means the engine default.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// Typing styles for Input.
const (
	TypingHuman   = "human"
	TypingInstant = "instant"
)

// Input writes a value into a field.
type Input struct {
	Base       `yaml:",inline"`
	Selector   string `yaml:"selector"`
	Value      string `yaml:"value"`
	Typing     string `yaml:"typing"`
	ClearFirst bool   `yaml:"clear_first"`
}

// Click performs a script-level click.
type Click struct {
	Base     `yaml:",inline"`
	Selector string `yaml:"selector"`
}

// Delay sleeps in interruptible slices.
type Delay struct {
	Base     `yaml:",inline"`
	Duration Duration `yaml:"duration"`
}

// Select sets a dropdown.
type Select struct {
	Base     `yaml:",inline"`
	Selector string `yaml:"selector"`
	Value    string `yaml:"value"`
	By       string `yaml:"by"`
}

// Check sets a checkbox or radio to Checked, clicking only when needed.
type Check struct {
	Base     `yaml:",inline"`
	Selector string `yaml:"selector"`
	Checked  bool   `yaml:"checked"`
}

// WaitForElement blocks until Condition holds or Timeout passes.
type WaitForElement struct {
	Base      `yaml:",inline"`
	Selector  string   `yaml:"selector"`
	Condition string   `yaml:"condition"`
	Timeout   Duration `yaml:"timeout"`
}

// KeyPress presses each entry of Keys in order. An entry like "Control+a" is a chord.
type KeyPress struct {
	Base `yaml:",inline"`
	Keys []string `yaml:"keys"`
}

// Scroll directions.
const (
	ScrollUp        = "up"
	ScrollDown      = "down"
	ScrollTop       = "top"
	ScrollBottom    = "bottom"
	ScrollToElement = "to_element"
)

// Scroll moves the viewport.
type Scroll struct {
	Base      `yaml:",inline"`
	Direction string `yaml:"direction"`
	Distance  int    `yaml:"distance"`
	Selector  string `yaml:"selector"`
}

// Hover moves the pointer over an element.
type Hover struct {
	Base     `yaml:",inline"`
	Selector string `yaml:"selector"`
}

// SwitchWindow activates a window by handle or, when Handle is empty, by index.
type SwitchWindow struct {
	Base   `yaml:",inline"`
	Index  int    `yaml:"index"`
	Handle string `yaml:"handle"`
}

// UploadFile sets a file input.
type UploadFile struct {
	Base     `yaml:",inline"`
	Selector string `yaml:"selector"`
	Path     string `yaml:"path"`
}

// ExtractText reads text, or an attribute, into a run variable.
type ExtractText struct {
	Base      `yaml:",inline"`
	Selector  string `yaml:"selector"`
	Attribute string `yaml:"attribute"`
	Variable  string `yaml:"variable"`
}

// Verification failure policies.
const (
	OnFailureAbort = "abort"
	OnFailureRetry = "retry"
	OnFailureSkip  = "skip"
)

// VerifyElement checks an element's text and attributes.
type VerifyElement struct {
	Base               `yaml:",inline"`
	Selector           string            `yaml:"selector"`
	ExpectedText       string            `yaml:"expected_text"`
	ExpectedAttributes map[string]string `yaml:"expected_attributes"`
	OnFailure          string            `yaml:"on_failure"`
}

// MultiSelectorClick clicks the first clickable match among Selectors.
type MultiSelectorClick struct {
	Base      `yaml:",inline"`
	Selectors []string `yaml:"selectors"`
}

// Sequence runs its children in order and stops at the first non-success.
type Sequence struct {
	Base      `yaml:",inline"`
	Actions   ActionList        `yaml:"actions"`
	Variables map[string]string `yaml:"variables"`
}

// Conditional runs IfTrue or IfFalse depending on Condition.
type Conditional struct {
	Base      `yaml:",inline"`
	Condition Probe      `yaml:"condition"`
	IfTrue    ActionList `yaml:"if_true"`
	IfFalse   ActionList `yaml:"if_false"`
}

// Retry re-runs Actions until SuccessCondition holds or MaxAttempts is spent.
type Retry struct {
	Base             `yaml:",inline"`
	Actions          ActionList `yaml:"actions"`
	MaxAttempts      int        `yaml:"max_attempts"`
	RetryDelay       Duration   `yaml:"retry_delay"`
	SuccessCondition *Probe     `yaml:"success_condition"`
}

// Callback asks a registered function for the actions to run.
type Callback struct {
	Base       `yaml:",inline"`
	Name       string   `yaml:"name"`
	RetryCount int      `yaml:"retry_count"`
	Timeout    Duration `yaml:"timeout"`
}

func (Input) Kind() Kind              { return KindInput }
func (Click) Kind() Kind              { return KindClick }
func (Delay) Kind() Kind              { return KindDelay }
func (Select) Kind() Kind             { return KindSelect }
func (Check) Kind() Kind              { return KindCheck }
func (WaitForElement) Kind() Kind     { return KindWaitForElement }
func (KeyPress) Kind() Kind           { return KindKeyPress }
func (Scroll) Kind() Kind             { return KindScroll }
func (Hover) Kind() Kind              { return KindHover }
func (SwitchWindow) Kind() Kind       { return KindSwitchWindow }
func (UploadFile) Kind() Kind         { return KindUploadFile }
func (ExtractText) Kind() Kind        { return KindExtractText }
func (VerifyElement) Kind() Kind      { return KindVerifyElement }
func (MultiSelectorClick) Kind() Kind { return KindMultiSelectorClick }
func (Sequence) Kind() Kind           { return KindSequence }
func (Conditional) Kind() Kind        { return KindConditional }
func (Retry) Kind() Kind              { return KindRetry }
func (Callback) Kind() Kind           { return KindCallback }

func (a Input) Meta() Base              { return a.Base }
func (a Click) Meta() Base              { return a.Base }
func (a Delay) Meta() Base              { return a.Base }
func (a Select) Meta() Base             { return a.Base }
func (a Check) Meta() Base              { return a.Base }
func (a WaitForElement) Meta() Base     { return a.Base }
func (a KeyPress) Meta() Base           { return a.Base }
func (a Scroll) Meta() Base             { return a.Base }
func (a Hover) Meta() Base              { return a.Base }
func (a SwitchWindow) Meta() Base       { return a.Base }
func (a UploadFile) Meta() Base         { return a.Base }
func (a ExtractText) Meta() Base        { return a.Base }
func (a VerifyElement) Meta() Base      { return a.Base }
func (a MultiSelectorClick) Meta() Base { return a.Base }
func (a Sequence) Meta() Base           { return a.Base }
func (a Conditional) Meta() Base        { return a.Base }
func (a Retry) Meta() Base              { return a.Base }
func (a Callback) Meta() Base           { return a.Base }

func (Input) isAction()              {}
func (Click) isAction()              {}
func (Delay) isAction()              {}
func (Select) isAction()             {}
func (Check) isAction()              {}
func (WaitForElement) isAction()     {}
func (KeyPress) isAction()           {}
func (Scroll) isAction()             {}
func (Hover) isAction()              {}
func (SwitchWindow) isAction()       {}
func (UploadFile) isAction()         {}
func (ExtractText) isAction()        {}
func (VerifyElement) isAction()      {}
func (MultiSelectorClick) isAction() {}
func (Sequence) isAction()           {}
func (Conditional) isAction()        {}
func (Retry) isAction()              {}
func (Callback) isAction()           {}

// ProbeType names a boolean check against the live page.
type ProbeType string

const (
	ProbeElementExists  ProbeType = "element_exists"
	ProbeElementVisible ProbeType = "element_visible"
	ProbeElementAbsent  ProbeType = "element_absent"
	ProbeTextContains   ProbeType = "text_contains"
	ProbeURLContains    ProbeType = "url_contains"
	ProbeURLChanged     ProbeType = "url_changed"
)

// probeAliases maps the historical success-condition names onto probes.
var probeAliases = map[ProbeType]ProbeType{
	"element_appears":    ProbeElementExists,
	"element_disappears": ProbeElementAbsent,
	"page_changed":       ProbeURLChanged,
}

// Probe is a boolean check used by Conditional and Retry. Text is the
// substring for text_contains (matched against Selector's text, or the whole
// page when Selector is empty) and url_contains.
type Probe struct {
	Type     ProbeType `yaml:"type"`
	Selector string    `yaml:"selector"`
	Text     string    `yaml:"text"`
}

// Normalized resolves aliases.
func (p Probe) Normalized() Probe {
	if canonical, ok := probeAliases[p.Type]; ok {
		p.Type = canonical
	}
	return p
}
