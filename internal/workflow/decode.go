// internal/workflow/decode.go
package workflow

import (
	"fmt"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActionList is an ordered list of actions decoded from a sequence of
// mappings, each selecting its variant with a "type" key.
type ActionList []Action

// UnmarshalYAML decodes each element into its concrete variant.
func (l *ActionList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: actions must be a list", node.Line)
	}
	out := make(ActionList, 0, len(node.Content))
	for _, item := range node.Content {
		a, err := decodeAction(item)
		if err != nil {
			return err
		}
		out = append(out, a)
	}
	*l = out
	return nil
}

// MarshalYAML writes each action with its "type" key first.
func (l ActionList) MarshalYAML() (interface{}, error) {
	nodes := make([]*yaml.Node, 0, len(l))
	for _, a := range l {
		var body yaml.Node
		if err := body.Encode(a); err != nil {
			return nil, err
		}
		typed := &yaml.Node{Kind: yaml.MappingNode}
		typed.Content = append(typed.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "type"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: string(a.Kind())},
		)
		typed.Content = append(typed.Content, body.Content...)
		nodes = append(nodes, typed)
	}
	return &yaml.Node{Kind: yaml.SequenceNode, Content: nodes}, nil
}

func decodeAction(node *yaml.Node) (Action, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: action must be a mapping", node.Line)
	}
	var head struct {
		Type Kind `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return nil, err
	}
	if head.Type == "" {
		return nil, fmt.Errorf("line %d: action is missing its type", node.Line)
	}

	var (
		a   Action
		err error
	)
	switch head.Type {
	case KindInput:
		v := Input{Typing: TypingHuman, ClearFirst: true}
		err = node.Decode(&v)
		a = v
	case KindClick:
		var v Click
		err = node.Decode(&v)
		a = v
	case KindDelay:
		var v Delay
		err = node.Decode(&v)
		a = v
	case KindSelect:
		v := Select{By: "text"}
		err = node.Decode(&v)
		a = v
	case KindCheck:
		v := Check{Checked: true}
		err = node.Decode(&v)
		a = v
	case KindWaitForElement:
		v := WaitForElement{Condition: "visible"}
		err = node.Decode(&v)
		a = v
	case KindKeyPress:
		var v KeyPress
		err = node.Decode(&v)
		a = v
	case KindScroll:
		v := Scroll{Direction: ScrollDown, Distance: 500}
		err = node.Decode(&v)
		a = v
	case KindHover:
		var v Hover
		err = node.Decode(&v)
		a = v
	case KindSwitchWindow:
		var v SwitchWindow
		err = node.Decode(&v)
		a = v
	case KindUploadFile:
		var v UploadFile
		err = node.Decode(&v)
		a = v
	case KindExtractText:
		var v ExtractText
		err = node.Decode(&v)
		a = v
	case KindVerifyElement:
		v := VerifyElement{OnFailure: OnFailureAbort}
		err = node.Decode(&v)
		a = v
	case KindMultiSelectorClick:
		var v MultiSelectorClick
		err = node.Decode(&v)
		a = v
	case KindSequence:
		var v Sequence
		err = node.Decode(&v)
		a = v
	case KindConditional:
		var v Conditional
		err = node.Decode(&v)
		a = v
	case KindRetry:
		v := Retry{MaxAttempts: 3, RetryDelay: Seconds(1)}
		err = node.Decode(&v)
		a = v
	case KindCallback:
		v := Callback{RetryCount: 1}
		err = node.Decode(&v)
		a = v
	default:
		return nil, fmt.Errorf("line %d: unknown action type %q", node.Line, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("line %d: decoding %s action: %w", node.Line, head.Type, err)
	}
	if err := checkFields(node, a, string(head.Type)+" action", "type"); err != nil {
		return nil, err
	}
	return a, nil
}

var unmarshalerType = reflect.TypeOf((*yaml.Unmarshaler)(nil)).Elem()

// checkFields rejects mapping keys that no field of v decodes. Nested plain
// structs are checked too; types with their own UnmarshalYAML check themselves.
func checkFields(node *yaml.Node, v interface{}, what string, extra ...string) error {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return checkKeys(node, t, what, extra)
}

func checkKeys(node *yaml.Node, t reflect.Type, what string, extra []string) error {
	fields := make(map[string]reflect.Type)
	yamlFields(t, fields)
	for _, k := range extra {
		fields[k] = nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		ft, ok := fields[key.Value]
		if !ok {
			return fmt.Errorf("line %d: field %s not found in %s", key.Line, key.Value, what)
		}
		if ft == nil {
			continue
		}
		for ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct && val.Kind == yaml.MappingNode && !reflect.PointerTo(ft).Implements(unmarshalerType) {
			if err := checkKeys(val, ft, key.Value, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// yamlFields collects the yaml keys of t, flattening inline structs.
func yamlFields(t reflect.Type, out map[string]reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			continue
		}
		if strings.Contains(opts, "inline") {
			yamlFields(f.Type, out)
			continue
		}
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		out[name] = f.Type
	}
}
