// internal/orchestrator/state.go
package orchestrator

// WorkflowState is the orchestrator's pointer into the declared page
// sequence. It is owned by a single run and is not safe for concurrent use.
type WorkflowState struct {
	sequence []string
	pos      map[string]int
	index    int
}

// NewWorkflowState starts at the first page of sequence.
func NewWorkflowState(sequence []string) *WorkflowState {
	pos := make(map[string]int, len(sequence))
	for i, id := range sequence {
		if _, dup := pos[id]; !dup {
			pos[id] = i
		}
	}
	return &WorkflowState{sequence: sequence, pos: pos}
}

// Current returns the expected page id, or "" once the run is complete.
func (s *WorkflowState) Current() string {
	if s.Done() {
		return ""
	}
	return s.sequence[s.index]
}

func (s *WorkflowState) Index() int { return s.index }

// Advance moves to the next page in the sequence.
func (s *WorkflowState) Advance() {
	if !s.Done() {
		s.index++
	}
}

// Resync moves the pointer to id. It reports false, leaving the pointer
// alone, when id is not part of the sequence.
func (s *WorkflowState) Resync(id string) bool {
	i, ok := s.pos[id]
	if !ok {
		return false
	}
	s.index = i
	return true
}

// Position returns where id sits in the sequence.
func (s *WorkflowState) Position(id string) (int, bool) {
	i, ok := s.pos[id]
	return i, ok
}

// Done reports whether the pointer has passed the last page.
func (s *WorkflowState) Done() bool { return s.index >= len(s.sequence) }
