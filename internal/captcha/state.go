package captcha

// State 验证码处理状态
type State int

const (
	StateNone State = iota
	StateDetected
	StateSolving
	StateSolved
	StateUnsolvable
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateDetected:
		return "detected"
	case StateSolving:
		return "solving"
	case StateSolved:
		return "solved"
	case StateUnsolvable:
		return "unsolvable"
	default:
		return "unknown"
	}
}

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateNone || s == StateSolved || s == StateUnsolvable
}
