package session

// Level of a notice shown to the operator.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a step-level message from the last action.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}
