package script

import (
	"encoding/json"
	"strings"
)

// Marker headers written by job scripts. The format is an external contract
// with the generated shell scripts and must stay byte-compatible.
const (
	GroupStartHeader        = "__SH__GROUP__START__"
	GroupEndHeader          = "__SH__GROUP__END__"
	CmdStartHeader          = "__SH__CMD__START__"
	CmdEndHeader            = "__SH__CMD__END__"
	ScriptEndFailureHeader  = "__SH__SCRIPT_END_FAILURE__"
	ShouldNotContinueHeader = "__SH__SHOULD_NOT_CONTINUE__"
)

// LineKind 輸出行的分類
type LineKind int

const (
	LineMessage LineKind = iota
	LineGroupStart
	LineGroupEnd
	LineCmdStart
	LineCmdEnd
	LineScriptEndFailure
	LineShouldNotContinue
)

func (k LineKind) String() string {
	switch k {
	case LineGroupStart:
		return "group_start"
	case LineGroupEnd:
		return "group_end"
	case LineCmdStart:
		return "cmd_start"
	case LineCmdEnd:
		return "cmd_end"
	case LineScriptEndFailure:
		return "script_end_failure"
	case LineShouldNotContinue:
		return "should_not_continue"
	}
	return "message"
}

// Line is one classified output line.
type Line struct {
	Kind    LineKind
	Name    string // group/command name
	Success bool   // exitcode == "0" on *End lines
	Shown   bool
	Text    string // raw line
}

// LineClassifier turns a raw output line into a Line.
type LineClassifier interface {
	Classify(raw string) Line
}

// MarkerClassifier implements the __SH__ pipe-delimited marker protocol.
// A marker with an unparsable JSON field is treated as a plain message.
type MarkerClassifier struct{}

type markerFields struct {
	ExitCode string `json:"exitcode"`
	IsShown  *bool  `json:"is_shown"`
}

// Classify 依固定前綴分類，其餘一律為訊息
func (MarkerClassifier) Classify(raw string) Line {
	msg := Line{Kind: LineMessage, Text: raw}

	// 無分隔符的標記必須完全相符
	switch raw {
	case ScriptEndFailureHeader:
		return Line{Kind: LineScriptEndFailure, Text: raw}
	case ShouldNotContinueHeader:
		return Line{Kind: LineShouldNotContinue, Text: raw}
	}

	parts := strings.SplitN(raw, "|", 3)
	var kind LineKind
	switch parts[0] {
	case GroupStartHeader:
		kind = LineGroupStart
	case GroupEndHeader:
		kind = LineGroupEnd
	case CmdStartHeader:
		kind = LineCmdStart
	case CmdEndHeader:
		kind = LineCmdEnd
	default:
		return msg
	}

	var fields markerFields
	if len(parts) > 1 && parts[1] != "" {
		if err := json.Unmarshal([]byte(parts[1]), &fields); err != nil {
			return msg
		}
	}

	line := Line{Kind: kind, Text: raw, Shown: true}
	if len(parts) > 2 {
		line.Name = parts[2]
	}
	if fields.IsShown != nil {
		line.Shown = *fields.IsShown
	}
	line.Success = fields.ExitCode == "0"
	return line
}
