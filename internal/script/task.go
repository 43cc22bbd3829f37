package script

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// 每個 TASK script 包在一組 CMD 標記中；失敗時送出 SCRIPT_END_FAILURE 並停止
var taskTemplate = template.Must(template.New("scripts.sh").Funcs(template.FuncMap{
	"quote": shellQuote,
	"title": commandTitle,
}).Parse(`#!/bin/bash
{{range .Scripts}}
echo {{quote (printf "__SH__CMD__START__|{}|%s" (title .))}}
eval {{quote .}}
ret=$?
echo "__SH__CMD__END__|{\"exitcode\":\"$ret\"}|"{{quote (title .)}}
if [ "$ret" -ne 0 ]; then
  echo "__SH__SCRIPT_END_FAILURE__"
  exit "$ret"
fi
{{end}}`))

// RenderTaskScript renders the body of scripts.sh for the given task scripts.
func RenderTaskScript(scripts []string) (string, error) {
	var buf bytes.Buffer
	if err := taskTemplate.Execute(&buf, struct{ Scripts []string }{scripts}); err != nil {
		return "", fmt.Errorf("failed to render task script: %w", err)
	}
	return buf.String(), nil
}

// RenderExecScript renders exec.sh, which runs scriptsPath under ssh-agent
// when a subscription key path is given.
func RenderExecScript(scriptsPath, subscriptionKey string) string {
	if subscriptionKey == "" {
		return fmt.Sprintf("#!/bin/bash\n%s\n", scriptsPath)
	}
	return fmt.Sprintf("#!/bin/bash\nssh-agent /bin/bash -c 'ssh-add %s; %s '\n", subscriptionKey, scriptsPath)
}

// shellQuote wraps s in single quotes for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// commandTitle is the first non-empty line of a script, used as the
// command name in the console.
func commandTitle(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "script"
}
