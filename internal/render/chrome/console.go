package chrome

import (
	"fmt"
	"strconv"
	"strings"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

const maxPageErrorLength = 1024

// consoleMessage joins console.error arguments into one line
func consoleMessage(args []*cdpruntime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if part := formatConsoleArg(arg); part != "" {
			parts = append(parts, part)
		}
	}
	return truncate(strings.Join(parts, " "))
}

// exceptionMessage renders an uncaught exception with its source location
func exceptionMessage(details *cdpruntime.ExceptionDetails) string {
	if details == nil {
		return ""
	}

	msg := details.Text
	if details.Exception != nil && details.Exception.Description != "" {
		msg = details.Exception.Description
	}

	if loc := sourceLocation(details); loc != "" {
		msg = msg + " (" + loc + ")"
	}
	return truncate(msg)
}

// sourceLocation returns "url:line:col" with 1-based line and column
func sourceLocation(details *cdpruntime.ExceptionDetails) string {
	url := details.URL
	line, col := details.LineNumber, details.ColumnNumber
	if st := details.StackTrace; st != nil && len(st.CallFrames) > 0 {
		frame := st.CallFrames[0]
		url, line, col = frame.URL, frame.LineNumber, frame.ColumnNumber
	}
	if url == "" {
		return ""
	}
	if line < 0 {
		line = 0
	}
	if col < 0 {
		col = 0
	}
	return fmt.Sprintf("%s:%d:%d", url, line+1, col+1)
}

// formatConsoleArg converts a CDP RemoteObject to a string representation
func formatConsoleArg(arg *cdpruntime.RemoteObject) string {
	if arg == nil {
		return ""
	}

	if len(arg.Value) > 0 {
		raw := string(arg.Value)
		if unquoted, err := strconv.Unquote(raw); err == nil {
			return unquoted
		}
		if raw != "null" && raw != "undefined" {
			return raw
		}
	}

	if arg.Description != "" {
		return arg.Description
	}
	if arg.ClassName != "" {
		return "[" + arg.ClassName + "]"
	}
	if string(arg.Type) != "" {
		return "[" + string(arg.Type) + "]"
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxPageErrorLength {
		return s
	}
	return s[:maxPageErrorLength] + "..."
}
