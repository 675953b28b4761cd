// internal/cdpdom/scripts.go
package cdpdom

import (
	_ "embed"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed js_scripts/query.js
var queryScript string

//go:embed js_scripts/click.js
var clickScript string

//go:embed js_scripts/focus.js
var focusScript string

//go:embed js_scripts/text.js
var textScript string

//go:embed js_scripts/paste.js
var pasteScript string

//go:embed js_scripts/append_paragraph.js
var appendParagraphScript string

// invocation renders a call of the function expression fn with thisArg and
// JSON encoded arguments.
func invocation(fn, thisArg string, args ...interface{}) (string, error) {
	if args == nil {
		args = []interface{}{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("cdpdom: encode script arguments: %w", err)
	}
	return fmt.Sprintf("(%s).apply(%s, %s)", fn, thisArg, encoded), nil
}

// declaration wraps fn so it can be passed to Runtime.callFunctionOn, where
// the receiver is the resolved node.
func declaration(fn string, args ...interface{}) (string, error) {
	call, err := invocation(fn, "this", args...)
	if err != nil {
		return "", err
	}
	return "function () { return " + call + "; }", nil
}
