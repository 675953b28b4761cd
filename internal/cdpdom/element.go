// internal/cdpdom/element.go
package cdpdom

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/chromedp/cdproto/runtime"

	"github.com/xkilldash9x/shotpaste/internal/driver"
)

// Element is a node resolved by Query, addressed by its remote object id so
// it survives DOM node id invalidation.
type Element struct {
	doc      *Document
	object   runtime.RemoteObjectID
	selector string
}

var _ driver.Element = (*Element)(nil)

func (e *Element) Click(ctx context.Context) error {
	return e.call(ctx, clickScript, nil)
}

func (e *Element) Focus(ctx context.Context) error {
	return e.call(ctx, focusScript, nil)
}

func (e *Element) Text(ctx context.Context) (string, error) {
	var text string
	if err := e.call(ctx, textScript, &text); err != nil {
		return "", err
	}
	return text, nil
}

// Paste dispatches a synthetic paste ClipboardEvent whose clipboard data
// holds file.
func (e *Element) Paste(ctx context.Context, file driver.Attachment) error {
	return e.call(ctx, pasteScript, nil, base64.StdEncoding.EncodeToString(file.Data), file.Name, file.MIME)
}

func (e *Element) AppendParagraph(ctx context.Context, text string) error {
	return e.call(ctx, appendParagraphScript, nil, text)
}

func (e *Element) call(ctx context.Context, script string, res interface{}, args ...interface{}) error {
	fn, err := declaration(script, args...)
	if err != nil {
		return err
	}

	return e.doc.run(ctx, func(c context.Context) error {
		obj, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(e.object).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(c)
		if err != nil {
			return fmt.Errorf("cdpdom: call on '%s': %w", e.selector, err)
		}
		if exc != nil {
			return fmt.Errorf("call on '%s': %w", e.selector, exceptionError(exc))
		}
		if res == nil || obj == nil || len(obj.Value) == 0 {
			return nil
		}
		if err := json.Unmarshal([]byte(obj.Value), res); err != nil {
			return fmt.Errorf("cdpdom: decode result of '%s': %w", e.selector, err)
		}
		return nil
	})
}
