// internal/browser/frames.go
package browser

import (
	"context"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

// Frame is one frame of a tab together with the chromedp context of the
// target that renders it. Out-of-process iframes have their own target.
type Frame struct {
	ID  cdp.FrameID
	URL string
	ctx context.Context
}

// Context returns the chromedp context commands for this frame run on.
func (f Frame) Context() context.Context { return f.ctx }

// flatten walks tree depth first.
func flatten(tree *page.FrameTree) []*cdp.Frame {
	if tree == nil || tree.Frame == nil {
		return nil
	}
	frames := []*cdp.Frame{tree.Frame}
	for _, child := range tree.ChildFrames {
		frames = append(frames, flatten(child)...)
	}
	return frames
}

func frameURL(f *cdp.Frame) string {
	return f.URL + f.URLFragment
}

// matching returns the frames of tree whose URL starts with prefix.
func matching(tree *page.FrameTree, prefix string) []*cdp.Frame {
	var out []*cdp.Frame
	for _, f := range flatten(tree) {
		if strings.HasPrefix(frameURL(f), prefix) {
			out = append(out, f)
		}
	}
	return out
}

// isolatedTargets indexes the iframe targets whose id equals a frame id.
func isolatedTargets(infos []*target.Info) map[cdp.FrameID]target.ID {
	out := make(map[cdp.FrameID]target.ID)
	for _, info := range infos {
		if info.Type == "iframe" {
			out[cdp.FrameID(info.TargetID)] = info.TargetID
		}
	}
	return out
}

func frameIDs(tree *page.FrameTree) map[cdp.FrameID]bool {
	ids := make(map[cdp.FrameID]bool)
	for _, f := range flatten(tree) {
		ids[f.ID] = true
	}
	return ids
}
