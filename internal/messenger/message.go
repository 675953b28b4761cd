// internal/messenger/message.go
package messenger

import (
	"fmt"
	"time"
)

// ContextKind names one of the isolated execution contexts that exchange messages.
type ContextKind string

const (
	KindOrchestrator ContextKind = "orchestrator"
	KindHelper       ContextKind = "helper"
	KindDriver       ContextKind = "driver"
)

// Address locates a context: a kind, the tab it lives in and, for drivers,
// the frame inside that tab.
type Address struct {
	Kind  ContextKind `json:"kind"`
	Tab   string      `json:"tab,omitempty"`
	Frame string      `json:"frame,omitempty"`
}

// Orchestrator returns the single orchestrator address.
func Orchestrator() Address { return Address{Kind: KindOrchestrator} }

// Helper returns the address of the helper running in tab.
func Helper(tab string) Address { return Address{Kind: KindHelper, Tab: tab} }

// Driver returns the address of the driver bound to frame of tab.
func Driver(tab, frame string) Address { return Address{Kind: KindDriver, Tab: tab, Frame: frame} }

func (a Address) String() string {
	switch {
	case a.Frame != "":
		return fmt.Sprintf("%s(%s/%s)", a.Kind, a.Tab, a.Frame)
	case a.Tab != "":
		return fmt.Sprintf("%s(%s)", a.Kind, a.Tab)
	default:
		return string(a.Kind)
	}
}

// MessageType defines the categories of messages exchanged between contexts.
type MessageType string

const (
	TypeCopyComplete     MessageType = "copy-complete"
	TypeCopyFailed       MessageType = "copy-failed"
	TypeRunAutomation    MessageType = "run-automation"
	TypeAutomationResult MessageType = "automation-result"
)

// Message is the JSON-like payload of every cross-context message. Only the
// fields relevant to Type are populated.
type Message struct {
	Type MessageType `json:"type"`

	// CopyComplete / CopyFailed
	TabID string `json:"tabId,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`

	// RunAutomation
	ImageData string `json:"imageData,omitempty"`

	// AutomationResult
	Success bool   `json:"success,omitempty"`
	Outcome string `json:"outcome,omitempty"`

	// CopyFailed / AutomationResult
	Error string `json:"error,omitempty"`
}

// CopyComplete reports that the helper placed the image on the clipboard.
func CopyComplete(tabID string, seq uint64) Message {
	return Message{Type: TypeCopyComplete, TabID: tabID, Seq: seq}
}

// CopyFailed reports that the helper could not complete the copy.
func CopyFailed(tabID string, seq uint64, err error) Message {
	m := Message{Type: TypeCopyFailed, TabID: tabID, Seq: seq}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

// RunAutomation asks a driver to run with the given image data URL (may be empty).
func RunAutomation(imageData string) Message {
	return Message{Type: TypeRunAutomation, ImageData: imageData}
}

// AutomationResult is a driver's reply to RunAutomation.
func AutomationResult(success bool, outcome, errText string) Message {
	return Message{Type: TypeAutomationResult, Success: success, Outcome: outcome, Error: errText}
}

// Envelope wraps a delivered message with routing metadata.
type Envelope struct {
	ID        string
	Timestamp time.Time
	From      Address
	To        Address
	Message   Message
}
