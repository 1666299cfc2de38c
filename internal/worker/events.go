package worker

import (
	"github.com/shinline/shinline/internal/assetcache"
	"github.com/shinline/shinline/internal/notify"
)

// RequestMode distinguishes top-level document requests from subresource
// requests. Only document requests fall back to the offline shell.
type RequestMode int

const (
	ModeSubresource RequestMode = iota
	ModeDocument
)

// FetchRequest describes one intercepted outgoing request.
type FetchRequest struct {
	Path string
	Mode RequestMode
}

// event is the closed set of event classes a resident worker handles.
// Lifecycle transitions (install, activate) are not events: the host orders
// them strictly before any event dispatch for a version.
type event interface {
	isEvent()
}

type fetchEvent struct {
	req   FetchRequest
	reply chan fetchResult
}

type fetchResult struct {
	resp *assetcache.Response
	err  error
}

// pushEvent carries an optional opaque payload. done is closed once the
// display operation has settled, keeping the event alive until then.
type pushEvent struct {
	payload []byte
	done    chan struct{}
}

type notificationClickEvent struct {
	descriptor notify.Descriptor
	action     string
	done       chan struct{}
}

type notificationCloseEvent struct {
	tag string
}

type messageEvent struct {
	msg notify.ClientMessage
}

func (fetchEvent) isEvent()             {}
func (pushEvent) isEvent()              {}
func (notificationClickEvent) isEvent() {}
func (notificationCloseEvent) isEvent() {}
func (messageEvent) isEvent()           {}
