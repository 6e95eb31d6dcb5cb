// Package page models one browsing context: a document-scoped window with
// globals, one-shot DOM-style events and asynchronous postMessage delivery.
//
// All listeners of a window run on that window's single event-loop
// goroutine, in posting order, like script callbacks on a page. A window
// lives until Unload; after that posts and dispatches are inert.
package page

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/mr-tron/base58"
)

var ErrUnloaded = errors.New("window is unloaded")

// Message is a delivered window message. Data is a structured clone of what
// was posted; the receiver never shares memory with the sender.
type Message struct {
	Data         json.RawMessage
	Origin       string
	SameDocument bool
}

// Window is one document. Embedded frames are windows with a parent.
type Window struct {
	id     string
	origin string
	parent *Window

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	globals  map[string]any
	messageL map[int]func(Message)
	eventL   map[string]map[int]func()
	nextL    int
	queue    []func()
	wake     chan struct{}
	unloaded bool
	children []*Window
}

// New opens a top-level window for origin and starts its event loop.
func New(origin string) *Window {
	return newWindow(origin, nil)
}

func newWindow(origin string, parent *Window) *Window {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Window{
		id:       newDocumentID(),
		origin:   strings.TrimSpace(origin),
		parent:   parent,
		ctx:      ctx,
		cancel:   cancel,
		globals:  make(map[string]any),
		messageL: make(map[int]func(Message)),
		eventL:   make(map[string]map[int]func()),
		wake:     make(chan struct{}, 1),
	}
	go w.loop()
	return w
}

func newDocumentID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return "doc_" + base58.Encode(buf)
}

func (w *Window) ID() string     { return w.id }
func (w *Window) Origin() string { return w.origin }

// Context is canceled when the window unloads.
func (w *Window) Context() context.Context { return w.ctx }

// Done is closed when the window unloads.
func (w *Window) Done() <-chan struct{} { return w.ctx.Done() }

func (w *Window) SetGlobal(name string, v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unloaded {
		return
	}
	w.globals[name] = v
}

func (w *Window) Global(name string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.globals[name]
	return v, ok
}

func (w *Window) DeleteGlobal(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.globals, name)
}

// AddEventListener registers fn for the named event.
func (w *Window) AddEventListener(name string, fn func()) (remove func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unloaded {
		return func() {}
	}
	id := w.nextL
	w.nextL++
	if w.eventL[name] == nil {
		w.eventL[name] = make(map[int]func())
	}
	w.eventL[name][id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.eventL[name], id)
	}
}

// DispatchEvent queues the named event to every current listener.
func (w *Window) DispatchEvent(name string) {
	w.enqueue(func() {
		w.mu.Lock()
		listeners := make([]func(), 0, len(w.eventL[name]))
		for _, fn := range w.eventL[name] {
			listeners = append(listeners, fn)
		}
		w.mu.Unlock()
		for _, fn := range listeners {
			fn()
		}
	})
}

// AddMessageListener registers fn for window messages.
func (w *Window) AddMessageListener(fn func(Message)) (remove func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unloaded {
		return func() {}
	}
	id := w.nextL
	w.nextL++
	w.messageL[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.messageL, id)
	}
}

// PostMessage posts data to this window from its own document.
func (w *Window) PostMessage(data any) error {
	return w.deliver(w, data)
}

// EmbedFrame opens a child document with its own origin.
func (w *Window) EmbedFrame(origin string) *Window {
	child := newWindow(origin, w)
	w.mu.Lock()
	w.children = append(w.children, child)
	w.mu.Unlock()
	return child
}

// PostToParent posts data from this frame to its embedding window.
func (w *Window) PostToParent(data any) error {
	if w.parent == nil {
		return errors.New("window has no parent")
	}
	return w.parent.deliver(w, data)
}

func (w *Window) deliver(source *Window, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	unloaded := w.unloaded
	w.mu.Unlock()
	if unloaded {
		return ErrUnloaded
	}
	msg := Message{
		Data:         raw,
		Origin:       source.origin,
		SameDocument: source == w,
	}
	w.enqueue(func() {
		w.mu.Lock()
		listeners := make([]func(Message), 0, len(w.messageL))
		for _, fn := range w.messageL {
			listeners = append(listeners, fn)
		}
		w.mu.Unlock()
		for _, fn := range listeners {
			fn(msg)
		}
	})
	return nil
}

// Unload tears the document down: listeners, globals and queued tasks are
// dropped, the context is canceled and embedded frames unload too.
func (w *Window) Unload() {
	w.mu.Lock()
	if w.unloaded {
		w.mu.Unlock()
		return
	}
	w.unloaded = true
	w.queue = nil
	w.globals = make(map[string]any)
	w.messageL = make(map[int]func(Message))
	w.eventL = make(map[string]map[int]func())
	children := w.children
	w.children = nil
	w.mu.Unlock()

	w.cancel()
	for _, child := range children {
		child.Unload()
	}
}

func (w *Window) enqueue(task func()) {
	w.mu.Lock()
	if w.unloaded {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, task)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Window) loop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			if w.unloaded || len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			task := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()
			task()
		}
	}
}
