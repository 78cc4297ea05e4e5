// Package gatewaytest provides a scriptable in-memory router for tests.
package gatewaytest

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/talkincode/hotspotbill/internal/gateway"
)

// Call one recorded router call
type Call struct {
	Method string
	Path   string
	Body   interface{}
}

// BodyMap returns the call body as a string map
func (c Call) BodyMap() map[string]string {
	out := map[string]string{}
	data, err := jsoniter.Marshal(c.Body)
	if err != nil {
		return out
	}
	_ = jsoniter.Unmarshal(data, &out)
	return out
}

type HandlerFunc func(call Call) (*gateway.Response, error)

// Fake answers calls from routes keyed by "METHOD path". Unrouted calls get a 404.
type Fake struct {
	mu     sync.Mutex
	routes map[string]HandlerFunc
	calls  []Call
}

func New() *Fake {
	return &Fake{routes: map[string]HandlerFunc{}}
}

// On routes method and path to h, replacing any previous route
func (f *Fake) On(method, path string, h HandlerFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" "+path] = h
	return f
}

// OnJSON answers method and path with v encoded as JSON
func (f *Fake) OnJSON(method, path string, v interface{}) *Fake {
	return f.On(method, path, func(Call) (*gateway.Response, error) {
		return JSON(v)
	})
}

// Fail answers method and path with a gateway error
func (f *Fake) Fail(method, path string, kind gateway.Kind, status int) *Fake {
	return f.On(method, path, func(c Call) (*gateway.Response, error) {
		return nil, &gateway.Error{Kind: kind, Status: status, Op: c.Method + " " + c.Path}
	})
}

func (f *Fake) Call(ctx context.Context, _ gateway.DeviceConfig, method, path string, body interface{}) (*gateway.Response, error) {
	call := Call{Method: method, Path: path, Body: body}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	h, ok := f.routes[method+" "+path]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &gateway.Error{Kind: gateway.Timeout, Op: method + " " + path, Err: err}
	}
	if !ok {
		return nil, &gateway.Error{Kind: gateway.ProtocolError, Status: 404, Op: method + " " + path, Body: "no such item"}
	}
	return h(call)
}

// Calls returns a copy of every call seen so far
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many calls matched method and path
func (f *Fake) Count(method, path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

// JSON builds a 200 response carrying v
func JSON(v interface{}) (*gateway.Response, error) {
	data, err := jsoniter.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &gateway.Response{Status: 200, Body: data}, nil
}
