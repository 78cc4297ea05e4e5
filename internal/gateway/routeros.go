package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-routeros/routeros/v3"
	"github.com/go-routeros/routeros/v3/proto"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

type apiSession interface {
	RunArgs(sentence []string) (*routeros.Reply, error)
	Close() error
}

type apiDialFunc func(ctx context.Context, dev DeviceConfig) (apiSession, error)

// APIGateway talks to the RouterOS binary API (8728/8729) and renders replies
// in the same JSON shape as the REST API, so callers do not care which
// transport a router uses.
type APIGateway struct {
	dial apiDialFunc
}

func NewAPIGateway() *APIGateway {
	return &APIGateway{dial: dialRouterOS}
}

func dialRouterOS(ctx context.Context, dev DeviceConfig) (apiSession, error) {
	addr := dev.addr(8728, 8729)
	timeout := dev.timeout()
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	var (
		client *routeros.Client
		err    error
	)
	if dev.UseTLS {
		client, err = routeros.DialTLSTimeout(addr, dev.Username, dev.Password,
			&tls.Config{InsecureSkipVerify: dev.InsecureSkipVerify}, timeout) //nolint:gosec
	} else {
		client, err = routeros.DialTimeout(addr, dev.Username, dev.Password, timeout)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Call translates a REST style call into an API sentence and runs it on a
// fresh session that is closed afterwards.
func (g *APIGateway) Call(ctx context.Context, dev DeviceConfig, method, path string, body interface{}) (*Response, error) {
	op := method + " " + path
	args, single, err := translate(method, path, body)
	if err != nil {
		return nil, &Error{Kind: ProtocolError, Op: op, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, dev.timeout())
	defer cancel()

	session, err := g.dial(ctx, dev)
	if err != nil {
		zap.L().Warn("routeros api dial failed",
			zap.String("namespace", "gateway"),
			zap.String("host", dev.Host),
			zap.Error(err))
		return nil, classifyAPI(op, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			zap.L().Debug("routeros api close", zap.String("host", dev.Host), zap.Error(cerr))
		}
	}()

	type result struct {
		reply *routeros.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := session.RunArgs(args)
		done <- result{reply, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &Error{Kind: Timeout, Op: op, Err: ctx.Err()}
	case res := <-done:
		if res.err != nil {
			return nil, classifyAPI(op, res.err)
		}
		if single && strings.ToUpper(method) == MethodGet && (res.reply == nil || len(res.reply.Re) == 0) {
			return nil, &Error{Kind: ProtocolError, Status: 404, Op: op, Body: "no such item"}
		}
		data, err := renderReply(method, single, res.reply)
		if err != nil {
			return nil, &Error{Kind: ProtocolError, Op: op, Err: err}
		}
		return &Response{Status: 200, Body: data}, nil
	}
}

// translate maps a REST verb and path onto an API command sentence.
//
//	GET    /ip/hotspot/user?name=x   -> /ip/hotspot/user/print ?name=x
//	GET    /ip/hotspot/user/*1       -> /ip/hotspot/user/print ?.id=*1
//	PUT    /ip/hotspot/user          -> /ip/hotspot/user/add =k=v...
//	PATCH  /ip/hotspot/user/*1       -> /ip/hotspot/user/set =.id=*1 =k=v...
//	DELETE /ip/hotspot/user/*1       -> /ip/hotspot/user/remove =.id=*1
//	POST   /ip/hotspot/enable        -> /ip/hotspot/enable =k=v...
func translate(method, path string, body interface{}) (args []string, single bool, err error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, false, err
	}
	base := strings.TrimRight(u.Path, "/")
	if base == "" || !strings.HasPrefix(base, "/") {
		return nil, false, fmt.Errorf("invalid path %q", path)
	}
	id := ""
	if i := strings.LastIndex(base, "/"); i > 0 && strings.HasPrefix(base[i+1:], "*") {
		id = base[i+1:]
		base = base[:i]
	}

	attrs, err := bodyAttrs(body)
	if err != nil {
		return nil, false, err
	}

	switch strings.ToUpper(method) {
	case MethodGet:
		args = []string{base + "/print"}
		if id != "" {
			args = append(args, "?.id="+id)
			single = true
		}
		keys := make([]string, 0, len(u.Query()))
		for k := range u.Query() {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, fmt.Sprintf("?%s=%s", k, u.Query().Get(k)))
		}
		return args, single, nil
	case MethodPut:
		return append([]string{base + "/add"}, attrs...), true, nil
	case MethodPatch:
		if id == "" {
			return nil, false, errors.New("patch requires an object id")
		}
		return append([]string{base + "/set", "=.id=" + id}, attrs...), true, nil
	case MethodDelete:
		if id == "" {
			return nil, false, errors.New("delete requires an object id")
		}
		return []string{base + "/remove", "=.id=" + id}, true, nil
	case MethodPost:
		if id != "" {
			attrs = append([]string{"=.id=" + id}, attrs...)
		}
		return append([]string{base}, attrs...), true, nil
	}
	return nil, false, fmt.Errorf("unsupported method %s", method)
}

func bodyAttrs(body interface{}) ([]string, error) {
	if body == nil {
		return nil, nil
	}
	m, err := cast.ToStringMapE(body)
	if err != nil {
		// structs go through a JSON round trip
		data, jerr := json.Marshal(body)
		if jerr != nil {
			return nil, jerr
		}
		m = map[string]interface{}{}
		if jerr = json.Unmarshal(data, &m); jerr != nil {
			return nil, fmt.Errorf("body must be an object: %w", err)
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("=%s=%s", k, cast.ToString(m[k])))
	}
	return attrs, nil
}

// renderReply turns !re sentences into a JSON list, or a single object for
// item reads and mutations. The id of an added item arrives as "ret" in the
// !done sentence.
func renderReply(method string, single bool, reply *routeros.Reply) ([]byte, error) {
	if reply == nil {
		reply = &routeros.Reply{}
	}
	if strings.ToUpper(method) == MethodGet && !single {
		list := make([]map[string]string, 0, len(reply.Re))
		for _, re := range reply.Re {
			list = append(list, sentenceMap(re))
		}
		return json.Marshal(list)
	}
	if len(reply.Re) > 0 {
		return json.Marshal(sentenceMap(reply.Re[0]))
	}
	return json.Marshal(sentenceMap(reply.Done))
}

func sentenceMap(s *proto.Sentence) map[string]string {
	out := map[string]string{}
	if s == nil {
		return out
	}
	if s.Map != nil {
		for k, v := range s.Map {
			out[k] = v
		}
		return out
	}
	for _, p := range s.List {
		out[p.Key] = p.Value
	}
	return out
}

func classifyAPI(op string, err error) *Error {
	var devErr *routeros.DeviceError
	if errors.As(err, &devErr) {
		msg := ""
		if devErr.Sentence != nil {
			msg = devErr.Sentence.Map["message"]
		}
		lower := strings.ToLower(msg + " " + err.Error())
		switch {
		case strings.Contains(lower, "invalid user name or password"),
			strings.Contains(lower, "cannot log in"),
			strings.Contains(lower, "not logged in"):
			return &Error{Kind: AuthenticationFailed, Op: op, Body: msg, Err: err}
		case strings.Contains(lower, "no such item"):
			return &Error{Kind: ProtocolError, Status: 404, Op: op, Body: msg, Err: err}
		}
		return &Error{Kind: ProtocolError, Status: 400, Op: op, Body: msg, Err: err}
	}
	return classify(op, err)
}
