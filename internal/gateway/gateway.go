package gateway

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
	"github.com/talkincode/hotspotbill/internal/domain"
	"github.com/talkincode/hotspotbill/internal/metrics"
)

const (
	// MaxTimeout caps every device call
	MaxTimeout = 30 * time.Second

	MethodGet    = "GET"
	MethodPut    = "PUT"
	MethodPatch  = "PATCH"
	MethodDelete = "DELETE"
	MethodPost   = "POST"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DeviceConfig is everything needed to reach one router. It is built per call
// from the router record, nothing is cached between calls.
type DeviceConfig struct {
	Host               string
	Port               int
	UseTLS             bool
	InsecureSkipVerify bool
	Username           string
	Password           string
	Transport          string
	Timeout            time.Duration
}

// FromRouter builds the device config of a router
func FromRouter(r *domain.NetRouter, timeout time.Duration, insecure bool) DeviceConfig {
	return DeviceConfig{
		Host:               r.Host,
		Port:               r.Port,
		UseTLS:             r.UseTLS,
		InsecureSkipVerify: insecure,
		Username:           r.Username,
		Password:           r.Password,
		Transport:          r.Transport,
		Timeout:            timeout,
	}
}

func (d DeviceConfig) timeout() time.Duration {
	if d.Timeout <= 0 || d.Timeout > MaxTimeout {
		return MaxTimeout
	}
	return d.Timeout
}

func (d DeviceConfig) addr(plainPort, tlsPort int) string {
	port := d.Port
	if port <= 0 {
		port = plainPort
		if d.UseTLS {
			port = tlsPort
		}
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// Record is one router object as decoded from JSON. RouterOS renders every
// value as a string, so accessors go through cast.
type Record map[string]interface{}

func (r Record) String(key string) string {
	return cast.ToString(r[key])
}

func (r Record) Bool(key string) bool {
	return cast.ToBool(r[key])
}

// Response is a successful device reply
type Response struct {
	Status int
	Body   []byte
}

// Records decodes a list reply. A single object reply yields one record.
func (r *Response) Records() ([]Record, error) {
	body := strings.TrimSpace(string(r.Body))
	if body == "" || body == "null" {
		return nil, nil
	}
	if strings.HasPrefix(body, "{") {
		rec, err := r.Record()
		if err != nil {
			return nil, err
		}
		return []Record{rec}, nil
	}
	var out []Record
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, &Error{Kind: ProtocolError, Status: r.Status, Body: truncate(r.Body), Op: "decode", Err: err}
	}
	return out, nil
}

// Record decodes an object reply. A one element list yields that element.
func (r *Response) Record() (Record, error) {
	body := strings.TrimSpace(string(r.Body))
	if body == "" || body == "null" {
		return Record{}, nil
	}
	if strings.HasPrefix(body, "[") {
		list, err := r.Records()
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return Record{}, nil
		}
		return list[0], nil
	}
	var out Record
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, &Error{Kind: ProtocolError, Status: r.Status, Body: truncate(r.Body), Op: "decode", Err: err}
	}
	return out, nil
}

// Gateway issues one authenticated call against a router management API.
// Every error returned is a *Error, classify it with KindOf.
//
// method is one of the Method constants and path a REST style menu path
// such as /ip/hotspot/user. The RouterOS API transport translates both to
// its own command words, so callers never branch on the transport.
type Gateway interface {
	Call(ctx context.Context, dev DeviceConfig, method, path string, body interface{}) (*Response, error)
}

// Mux dispatches a call to the transport configured on the device
type Mux struct {
	rest Gateway
	api  Gateway
}

func NewMux(rest, api Gateway) *Mux {
	return &Mux{rest: rest, api: api}
}

func (m *Mux) Call(ctx context.Context, dev DeviceConfig, method, path string, body interface{}) (*Response, error) {
	var gw Gateway
	transport := dev.Transport
	switch transport {
	case "", domain.TransportREST:
		transport = domain.TransportREST
		gw = m.rest
	case domain.TransportAPI:
		gw = m.api
	}
	if gw == nil {
		return nil, &Error{Kind: ProtocolError, Op: method + " " + path, Body: fmt.Sprintf("unsupported transport %q", dev.Transport)}
	}

	start := time.Now()
	resp, err := gw.Call(ctx, dev, method, path, body)
	metrics.GatewayLatency.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = KindOf(err).String()
	}
	metrics.GatewayCalls.WithLabelValues(transport, result).Inc()
	return resp, err
}

// List fetches all objects under path
func List(ctx context.Context, gw Gateway, dev DeviceConfig, path string) ([]Record, error) {
	resp, err := gw.Call(ctx, dev, MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Records()
}

// Create adds an object under path.
//
// Returns:
//   - string: the router assigned id, see ExtractID
//   - Record: the created object as echoed by the router
//   - error: a *Error, or ErrNoIdentifier together with the record when
//     the object was created but the reply carried no id
func Create(ctx context.Context, gw Gateway, dev DeviceConfig, path string, body interface{}) (string, Record, error) {
	resp, err := gw.Call(ctx, dev, MethodPut, path, body)
	if err != nil {
		return "", nil, err
	}
	rec, err := resp.Record()
	if err != nil {
		return "", nil, err
	}
	id, err := ExtractID(rec)
	return id, rec, err
}

// Update patches the object identified by id under path. Only the keys in
// body change on the router.
func Update(ctx context.Context, gw Gateway, dev DeviceConfig, path, id string, body interface{}) error {
	_, err := gw.Call(ctx, dev, MethodPatch, path+"/"+id, body)
	return err
}

// Remove deletes the object identified by id under path. An id the router
// no longer knows fails with a NotFound *Error, see IsNotFound.
func Remove(ctx context.Context, gw Gateway, dev DeviceConfig, path, id string) error {
	_, err := gw.Call(ctx, dev, MethodDelete, path+"/"+id, nil)
	return err
}

// Probe performs a cheap read to check reachability and credentials,
// returning the router identity name.
func Probe(ctx context.Context, gw Gateway, dev DeviceConfig) (string, error) {
	resp, err := gw.Call(ctx, dev, MethodGet, "/system/identity", nil)
	if err != nil {
		return "", err
	}
	rec, err := resp.Record()
	if err != nil {
		return "", err
	}
	return rec.String("name"), nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}
