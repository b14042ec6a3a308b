// Package dispatch routes inbound method calls to registered handlers.
//
// Handlers are keyed by (object path, interface, member). Three handler
// shapes exist: plain methods, property getters and property setters; the
// property pair is surfaced to peers through the Get and Set members of
// the standard properties interface.
//
//	HandleCall → middleware chain → route (method or property) → reply message
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"wirebus/codec"
	"wirebus/message"
	"wirebus/middleware"
	"wirebus/signature"
)

// PropertiesInterface is where registered properties are exposed:
// Get(interface, name) returns a variant, Set(interface, name, value)
// stores one.
const PropertiesInterface = "bus.Properties"

// Error lets a handler choose the error name of its failure reply. Any
// other error becomes a Failed reply with the error text as body.
type Error struct {
	Name string
	Text string
}

func (e *Error) Error() string { return e.Name + ": " + e.Text }

// Method is a callable member. In is checked against the call body's
// signature before Fn runs; Out frames the returned values.
type Method struct {
	In  signature.Sig
	Out signature.Sig
	Fn  func(ctx context.Context, args []any) ([]any, error)
}

// PropertyGetter produces the current value of a property.
type PropertyGetter func(ctx context.Context) (codec.Variant, error)

// PropertySetter stores a new value for a property.
type PropertySetter func(ctx context.Context, v codec.Variant) error

type methodKey struct {
	path   codec.ObjectPath
	iface  string
	member string
}

type property struct {
	get PropertyGetter
	set PropertySetter
}

// Registry holds the handler tables for one endpoint.
type Registry struct {
	log *zap.Logger

	mu      sync.RWMutex
	methods map[methodKey]*Method
	props   map[methodKey]*property
	paths   map[codec.ObjectPath]int

	middlewares []middleware.Middleware
	buildOnce   sync.Once
	handler     middleware.HandlerFunc
}

// NewRegistry creates an empty handler registry. A nil logger disables
// logging.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:     log,
		methods: make(map[methodKey]*Method),
		props:   make(map[methodKey]*property),
		paths:   make(map[codec.ObjectPath]int),
	}
}

// Use appends a middleware. All registrations must happen before the
// first call is handled; the chain is built once.
func (r *Registry) Use(mw middleware.Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

// RegisterMethod exposes m as member on iface at path.
func (r *Registry) RegisterMethod(path codec.ObjectPath, iface, member string, m *Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := methodKey{path, iface, member}
	if _, dup := r.methods[key]; !dup {
		r.paths[path]++
	}
	r.methods[key] = m
}

// RegisterProperty exposes a property on iface at path. A nil setter
// makes it read-only.
func (r *Registry) RegisterProperty(path codec.ObjectPath, iface, name string, get PropertyGetter, set PropertySetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := methodKey{path, iface, name}
	if _, dup := r.props[key]; !dup {
		r.paths[path]++
	}
	r.props[key] = &property{get: get, set: set}
}

// HandleCall runs call through the middleware chain and the router,
// returning the reply message or nil when none should be sent.
func (r *Registry) HandleCall(ctx context.Context, call *message.Message) *message.Message {
	r.buildOnce.Do(func() {
		r.handler = middleware.Chain(r.middlewares...)(r.route)
	})
	reply := r.handler(ctx, call)
	if call.Flags&message.FlagNoReplyExpected != 0 {
		return nil
	}
	return reply
}

// UnknownMethodReply is the reply for calls no handler claims.
func UnknownMethodReply(call *message.Message) *message.Message {
	return message.NewErrorReply(call, message.ErrNameUnknownMethod,
		"no handler for "+call.Interface()+"."+call.Member())
}

// route resolves the call target and invokes it.
func (r *Registry) route(ctx context.Context, call *message.Message) *message.Message {
	if call.Interface() == PropertiesInterface {
		return r.routeProperty(ctx, call)
	}

	key := methodKey{call.Path(), call.Interface(), call.Member()}
	r.mu.RLock()
	m := r.methods[key]
	known := r.paths[key.path] > 0
	r.mu.RUnlock()
	if m == nil {
		if !known {
			return message.NewErrorReply(call, message.ErrNameUnknownObject,
				"no object at "+string(call.Path()))
		}
		return UnknownMethodReply(call)
	}

	sig, _ := call.BodySignature()
	if sig.String() != m.In.String() {
		return message.NewErrorReply(call, message.ErrNameInvalidArgs,
			"expected signature "+m.In.String()+", got "+sig.String())
	}
	args, err := call.BodyValues()
	if err != nil {
		return message.NewErrorReply(call, message.ErrNameInvalidArgs, err.Error())
	}

	out, err := m.Fn(ctx, args)
	if err != nil {
		return errorReply(call, err)
	}
	return returnReply(call, m.Out, out)
}

// routeProperty serves Get and Set on the properties interface. The call
// body carries the target interface and property name, so the path plus
// those two strings select the property.
func (r *Registry) routeProperty(ctx context.Context, call *message.Message) *message.Message {
	args, err := call.BodyValues()
	if err != nil {
		return message.NewErrorReply(call, message.ErrNameInvalidArgs, err.Error())
	}

	switch call.Member() {
	case "Get":
		iface, name, ok := propertyTarget(args, 2)
		if !ok {
			return message.NewErrorReply(call, message.ErrNameInvalidArgs, "Get takes (interface, name)")
		}
		p := r.lookupProperty(call.Path(), iface, name)
		if p == nil || p.get == nil {
			return message.NewErrorReply(call, message.ErrNameUnknownProperty,
				"no readable property "+iface+"."+name)
		}
		v, err := p.get(ctx)
		if err != nil {
			return errorReply(call, err)
		}
		return returnReply(call, variantSig, []any{v})

	case "Set":
		iface, name, ok := propertyTarget(args, 3)
		if !ok {
			return message.NewErrorReply(call, message.ErrNameInvalidArgs, "Set takes (interface, name, value)")
		}
		v, ok := args[2].(codec.Variant)
		if !ok {
			return message.NewErrorReply(call, message.ErrNameInvalidArgs, "Set value must be a variant")
		}
		p := r.lookupProperty(call.Path(), iface, name)
		if p == nil {
			return message.NewErrorReply(call, message.ErrNameUnknownProperty,
				"no property "+iface+"."+name)
		}
		if p.set == nil {
			return message.NewErrorReply(call, message.ErrNamePropertyReadOnly,
				iface+"."+name+" is read-only")
		}
		if err := p.set(ctx, v); err != nil {
			return errorReply(call, err)
		}
		return message.NewReturn(call.Serial)

	default:
		return UnknownMethodReply(call)
	}
}

var variantSig = signature.MustParse("v")

func (r *Registry) lookupProperty(path codec.ObjectPath, iface, name string) *property {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.props[methodKey{path, iface, name}]
}

func propertyTarget(args []any, want int) (iface, name string, ok bool) {
	if len(args) != want {
		return "", "", false
	}
	iface, iok := args[0].(string)
	name, nok := args[1].(string)
	return iface, name, iok && nok
}

func errorReply(call *message.Message, err error) *message.Message {
	if de, ok := err.(*Error); ok {
		return message.NewErrorReply(call, de.Name, de.Text)
	}
	return message.NewErrorReply(call, message.ErrNameFailed, err.Error())
}

func returnReply(call *message.Message, out signature.Sig, values []any) *message.Message {
	reply := message.NewReturn(call.Serial)
	if !out.Empty() {
		if err := reply.SetBody(out, values...); err != nil {
			return message.NewErrorReply(call, message.ErrNameFailed, err.Error())
		}
	}
	return reply
}
