package translator

import (
	"sync"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/types"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Translator compiles service shapes into protobuf descriptors and hands
// out per-method codecs. Compiled schemas are cached by descriptor revision
// so a service replacement invalidates them without a flush call.
type Translator struct {
	strict bool

	mu       sync.RWMutex
	services map[string]*compiledService
}

type compiledService struct {
	revision uint64
	methods  map[string]*MethodCodec
}

// New creates a translator. In strict mode unknown request fields are
// rejected instead of dropped.
func New(strict bool) *Translator {
	return &Translator{
		strict:   strict,
		services: make(map[string]*compiledService),
	}
}

// Codec resolves the codec for one method of a service, compiling the
// service's shapes on first use. An unregistered method name returns
// NotFound without any backend involvement.
func (t *Translator) Codec(desc *types.ServiceDescriptor, method string) (*MethodCodec, error) {
	cs, err := t.compiled(desc)
	if err != nil {
		return nil, err
	}
	c, ok := cs.methods[method]
	if !ok {
		return nil, errdefs.New(errdefs.KindNotFound, "service %s has no method %s", desc.Name, method)
	}
	return c, nil
}

// Forget drops the compiled schema for a deregistered service
func (t *Translator) Forget(service string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.services, service)
}

func (t *Translator) compiled(desc *types.ServiceDescriptor) (*compiledService, error) {
	t.mu.RLock()
	cs, ok := t.services[desc.Name]
	t.mu.RUnlock()
	if ok && cs.revision == desc.Revision {
		return cs, nil
	}

	cs, err := t.compile(desc)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.services[desc.Name]; ok && cur.revision == desc.Revision {
		return cur, nil
	}
	t.services[desc.Name] = cs
	return cs, nil
}

func (t *Translator) compile(desc *types.ServiceDescriptor) (*compiledService, error) {
	fd, err := compileFile(desc)
	if err != nil {
		return nil, err
	}

	cs := &compiledService{
		revision: desc.Revision,
		methods:  make(map[string]*MethodCodec, len(desc.Methods)),
	}
	for _, m := range desc.Methods {
		base := camelCase(m.Name)
		reqDesc := fd.Messages().ByName(protoreflect.Name(base + "Request"))
		respDesc := fd.Messages().ByName(protoreflect.Name(base + "Response"))
		if reqDesc == nil || respDesc == nil {
			return nil, errdefs.New(errdefs.KindInternal, "compiled schema for %s is missing %s messages", desc.Name, m.Name)
		}
		cs.methods[m.Name] = &MethodCodec{
			Spec:     m,
			strict:   t.strict,
			reqDesc:  reqDesc,
			respDesc: respDesc,
		}
	}
	return cs, nil
}
