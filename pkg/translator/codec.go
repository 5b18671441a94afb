package translator

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/log"
	"github.com/cuemby/gantry/pkg/types"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// maxSafeInteger is the largest integer JSON numbers carry without loss;
// 64-bit values beyond it are rendered as strings.
const maxSafeInteger = 1 << 53

// MethodCodec converts between JSON bodies and the dynamic protobuf
// messages of one method. Codecs are immutable and safe for concurrent use.
type MethodCodec struct {
	Spec *types.MethodSpec

	strict   bool
	reqDesc  protoreflect.MessageDescriptor
	respDesc protoreflect.MessageDescriptor
}

// NewRequest returns an empty request message for the method
func (c *MethodCodec) NewRequest() *dynamicpb.Message {
	return dynamicpb.NewMessage(c.reqDesc)
}

// NewResponse returns an empty response message for the method
func (c *MethodCodec) NewResponse() *dynamicpb.Message {
	return dynamicpb.NewMessage(c.respDesc)
}

// EncodeRequest walks the request shape over the decoded JSON body and
// produces the typed message plus its canonical bytes. The canonical form
// is a deterministic marshal, so equal bodies always fingerprint equally.
func (c *MethodCodec) EncodeRequest(body map[string]interface{}) (*dynamicpb.Message, []byte, error) {
	msg := c.NewRequest()
	if err := c.populate(msg, c.Spec.RequestShape, body, ""); err != nil {
		return nil, nil, err
	}
	canonical, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.KindInternal, err, "marshal request for %s", c.Spec.Name)
	}
	return msg, canonical, nil
}

// DecodeRaw accepts a pre-encoded protobuf request body and re-derives its
// canonical bytes, so raw ingress fingerprints the same as JSON ingress.
func (c *MethodCodec) DecodeRaw(raw []byte) (*dynamicpb.Message, []byte, error) {
	msg := c.NewRequest()
	if err := proto.Unmarshal(raw, msg); err != nil {
		return nil, nil, errdefs.Wrap(errdefs.KindInvalidRequest, err, "invalid protobuf body for %s", c.Spec.Name)
	}
	canonical, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.KindInternal, err, "marshal request for %s", c.Spec.Name)
	}
	return msg, canonical, nil
}

// DecodeResponse renders a backend message as a JSON-ready map
func (c *MethodCodec) DecodeResponse(msg proto.Message) (map[string]interface{}, error) {
	return c.render(msg.ProtoReflect(), c.Spec.ResponseShape), nil
}

// DecodeRequest is the inverse of EncodeRequest, used when replaying a
// request body out of a stream frame.
func (c *MethodCodec) DecodeRequest(msg proto.Message) map[string]interface{} {
	return c.render(msg.ProtoReflect(), c.Spec.RequestShape)
}

func (c *MethodCodec) populate(m protoreflect.Message, shape *types.Shape, body map[string]interface{}, path string) error {
	if shape == nil {
		return nil
	}

	for name := range body {
		if shape.FieldByName(name) != nil {
			continue
		}
		if c.strict {
			return errdefs.New(errdefs.KindInvalidRequest, "unknown field %s", joinPath(path, name))
		}
		log.WithComponent("translator").Debug().
			Str("field", joinPath(path, name)).
			Str("method", c.Spec.Name).
			Msg("dropping unknown field")
	}

	fields := m.Descriptor().Fields()
	for _, f := range shape.Fields {
		v, present := body[f.Name]
		if !present || v == nil {
			if f.Default != nil {
				v = f.Default
			} else if f.Required {
				return errdefs.New(errdefs.KindInvalidRequest, "missing required field %s", joinPath(path, f.Name))
			} else {
				continue
			}
		}

		fd := fields.ByName(protoreflect.Name(f.Name))
		fieldPath := joinPath(path, f.Name)

		switch {
		case f.MapValue:
			obj, ok := v.(map[string]interface{})
			if !ok {
				return errdefs.New(errdefs.KindInvalidRequest, "field %s: expected object", fieldPath)
			}
			mp := m.Mutable(fd).Map()
			for k, ev := range obj {
				val, err := c.singleValue(f, fd.MapValue(), ev, fieldPath+"."+k)
				if err != nil {
					return err
				}
				mp.Set(protoreflect.ValueOfString(k).MapKey(), val)
			}

		case f.Repeated:
			arr, ok := v.([]interface{})
			if !ok {
				return errdefs.New(errdefs.KindInvalidRequest, "field %s: expected array", fieldPath)
			}
			list := m.Mutable(fd).List()
			for i, ev := range arr {
				val, err := c.singleValue(f, fd, ev, fieldPath+"["+strconv.Itoa(i)+"]")
				if err != nil {
					return err
				}
				list.Append(val)
			}

		case f.Type == types.FieldMessage:
			obj, ok := v.(map[string]interface{})
			if !ok {
				return errdefs.New(errdefs.KindInvalidRequest, "field %s: expected object", fieldPath)
			}
			if err := c.populate(m.Mutable(fd).Message(), f.Message, obj, fieldPath); err != nil {
				return err
			}

		default:
			val, err := c.singleValue(f, fd, v, fieldPath)
			if err != nil {
				return err
			}
			m.Set(fd, val)
		}
	}
	return nil
}

// singleValue coerces one JSON value into the field's protobuf value.
// Numeric strings coerce to numerics; strings into bytes are base64 only;
// everything else must already carry the right JSON type.
func (c *MethodCodec) singleValue(f *types.Field, fd protoreflect.FieldDescriptor, v interface{}, path string) (protoreflect.Value, error) {
	switch f.Type {
	case types.FieldBool:
		b, ok := v.(bool)
		if !ok {
			return protoreflect.Value{}, coerceErr(path, "bool", v)
		}
		return protoreflect.ValueOfBool(b), nil

	case types.FieldInt32:
		n, err := toInt64(v)
		if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
			return protoreflect.Value{}, coerceErr(path, "int32", v)
		}
		return protoreflect.ValueOfInt32(int32(n)), nil

	case types.FieldInt64:
		n, err := toInt64(v)
		if err != nil {
			return protoreflect.Value{}, coerceErr(path, "int64", v)
		}
		return protoreflect.ValueOfInt64(n), nil

	case types.FieldUint64:
		n, err := toUint64(v)
		if err != nil {
			return protoreflect.Value{}, coerceErr(path, "uint64", v)
		}
		return protoreflect.ValueOfUint64(n), nil

	case types.FieldFloat32:
		x, err := toFloat64(v)
		if err != nil {
			return protoreflect.Value{}, coerceErr(path, "float32", v)
		}
		return protoreflect.ValueOfFloat32(float32(x)), nil

	case types.FieldFloat64:
		x, err := toFloat64(v)
		if err != nil {
			return protoreflect.Value{}, coerceErr(path, "float64", v)
		}
		return protoreflect.ValueOfFloat64(x), nil

	case types.FieldString:
		s, ok := v.(string)
		if !ok {
			return protoreflect.Value{}, coerceErr(path, "string", v)
		}
		return protoreflect.ValueOfString(s), nil

	case types.FieldBytes:
		switch b := v.(type) {
		case []byte:
			return protoreflect.ValueOfBytes(b), nil
		case string:
			raw, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return protoreflect.Value{}, errdefs.New(errdefs.KindInvalidRequest,
					"field %s: bytes must be base64", path)
			}
			return protoreflect.ValueOfBytes(raw), nil
		default:
			return protoreflect.Value{}, coerceErr(path, "base64 string", v)
		}

	case types.FieldMessage:
		obj, ok := v.(map[string]interface{})
		if !ok {
			return protoreflect.Value{}, coerceErr(path, "object", v)
		}
		sub := dynamicpb.NewMessage(fd.Message())
		if err := c.populate(sub, f.Message, obj, path); err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfMessage(sub), nil

	default:
		return protoreflect.Value{}, errdefs.New(errdefs.KindInternal, "field %s: unhandled type %q", path, f.Type)
	}
}

// render walks the shape over a message and produces JSON-ready values.
// Every shape field appears in the output; proto3 zero values render as
// their JSON zero.
func (c *MethodCodec) render(m protoreflect.Message, shape *types.Shape) map[string]interface{} {
	out := make(map[string]interface{})
	if shape == nil {
		return out
	}
	fields := m.Descriptor().Fields()

	for _, f := range shape.Fields {
		fd := fields.ByName(protoreflect.Name(f.Name))
		switch {
		case f.MapValue:
			mp := m.Get(fd).Map()
			obj := make(map[string]interface{}, mp.Len())
			mp.Range(func(k protoreflect.MapKey, v protoreflect.Value) bool {
				obj[k.String()] = c.renderValue(f, fd.MapValue(), v)
				return true
			})
			out[f.Name] = obj

		case f.Repeated:
			list := m.Get(fd).List()
			arr := make([]interface{}, 0, list.Len())
			for i := 0; i < list.Len(); i++ {
				arr = append(arr, c.renderValue(f, fd, list.Get(i)))
			}
			out[f.Name] = arr

		case f.Type == types.FieldMessage:
			if !m.Has(fd) {
				out[f.Name] = nil
				continue
			}
			out[f.Name] = c.render(m.Get(fd).Message(), f.Message)

		default:
			out[f.Name] = c.renderValue(f, fd, m.Get(fd))
		}
	}
	return out
}

func (c *MethodCodec) renderValue(f *types.Field, fd protoreflect.FieldDescriptor, v protoreflect.Value) interface{} {
	switch f.Type {
	case types.FieldBool:
		return v.Bool()
	case types.FieldInt32:
		return int32(v.Int())
	case types.FieldInt64:
		n := v.Int()
		if n > maxSafeInteger || n < -maxSafeInteger {
			return strconv.FormatInt(n, 10)
		}
		return n
	case types.FieldUint64:
		n := v.Uint()
		if n > maxSafeInteger {
			return strconv.FormatUint(n, 10)
		}
		return n
	case types.FieldFloat32, types.FieldFloat64:
		return v.Float()
	case types.FieldString:
		return v.String()
	case types.FieldBytes:
		return base64.StdEncoding.EncodeToString(v.Bytes())
	case types.FieldMessage:
		return c.render(v.Message(), f.Message)
	default:
		return nil
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case float64:
		if math.Trunc(n) != n || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, strconv.ErrSyntax
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, strconv.ErrSyntax
	}
}

func toUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case float64:
		if math.Trunc(n) != n || n < 0 || n > math.MaxUint64 {
			return 0, strconv.ErrSyntax
		}
		return uint64(n), nil
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	case string:
		return strconv.ParseUint(n, 10, 64)
	case int:
		if n < 0 {
			return 0, strconv.ErrSyntax
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, strconv.ErrSyntax
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	case int:
		return float64(n), nil
	default:
		return 0, strconv.ErrSyntax
	}
}

func coerceErr(path, want string, got interface{}) error {
	return errdefs.New(errdefs.KindInvalidRequest, "field %s: cannot coerce %T to %s", path, got, want)
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
