package translator

import (
	"strings"
	"unicode"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/types"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// schemaPackage is the proto package all compiled shapes live in
const schemaPackage = "gantry.dyn"

// compileFile turns every method shape of a service into one synthetic
// FileDescriptorProto and resolves it. Message names are derived from the
// method name: SayRequest / SayResponse.
func compileFile(desc *types.ServiceDescriptor) (protoreflect.FileDescriptor, error) {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(sanitizeFileName(desc.Name) + ".proto"),
		Package: proto.String(schemaPackage),
		Syntax:  proto.String("proto3"),
	}

	for _, m := range desc.Methods {
		base := camelCase(m.Name)
		req, err := buildMessage(base+"Request", m.RequestShape)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidRequest, err, "method %s request shape", m.Name)
		}
		resp, err := buildMessage(base+"Response", m.ResponseShape)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindInvalidRequest, err, "method %s response shape", m.Name)
		}
		fdp.MessageType = append(fdp.MessageType, req, resp)
	}

	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "compile schema for %s", desc.Name)
	}
	return fd, nil
}

// buildMessage converts a Shape into a DescriptorProto. Field numbers are
// assigned in declaration order starting at 1; nested message shapes become
// nested types.
func buildMessage(name string, shape *types.Shape) (*descriptorpb.DescriptorProto, error) {
	msg := &descriptorpb.DescriptorProto{Name: proto.String(name)}
	if shape == nil {
		return msg, nil
	}

	for i, f := range shape.Fields {
		if f.Name == "" {
			return nil, errdefs.New(errdefs.KindInvalidRequest, "field %d: name is required", i+1)
		}
		if f.Repeated && f.MapValue {
			return nil, errdefs.New(errdefs.KindInvalidRequest, "field %s: repeated and map_value are exclusive", f.Name)
		}

		fdp := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(f.Name),
			Number: proto.Int32(int32(i + 1)),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		}
		if f.Repeated {
			fdp.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
		}

		wire, ok := wireType(f.Type)
		if !ok {
			return nil, errdefs.New(errdefs.KindInvalidRequest, "field %s: unknown type %q", f.Name, f.Type)
		}

		switch {
		case f.MapValue:
			// map<string, V> compiles to a repeated synthetic entry message
			// per the protoc convention.
			entry := &descriptorpb.DescriptorProto{
				Name: proto.String(camelCase(f.Name) + "Entry"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{
						Name:   proto.String("key"),
						Number: proto.Int32(1),
						Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
					},
					{
						Name:   proto.String("value"),
						Number: proto.Int32(2),
						Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						Type:   wire.Enum(),
					},
				},
				Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
			}
			if f.Type == types.FieldMessage {
				valName, err := appendNested(msg, name, camelCase(f.Name)+"Value", f.Message)
				if err != nil {
					return nil, err
				}
				entry.Field[1].TypeName = proto.String(valName)
			}
			msg.NestedType = append(msg.NestedType, entry)
			fdp.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
			fdp.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
			fdp.TypeName = proto.String("." + schemaPackage + "." + name + "." + entry.GetName())

		case f.Type == types.FieldMessage:
			nestedName, err := appendNested(msg, name, camelCase(f.Name), f.Message)
			if err != nil {
				return nil, err
			}
			fdp.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
			fdp.TypeName = proto.String(nestedName)

		default:
			fdp.Type = wire.Enum()
		}

		msg.Field = append(msg.Field, fdp)
	}
	return msg, nil
}

// appendNested compiles a nested shape under the parent message and returns
// its fully qualified type name.
func appendNested(parent *descriptorpb.DescriptorProto, parentName, name string, shape *types.Shape) (string, error) {
	if shape == nil {
		return "", errdefs.New(errdefs.KindInvalidRequest, "message field %s: message shape is required", name)
	}
	nested, err := buildMessage(name, shape)
	if err != nil {
		return "", err
	}
	parent.NestedType = append(parent.NestedType, nested)
	return "." + schemaPackage + "." + parentName + "." + name, nil
}

func wireType(t types.FieldType) (descriptorpb.FieldDescriptorProto_Type, bool) {
	switch t {
	case types.FieldBool:
		return descriptorpb.FieldDescriptorProto_TYPE_BOOL, true
	case types.FieldInt32:
		return descriptorpb.FieldDescriptorProto_TYPE_INT32, true
	case types.FieldInt64:
		return descriptorpb.FieldDescriptorProto_TYPE_INT64, true
	case types.FieldUint64:
		return descriptorpb.FieldDescriptorProto_TYPE_UINT64, true
	case types.FieldFloat32:
		return descriptorpb.FieldDescriptorProto_TYPE_FLOAT, true
	case types.FieldFloat64:
		return descriptorpb.FieldDescriptorProto_TYPE_DOUBLE, true
	case types.FieldString:
		return descriptorpb.FieldDescriptorProto_TYPE_STRING, true
	case types.FieldBytes:
		return descriptorpb.FieldDescriptorProto_TYPE_BYTES, true
	case types.FieldMessage:
		return descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, true
	default:
		return 0, false
	}
}

// camelCase turns "user_name" or "get-user" into "UserName" / "GetUser"
func camelCase(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sanitizeFileName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
