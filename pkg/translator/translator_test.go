package translator

import (
	"testing"

	"github.com/cuemby/gantry/pkg/errdefs"
	"github.com/cuemby/gantry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/reflect/protoreflect"
)

func userService() *types.ServiceDescriptor {
	return &types.ServiceDescriptor{
		Name:     "user-service",
		Revision: 1,
		Methods: []*types.MethodSpec{{
			Name:        "getUser",
			GRPCService: "user.v1.UserService",
			GRPCMethod:  "GetUser",
			CallKind:    types.CallUnary,
			RequestShape: &types.Shape{Fields: []*types.Field{
				{Name: "id", Type: types.FieldString, Required: true},
				{Name: "limit", Type: types.FieldInt32, Default: 10},
				{Name: "include_posts", Type: types.FieldBool},
				{Name: "tags", Type: types.FieldString, Repeated: true},
				{Name: "attrs", Type: types.FieldString, MapValue: true},
				{Name: "filter", Type: types.FieldMessage, Message: &types.Shape{Fields: []*types.Field{
					{Name: "min_age", Type: types.FieldInt64},
				}}},
			}},
			ResponseShape: &types.Shape{Fields: []*types.Field{
				{Name: "name", Type: types.FieldString},
				{Name: "age", Type: types.FieldInt64},
				{Name: "avatar", Type: types.FieldBytes},
				{Name: "score", Type: types.FieldFloat64},
			}},
			RestPatterns: []types.RestPattern{{HTTPMethod: "GET", Path: "/user-service/users/{id}"}},
		}},
	}
}

func TestEncodeBasic(t *testing.T) {
	tr := New(false)
	c, err := tr.Codec(userService(), "getUser")
	require.NoError(t, err)

	msg, canonical, err := c.EncodeRequest(map[string]interface{}{
		"id":            "u1",
		"include_posts": true,
		"tags":          []interface{}{"a", "b"},
		"attrs":         map[string]interface{}{"k": "v"},
		"filter":        map[string]interface{}{"min_age": float64(21)},
	})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.NotEmpty(t, canonical)

	// Round-trip through the request renderer to inspect typed values.
	got := c.DecodeRequest(msg)
	assert.Equal(t, "u1", got["id"])
	assert.Equal(t, true, got["include_posts"])
	assert.Equal(t, []interface{}{"a", "b"}, got["tags"])
	assert.Equal(t, map[string]interface{}{"k": "v"}, got["attrs"])
	assert.Equal(t, map[string]interface{}{"min_age": int64(21)}, got["filter"])
	// Default applied for the absent limit field.
	assert.Equal(t, int32(10), got["limit"])
}

func TestEncodeCoercions(t *testing.T) {
	tr := New(false)
	c, err := tr.Codec(userService(), "getUser")
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    map[string]interface{}
		wantErr bool
	}{
		{"numeric string to int", map[string]interface{}{"id": "u1", "limit": "25"}, false},
		{"float to int integral", map[string]interface{}{"id": "u1", "limit": float64(25)}, false},
		{"float to int fractional", map[string]interface{}{"id": "u1", "limit": 2.5}, true},
		{"bool to int", map[string]interface{}{"id": "u1", "limit": true}, true},
		{"number to string", map[string]interface{}{"id": float64(7)}, true},
		{"string to bool", map[string]interface{}{"id": "u1", "include_posts": "true"}, true},
		{"int32 overflow", map[string]interface{}{"id": "u1", "limit": "3000000000"}, true},
		{"scalar for array", map[string]interface{}{"id": "u1", "tags": "a"}, true},
		{"scalar for map", map[string]interface{}{"id": "u1", "attrs": "a"}, true},
		{"scalar for message", map[string]interface{}{"id": "u1", "filter": "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.EncodeRequest(tt.body)
			if tt.wantErr {
				assert.True(t, errdefs.Is(err, errdefs.KindInvalidRequest), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEncodeMissingRequired(t *testing.T) {
	tr := New(false)
	c, err := tr.Codec(userService(), "getUser")
	require.NoError(t, err)

	_, _, err = c.EncodeRequest(map[string]interface{}{"limit": float64(5)})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidRequest))
	assert.Contains(t, err.Error(), "id")
}

func TestEncodeUnknownFields(t *testing.T) {
	body := map[string]interface{}{"id": "u1", "bogus": 1}

	// Default mode drops the field.
	c, err := New(false).Codec(userService(), "getUser")
	require.NoError(t, err)
	_, _, err = c.EncodeRequest(body)
	assert.NoError(t, err)

	// Strict mode rejects it.
	c, err = New(true).Codec(userService(), "getUser")
	require.NoError(t, err)
	_, _, err = c.EncodeRequest(body)
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidRequest))
	assert.Contains(t, err.Error(), "bogus")
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	tr := New(false)
	c, err := tr.Codec(userService(), "getUser")
	require.NoError(t, err)

	body := func() map[string]interface{} {
		return map[string]interface{}{
			"id":    "u1",
			"attrs": map[string]interface{}{"z": "1", "a": "2", "m": "3"},
			"tags":  []interface{}{"x", "y"},
		}
	}

	_, first, err := c.EncodeRequest(body())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, next, err := c.EncodeRequest(body())
		require.NoError(t, err)
		assert.Equal(t, first, next)
	}
}

func TestBytesBase64Only(t *testing.T) {
	desc := &types.ServiceDescriptor{
		Name:     "blob",
		Revision: 1,
		Methods: []*types.MethodSpec{{
			Name:        "put",
			GRPCService: "blob.v1.Blob",
			GRPCMethod:  "Put",
			CallKind:    types.CallUnary,
			RequestShape: &types.Shape{Fields: []*types.Field{
				{Name: "data", Type: types.FieldBytes},
			}},
			RestPatterns: []types.RestPattern{{HTTPMethod: "POST", Path: "/blob/put"}},
		}},
	}
	c, err := New(false).Codec(desc, "put")
	require.NoError(t, err)

	_, _, err = c.EncodeRequest(map[string]interface{}{"data": "aGVsbG8="})
	assert.NoError(t, err)

	_, _, err = c.EncodeRequest(map[string]interface{}{"data": "not base64!!"})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidRequest))
}

func TestDecodeResponseRendering(t *testing.T) {
	tr := New(false)
	c, err := tr.Codec(userService(), "getUser")
	require.NoError(t, err)

	resp := c.NewResponse()
	fields := resp.Descriptor().Fields()
	resp.Set(fields.ByName("name"), protoreflect.ValueOfString("Ada"))
	resp.Set(fields.ByName("age"), protoreflect.ValueOfInt64(1<<54))
	resp.Set(fields.ByName("avatar"), protoreflect.ValueOfBytes([]byte("hi")))
	resp.Set(fields.ByName("score"), protoreflect.ValueOfFloat64(0.5))

	got, err := c.DecodeResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["name"])
	// Past the safe-integer range int64 renders as a string.
	assert.Equal(t, "18014398509481984", got["age"])
	assert.Equal(t, "aGk=", got["avatar"])
	assert.Equal(t, 0.5, got["score"])
}

func TestUnknownMethodIsNotFound(t *testing.T) {
	tr := New(false)
	_, err := tr.Codec(userService(), "deleteUser")
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.KindNotFound))
}

func TestCompiledCacheInvalidatesOnRevision(t *testing.T) {
	tr := New(false)
	desc := userService()

	c1, err := tr.Codec(desc, "getUser")
	require.NoError(t, err)
	c1b, err := tr.Codec(desc, "getUser")
	require.NoError(t, err)
	assert.Same(t, c1, c1b)

	// A replaced descriptor carries a new revision; the codec recompiles.
	desc2 := userService()
	desc2.Revision = 2
	c2, err := tr.Codec(desc2, "getUser")
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
}

func TestForget(t *testing.T) {
	tr := New(false)
	desc := userService()
	_, err := tr.Codec(desc, "getUser")
	require.NoError(t, err)

	tr.Forget("user-service")
	tr.mu.RLock()
	_, ok := tr.services["user-service"]
	tr.mu.RUnlock()
	assert.False(t, ok)
}
