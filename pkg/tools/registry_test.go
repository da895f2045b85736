package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, args map[string]any) (string, error) {
	b, _ := json.Marshal(args)
	return string(b), nil
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Definition{
		Name:        "create_file",
		Description: "Create a file with the given contents",
		Params: []Param{
			{Name: "file_path", Type: ParamTypeString, Required: true},
			{Name: "file_contents", Type: ParamTypeString, Required: true},
		},
		Handler: echoHandler,
		XMLTag: &XMLTagSpec{
			TagName: "create-file",
			Mappings: []XMLMapping{
				{Param: "file_path", Source: XMLSourceAttribute, Node: "file_path"},
				{Param: "file_contents", Source: XMLSourceContent},
			},
		},
	})
	require.NoError(t, err)

	def, ok := r.Resolve("create_file")
	require.True(t, ok)
	assert.Equal(t, "create_file", def.Name)

	tagDef, ok := r.ResolveTag("create-file")
	require.True(t, ok)
	assert.Same(t, def, tagDef)

	_, ok = r.Resolve("unknown")
	assert.False(t, ok)
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(Definition{Name: "idle", Handler: echoHandler}))

	err := r.Register(Definition{Name: "idle", Handler: echoHandler})
	assert.ErrorContains(t, err, "already registered")

	require.NoError(t, r.Register(Definition{
		Name:    "a",
		Handler: echoHandler,
		XMLTag:  &XMLTagSpec{TagName: "shared-tag"},
	}))
	err = r.Register(Definition{
		Name:    "b",
		Handler: echoHandler,
		XMLTag:  &XMLTagSpec{TagName: "shared-tag"},
	})
	assert.ErrorContains(t, err, "already registered")
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Definition{Handler: echoHandler})
	assert.ErrorContains(t, err, "name must not be empty")

	err = r.Register(Definition{Name: "no_handler"})
	assert.ErrorContains(t, err, "no handler")

	err = r.Register(Definition{Name: "bad_tag", Handler: echoHandler, XMLTag: &XMLTagSpec{}})
	assert.ErrorContains(t, err, "without a tag name")
}

func TestRegistry_NativeDefinitions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name:        "str_replace",
		Description: "Replace a string in a file",
		Params: []Param{
			{Name: "file_path", Type: ParamTypeString, Description: "target file", Required: true},
			{Name: "old_str", Type: ParamTypeString, Required: true},
			{Name: "new_str", Type: ParamTypeString, Required: true},
			{Name: "count", Type: ParamTypeInteger},
		},
		Handler: echoHandler,
	}))

	defs := r.NativeDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "str_replace", defs[0].Name)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(defs[0].ParametersSchema), &schema))
	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, props, 4)
	filePath, ok := props["file_path"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", filePath["type"])
	assert.Equal(t, "target file", filePath["description"])

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"file_path", "old_str", "new_str"}, required)
}

func TestRegistry_XMLTags(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name:    "str_replace",
		Handler: echoHandler,
		XMLTag: &XMLTagSpec{
			TagName: "str-replace",
			Mappings: []XMLMapping{
				{Param: "file_path", Source: XMLSourceAttribute, Node: "file_path"},
				{Param: "old_str", Source: XMLSourceElement, Node: "old_str"},
				{Param: "new_str", Source: XMLSourceElement, Node: "new_str"},
			},
		},
	}))
	require.NoError(t, r.Register(Definition{Name: "no_xml", Handler: echoHandler}))

	tags := r.XMLTags()
	require.Len(t, tags, 1)
	assert.Equal(t, "str_replace", tags[0].Tool)
	assert.Equal(t, "str-replace", tags[0].TagName)
	assert.Len(t, tags[0].Mappings, 3)
}
