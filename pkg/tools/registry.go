// Package tools provides the tool registry: name→handler lookup plus the
// schema metadata both tool-call dialects are driven by. Registration is
// static per run — populated before the run starts, no hot reload.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kortix-ai/agentpress/pkg/llm"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamTypeString  ParamType = "string"
	ParamTypeNumber  ParamType = "number"
	ParamTypeInteger ParamType = "integer"
	ParamTypeBoolean ParamType = "boolean"
	ParamTypeObject  ParamType = "object"
	ParamTypeArray   ParamType = "array"
)

// Param declares one tool parameter. Arguments are coerced to the declared
// type at the dispatch boundary; handlers see typed values.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// XMLNodeSource says where in a tag a parameter's value comes from.
type XMLNodeSource string

const (
	XMLSourceAttribute XMLNodeSource = "attribute" // attribute on the root tag
	XMLSourceElement   XMLNodeSource = "element"   // text of a child tag
	XMLSourceContent   XMLNodeSource = "content"   // text body of the root tag
)

// XMLMapping binds one function parameter to a node in the tag.
type XMLMapping struct {
	Param  string
	Source XMLNodeSource
	Node   string // attribute or child tag name; ignored for content
}

// XMLTagSpec declares a tool's XML surface: the recognized tag name and
// how its nodes map onto function parameters.
type XMLTagSpec struct {
	TagName  string
	Mappings []XMLMapping
}

// HandlerFunc executes a tool call. The returned string is the tool output;
// a non-nil error marks the result failed with the error message as output.
// Handlers receive ctx for cancellation; those that ignore it run to completion.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// Definition is one registered tool.
type Definition struct {
	Name        string
	Description string
	Params      []Param
	Handler     HandlerFunc
	XMLTag      *XMLTagSpec // nil if the tool has no XML surface
}

// Registry maps tool names (and XML tag names) to definitions.
type Registry struct {
	byName map[string]*Definition
	byTag  map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Definition),
		byTag:  make(map[string]*Definition),
	}
}

// Register adds a tool. Duplicate names or tag names are rejected.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	if def.XMLTag != nil {
		if def.XMLTag.TagName == "" {
			return fmt.Errorf("tool %q declares an XML surface without a tag name", def.Name)
		}
		if _, exists := r.byTag[def.XMLTag.TagName]; exists {
			return fmt.Errorf("XML tag %q already registered", def.XMLTag.TagName)
		}
	}

	d := def
	r.byName[d.Name] = &d
	if d.XMLTag != nil {
		r.byTag[d.XMLTag.TagName] = &d
	}
	return nil
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (*Definition, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// ResolveTag looks up a tool by its XML tag name.
func (r *Registry) ResolveTag(tag string) (*Definition, bool) {
	d, ok := r.byTag[tag]
	return d, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// XMLBinding pairs a tool's tag spec with the tool it invokes.
type XMLBinding struct {
	Tool string
	XMLTagSpec
}

// XMLTags returns the tag bindings of all tools with an XML surface,
// sorted by tag name.
func (r *Registry) XMLTags() []XMLBinding {
	tags := make([]XMLBinding, 0, len(r.byTag))
	for _, d := range r.byTag {
		tags = append(tags, XMLBinding{Tool: d.Name, XMLTagSpec: *d.XMLTag})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].TagName < tags[j].TagName })
	return tags
}

// NativeDefinitions renders all tools as LLM function-calling definitions
// with JSON Schema parameter descriptions, sorted by name.
func (r *Registry) NativeDefinitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.byName))
	for _, name := range r.Names() {
		d := r.byName[name]
		defs = append(defs, llm.ToolDefinition{
			Name:             d.Name,
			Description:      d.Description,
			ParametersSchema: buildParametersSchema(d.Params),
		})
	}
	return defs
}

// buildParametersSchema renders a JSON Schema object for a parameter list.
func buildParametersSchema(params []Param) string {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	// Marshaling a map of plain values cannot fail.
	b, _ := json.Marshal(schema)
	return string(b)
}
