// Code generated by ent, DO NOT EDIT.

package ent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/sqlgraph"
	"entgo.io/ent/dialect/sql/sqljson"
	"entgo.io/ent/schema/field"
	"github.com/kortix-ai/agentpress/ent/message"
	"github.com/kortix-ai/agentpress/ent/predicate"
)

// MessageUpdate is the builder for updating Message entities.
type MessageUpdate struct {
	config
	hooks    []Hook
	mutation *MessageMutation
}

// Where appends a list predicates to the MessageUpdate builder.
func (_u *MessageUpdate) Where(ps ...predicate.Message) *MessageUpdate {
	_u.mutation.Where(ps...)
	return _u
}

// SetKind sets the "kind" field.
func (_u *MessageUpdate) SetKind(v message.Kind) *MessageUpdate {
	_u.mutation.SetKind(v)
	return _u
}

// SetNillableKind sets the "kind" field if the given value is not nil.
func (_u *MessageUpdate) SetNillableKind(v *message.Kind) *MessageUpdate {
	if v != nil {
		_u.SetKind(*v)
	}
	return _u
}

// SetContent sets the "content" field.
func (_u *MessageUpdate) SetContent(v string) *MessageUpdate {
	_u.mutation.SetContent(v)
	return _u
}

// SetNillableContent sets the "content" field if the given value is not nil.
func (_u *MessageUpdate) SetNillableContent(v *string) *MessageUpdate {
	if v != nil {
		_u.SetContent(*v)
	}
	return _u
}

// SetIsLlmVisible sets the "is_llm_visible" field.
func (_u *MessageUpdate) SetIsLlmVisible(v bool) *MessageUpdate {
	_u.mutation.SetIsLlmVisible(v)
	return _u
}

// SetNillableIsLlmVisible sets the "is_llm_visible" field if the given value is not nil.
func (_u *MessageUpdate) SetNillableIsLlmVisible(v *bool) *MessageUpdate {
	if v != nil {
		_u.SetIsLlmVisible(*v)
	}
	return _u
}

// SetToolCalls sets the "tool_calls" field.
func (_u *MessageUpdate) SetToolCalls(v []map[string]interface{}) *MessageUpdate {
	_u.mutation.SetToolCalls(v)
	return _u
}

// AppendToolCalls appends value to the "tool_calls" field.
func (_u *MessageUpdate) AppendToolCalls(v []map[string]interface{}) *MessageUpdate {
	_u.mutation.AppendToolCalls(v)
	return _u
}

// ClearToolCalls clears the value of the "tool_calls" field.
func (_u *MessageUpdate) ClearToolCalls() *MessageUpdate {
	_u.mutation.ClearToolCalls()
	return _u
}

// SetToolCallID sets the "tool_call_id" field.
func (_u *MessageUpdate) SetToolCallID(v string) *MessageUpdate {
	_u.mutation.SetToolCallID(v)
	return _u
}

// SetNillableToolCallID sets the "tool_call_id" field if the given value is not nil.
func (_u *MessageUpdate) SetNillableToolCallID(v *string) *MessageUpdate {
	if v != nil {
		_u.SetToolCallID(*v)
	}
	return _u
}

// ClearToolCallID clears the value of the "tool_call_id" field.
func (_u *MessageUpdate) ClearToolCallID() *MessageUpdate {
	_u.mutation.ClearToolCallID()
	return _u
}

// SetToolName sets the "tool_name" field.
func (_u *MessageUpdate) SetToolName(v string) *MessageUpdate {
	_u.mutation.SetToolName(v)
	return _u
}

// SetNillableToolName sets the "tool_name" field if the given value is not nil.
func (_u *MessageUpdate) SetNillableToolName(v *string) *MessageUpdate {
	if v != nil {
		_u.SetToolName(*v)
	}
	return _u
}

// ClearToolName clears the value of the "tool_name" field.
func (_u *MessageUpdate) ClearToolName() *MessageUpdate {
	_u.mutation.ClearToolName()
	return _u
}

// SetSuccess sets the "success" field.
func (_u *MessageUpdate) SetSuccess(v bool) *MessageUpdate {
	_u.mutation.SetSuccess(v)
	return _u
}

// SetNillableSuccess sets the "success" field if the given value is not nil.
func (_u *MessageUpdate) SetNillableSuccess(v *bool) *MessageUpdate {
	if v != nil {
		_u.SetSuccess(*v)
	}
	return _u
}

// ClearSuccess clears the value of the "success" field.
func (_u *MessageUpdate) ClearSuccess() *MessageUpdate {
	_u.mutation.ClearSuccess()
	return _u
}

// SetCoversUntil sets the "covers_until" field.
func (_u *MessageUpdate) SetCoversUntil(v time.Time) *MessageUpdate {
	_u.mutation.SetCoversUntil(v)
	return _u
}

// SetNillableCoversUntil sets the "covers_until" field if the given value is not nil.
func (_u *MessageUpdate) SetNillableCoversUntil(v *time.Time) *MessageUpdate {
	if v != nil {
		_u.SetCoversUntil(*v)
	}
	return _u
}

// ClearCoversUntil clears the value of the "covers_until" field.
func (_u *MessageUpdate) ClearCoversUntil() *MessageUpdate {
	_u.mutation.ClearCoversUntil()
	return _u
}

// SetMetadata sets the "metadata" field.
func (_u *MessageUpdate) SetMetadata(v map[string]interface{}) *MessageUpdate {
	_u.mutation.SetMetadata(v)
	return _u
}

// ClearMetadata clears the value of the "metadata" field.
func (_u *MessageUpdate) ClearMetadata() *MessageUpdate {
	_u.mutation.ClearMetadata()
	return _u
}

// Mutation returns the MessageMutation object of the builder.
func (_u *MessageUpdate) Mutation() *MessageMutation {
	return _u.mutation
}

// Save executes the query and returns the number of nodes affected by the update operation.
func (_u *MessageUpdate) Save(ctx context.Context) (int, error) {
	return withHooks(ctx, _u.sqlSave, _u.mutation, _u.hooks)
}

// SaveX is like Save, but panics if an error occurs.
func (_u *MessageUpdate) SaveX(ctx context.Context) int {
	affected, err := _u.Save(ctx)
	if err != nil {
		panic(err)
	}
	return affected
}

// Exec executes the query.
func (_u *MessageUpdate) Exec(ctx context.Context) error {
	_, err := _u.Save(ctx)
	return err
}

// ExecX is like Exec, but panics if an error occurs.
func (_u *MessageUpdate) ExecX(ctx context.Context) {
	if err := _u.Exec(ctx); err != nil {
		panic(err)
	}
}

// check runs all checks and user-defined validators on the builder.
func (_u *MessageUpdate) check() error {
	if v, ok := _u.mutation.Kind(); ok {
		if err := message.KindValidator(v); err != nil {
			return &ValidationError{Name: "kind", err: fmt.Errorf(`ent: validator failed for field "Message.kind": %w`, err)}
		}
	}
	if _u.mutation.ThreadCleared() && len(_u.mutation.ThreadIDs()) > 0 {
		return errors.New(`ent: clearing a required unique edge "Message.thread"`)
	}
	return nil
}

func (_u *MessageUpdate) sqlSave(ctx context.Context) (_node int, err error) {
	if err := _u.check(); err != nil {
		return _node, err
	}
	_spec := sqlgraph.NewUpdateSpec(message.Table, message.Columns, sqlgraph.NewFieldSpec(message.FieldID, field.TypeString))
	if ps := _u.mutation.predicates; len(ps) > 0 {
		_spec.Predicate = func(selector *sql.Selector) {
			for i := range ps {
				ps[i](selector)
			}
		}
	}
	if value, ok := _u.mutation.Kind(); ok {
		_spec.SetField(message.FieldKind, field.TypeEnum, value)
	}
	if value, ok := _u.mutation.Content(); ok {
		_spec.SetField(message.FieldContent, field.TypeString, value)
	}
	if value, ok := _u.mutation.IsLlmVisible(); ok {
		_spec.SetField(message.FieldIsLlmVisible, field.TypeBool, value)
	}
	if value, ok := _u.mutation.ToolCalls(); ok {
		_spec.SetField(message.FieldToolCalls, field.TypeJSON, value)
	}
	if value, ok := _u.mutation.AppendedToolCalls(); ok {
		_spec.AddModifier(func(u *sql.UpdateBuilder) {
			sqljson.Append(u, message.FieldToolCalls, value)
		})
	}
	if _u.mutation.ToolCallsCleared() {
		_spec.ClearField(message.FieldToolCalls, field.TypeJSON)
	}
	if value, ok := _u.mutation.ToolCallID(); ok {
		_spec.SetField(message.FieldToolCallID, field.TypeString, value)
	}
	if _u.mutation.ToolCallIDCleared() {
		_spec.ClearField(message.FieldToolCallID, field.TypeString)
	}
	if value, ok := _u.mutation.ToolName(); ok {
		_spec.SetField(message.FieldToolName, field.TypeString, value)
	}
	if _u.mutation.ToolNameCleared() {
		_spec.ClearField(message.FieldToolName, field.TypeString)
	}
	if value, ok := _u.mutation.Success(); ok {
		_spec.SetField(message.FieldSuccess, field.TypeBool, value)
	}
	if _u.mutation.SuccessCleared() {
		_spec.ClearField(message.FieldSuccess, field.TypeBool)
	}
	if value, ok := _u.mutation.CoversUntil(); ok {
		_spec.SetField(message.FieldCoversUntil, field.TypeTime, value)
	}
	if _u.mutation.CoversUntilCleared() {
		_spec.ClearField(message.FieldCoversUntil, field.TypeTime)
	}
	if value, ok := _u.mutation.Metadata(); ok {
		_spec.SetField(message.FieldMetadata, field.TypeJSON, value)
	}
	if _u.mutation.MetadataCleared() {
		_spec.ClearField(message.FieldMetadata, field.TypeJSON)
	}
	if _node, err = sqlgraph.UpdateNodes(ctx, _u.driver, _spec); err != nil {
		if _, ok := err.(*sqlgraph.NotFoundError); ok {
			err = &NotFoundError{message.Label}
		} else if sqlgraph.IsConstraintError(err) {
			err = &ConstraintError{msg: err.Error(), wrap: err}
		}
		return 0, err
	}
	_u.mutation.done = true
	return _node, nil
}

// MessageUpdateOne is the builder for updating a single Message entity.
type MessageUpdateOne struct {
	config
	fields   []string
	hooks    []Hook
	mutation *MessageMutation
}

// SetKind sets the "kind" field.
func (_u *MessageUpdateOne) SetKind(v message.Kind) *MessageUpdateOne {
	_u.mutation.SetKind(v)
	return _u
}

// SetNillableKind sets the "kind" field if the given value is not nil.
func (_u *MessageUpdateOne) SetNillableKind(v *message.Kind) *MessageUpdateOne {
	if v != nil {
		_u.SetKind(*v)
	}
	return _u
}

// SetContent sets the "content" field.
func (_u *MessageUpdateOne) SetContent(v string) *MessageUpdateOne {
	_u.mutation.SetContent(v)
	return _u
}

// SetNillableContent sets the "content" field if the given value is not nil.
func (_u *MessageUpdateOne) SetNillableContent(v *string) *MessageUpdateOne {
	if v != nil {
		_u.SetContent(*v)
	}
	return _u
}

// SetIsLlmVisible sets the "is_llm_visible" field.
func (_u *MessageUpdateOne) SetIsLlmVisible(v bool) *MessageUpdateOne {
	_u.mutation.SetIsLlmVisible(v)
	return _u
}

// SetNillableIsLlmVisible sets the "is_llm_visible" field if the given value is not nil.
func (_u *MessageUpdateOne) SetNillableIsLlmVisible(v *bool) *MessageUpdateOne {
	if v != nil {
		_u.SetIsLlmVisible(*v)
	}
	return _u
}

// SetToolCalls sets the "tool_calls" field.
func (_u *MessageUpdateOne) SetToolCalls(v []map[string]interface{}) *MessageUpdateOne {
	_u.mutation.SetToolCalls(v)
	return _u
}

// AppendToolCalls appends value to the "tool_calls" field.
func (_u *MessageUpdateOne) AppendToolCalls(v []map[string]interface{}) *MessageUpdateOne {
	_u.mutation.AppendToolCalls(v)
	return _u
}

// ClearToolCalls clears the value of the "tool_calls" field.
func (_u *MessageUpdateOne) ClearToolCalls() *MessageUpdateOne {
	_u.mutation.ClearToolCalls()
	return _u
}

// SetToolCallID sets the "tool_call_id" field.
func (_u *MessageUpdateOne) SetToolCallID(v string) *MessageUpdateOne {
	_u.mutation.SetToolCallID(v)
	return _u
}

// SetNillableToolCallID sets the "tool_call_id" field if the given value is not nil.
func (_u *MessageUpdateOne) SetNillableToolCallID(v *string) *MessageUpdateOne {
	if v != nil {
		_u.SetToolCallID(*v)
	}
	return _u
}

// ClearToolCallID clears the value of the "tool_call_id" field.
func (_u *MessageUpdateOne) ClearToolCallID() *MessageUpdateOne {
	_u.mutation.ClearToolCallID()
	return _u
}

// SetToolName sets the "tool_name" field.
func (_u *MessageUpdateOne) SetToolName(v string) *MessageUpdateOne {
	_u.mutation.SetToolName(v)
	return _u
}

// SetNillableToolName sets the "tool_name" field if the given value is not nil.
func (_u *MessageUpdateOne) SetNillableToolName(v *string) *MessageUpdateOne {
	if v != nil {
		_u.SetToolName(*v)
	}
	return _u
}

// ClearToolName clears the value of the "tool_name" field.
func (_u *MessageUpdateOne) ClearToolName() *MessageUpdateOne {
	_u.mutation.ClearToolName()
	return _u
}

// SetSuccess sets the "success" field.
func (_u *MessageUpdateOne) SetSuccess(v bool) *MessageUpdateOne {
	_u.mutation.SetSuccess(v)
	return _u
}

// SetNillableSuccess sets the "success" field if the given value is not nil.
func (_u *MessageUpdateOne) SetNillableSuccess(v *bool) *MessageUpdateOne {
	if v != nil {
		_u.SetSuccess(*v)
	}
	return _u
}

// ClearSuccess clears the value of the "success" field.
func (_u *MessageUpdateOne) ClearSuccess() *MessageUpdateOne {
	_u.mutation.ClearSuccess()
	return _u
}

// SetCoversUntil sets the "covers_until" field.
func (_u *MessageUpdateOne) SetCoversUntil(v time.Time) *MessageUpdateOne {
	_u.mutation.SetCoversUntil(v)
	return _u
}

// SetNillableCoversUntil sets the "covers_until" field if the given value is not nil.
func (_u *MessageUpdateOne) SetNillableCoversUntil(v *time.Time) *MessageUpdateOne {
	if v != nil {
		_u.SetCoversUntil(*v)
	}
	return _u
}

// ClearCoversUntil clears the value of the "covers_until" field.
func (_u *MessageUpdateOne) ClearCoversUntil() *MessageUpdateOne {
	_u.mutation.ClearCoversUntil()
	return _u
}

// SetMetadata sets the "metadata" field.
func (_u *MessageUpdateOne) SetMetadata(v map[string]interface{}) *MessageUpdateOne {
	_u.mutation.SetMetadata(v)
	return _u
}

// ClearMetadata clears the value of the "metadata" field.
func (_u *MessageUpdateOne) ClearMetadata() *MessageUpdateOne {
	_u.mutation.ClearMetadata()
	return _u
}

// Mutation returns the MessageMutation object of the builder.
func (_u *MessageUpdateOne) Mutation() *MessageMutation {
	return _u.mutation
}

// Where appends a list predicates to the MessageUpdate builder.
func (_u *MessageUpdateOne) Where(ps ...predicate.Message) *MessageUpdateOne {
	_u.mutation.Where(ps...)
	return _u
}

// Select allows selecting one or more fields (columns) of the returned entity.
// The default is selecting all fields defined in the entity schema.
func (_u *MessageUpdateOne) Select(field string, fields ...string) *MessageUpdateOne {
	_u.fields = append([]string{field}, fields...)
	return _u
}

// Save executes the query and returns the updated Message entity.
func (_u *MessageUpdateOne) Save(ctx context.Context) (*Message, error) {
	return withHooks(ctx, _u.sqlSave, _u.mutation, _u.hooks)
}

// SaveX is like Save, but panics if an error occurs.
func (_u *MessageUpdateOne) SaveX(ctx context.Context) *Message {
	node, err := _u.Save(ctx)
	if err != nil {
		panic(err)
	}
	return node
}

// Exec executes the query on the entity.
func (_u *MessageUpdateOne) Exec(ctx context.Context) error {
	_, err := _u.Save(ctx)
	return err
}

// ExecX is like Exec, but panics if an error occurs.
func (_u *MessageUpdateOne) ExecX(ctx context.Context) {
	if err := _u.Exec(ctx); err != nil {
		panic(err)
	}
}

// check runs all checks and user-defined validators on the builder.
func (_u *MessageUpdateOne) check() error {
	if v, ok := _u.mutation.Kind(); ok {
		if err := message.KindValidator(v); err != nil {
			return &ValidationError{Name: "kind", err: fmt.Errorf(`ent: validator failed for field "Message.kind": %w`, err)}
		}
	}
	if _u.mutation.ThreadCleared() && len(_u.mutation.ThreadIDs()) > 0 {
		return errors.New(`ent: clearing a required unique edge "Message.thread"`)
	}
	return nil
}

func (_u *MessageUpdateOne) sqlSave(ctx context.Context) (_node *Message, err error) {
	if err := _u.check(); err != nil {
		return _node, err
	}
	_spec := sqlgraph.NewUpdateSpec(message.Table, message.Columns, sqlgraph.NewFieldSpec(message.FieldID, field.TypeString))
	id, ok := _u.mutation.ID()
	if !ok {
		return nil, &ValidationError{Name: "id", err: errors.New(`ent: missing "Message.id" for update`)}
	}
	_spec.Node.ID.Value = id
	if fields := _u.fields; len(fields) > 0 {
		_spec.Node.Columns = make([]string, 0, len(fields))
		_spec.Node.Columns = append(_spec.Node.Columns, message.FieldID)
		for _, f := range fields {
			if !message.ValidColumn(f) {
				return nil, &ValidationError{Name: f, err: fmt.Errorf("ent: invalid field %q for query", f)}
			}
			if f != message.FieldID {
				_spec.Node.Columns = append(_spec.Node.Columns, f)
			}
		}
	}
	if ps := _u.mutation.predicates; len(ps) > 0 {
		_spec.Predicate = func(selector *sql.Selector) {
			for i := range ps {
				ps[i](selector)
			}
		}
	}
	if value, ok := _u.mutation.Kind(); ok {
		_spec.SetField(message.FieldKind, field.TypeEnum, value)
	}
	if value, ok := _u.mutation.Content(); ok {
		_spec.SetField(message.FieldContent, field.TypeString, value)
	}
	if value, ok := _u.mutation.IsLlmVisible(); ok {
		_spec.SetField(message.FieldIsLlmVisible, field.TypeBool, value)
	}
	if value, ok := _u.mutation.ToolCalls(); ok {
		_spec.SetField(message.FieldToolCalls, field.TypeJSON, value)
	}
	if value, ok := _u.mutation.AppendedToolCalls(); ok {
		_spec.AddModifier(func(u *sql.UpdateBuilder) {
			sqljson.Append(u, message.FieldToolCalls, value)
		})
	}
	if _u.mutation.ToolCallsCleared() {
		_spec.ClearField(message.FieldToolCalls, field.TypeJSON)
	}
	if value, ok := _u.mutation.ToolCallID(); ok {
		_spec.SetField(message.FieldToolCallID, field.TypeString, value)
	}
	if _u.mutation.ToolCallIDCleared() {
		_spec.ClearField(message.FieldToolCallID, field.TypeString)
	}
	if value, ok := _u.mutation.ToolName(); ok {
		_spec.SetField(message.FieldToolName, field.TypeString, value)
	}
	if _u.mutation.ToolNameCleared() {
		_spec.ClearField(message.FieldToolName, field.TypeString)
	}
	if value, ok := _u.mutation.Success(); ok {
		_spec.SetField(message.FieldSuccess, field.TypeBool, value)
	}
	if _u.mutation.SuccessCleared() {
		_spec.ClearField(message.FieldSuccess, field.TypeBool)
	}
	if value, ok := _u.mutation.CoversUntil(); ok {
		_spec.SetField(message.FieldCoversUntil, field.TypeTime, value)
	}
	if _u.mutation.CoversUntilCleared() {
		_spec.ClearField(message.FieldCoversUntil, field.TypeTime)
	}
	if value, ok := _u.mutation.Metadata(); ok {
		_spec.SetField(message.FieldMetadata, field.TypeJSON, value)
	}
	if _u.mutation.MetadataCleared() {
		_spec.ClearField(message.FieldMetadata, field.TypeJSON)
	}
	_node = &Message{config: _u.config}
	_spec.Assign = _node.assignValues
	_spec.ScanValues = _node.scanValues
	if err = sqlgraph.UpdateNode(ctx, _u.driver, _spec); err != nil {
		if _, ok := err.(*sqlgraph.NotFoundError); ok {
			err = &NotFoundError{message.Label}
		} else if sqlgraph.IsConstraintError(err) {
			err = &ConstraintError{msg: err.Error(), wrap: err}
		}
		return nil, err
	}
	_u.mutation.done = true
	return _node, nil
}
