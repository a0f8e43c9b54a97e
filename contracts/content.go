package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind identifies the variant held by a Value
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueString
	ValueNumber
	ValueBool
	ValueList
	ValueMap
)

func (k ValueKind) String() string {
	switch k {
	case ValueString:
		return "string"
	case ValueNumber:
		return "number"
	case ValueBool:
		return "bool"
	case ValueList:
		return "list"
	case ValueMap:
		return "map"
	default:
		return "null"
	}
}

// Value is a tagged variant used for message content.
// Numbers keep their literal text so that content round-trips without loss.
type Value struct {
	kind ValueKind
	text string
	flag bool
	list []Value
	doc  *Document
}

// Null returns the null value
func Null() Value { return Value{} }

// String returns a string value
func String(s string) Value { return Value{kind: ValueString, text: s} }

// Number returns a number value from its literal representation
func Number(n json.Number) Value { return Value{kind: ValueNumber, text: n.String()} }

// Int returns a number value holding an integer
func Int(i int64) Value { return Value{kind: ValueNumber, text: strconv.FormatInt(i, 10)} }

// Float returns a number value holding a floating point number
func Float(f float64) Value {
	return Value{kind: ValueNumber, text: strconv.FormatFloat(f, 'g', -1, 64)}
}

// Bool returns a boolean value
func Bool(b bool) Value { return Value{kind: ValueBool, flag: b} }

// List returns a list value
func List(values ...Value) Value {
	items := make([]Value, len(values))
	copy(items, values)
	return Value{kind: ValueList, list: items}
}

// Map returns a map value wrapping doc
func Map(doc *Document) Value {
	if doc == nil {
		doc = NewDocument()
	}
	return Value{kind: ValueMap, doc: doc}
}

// FromAny converts a dynamic Go value into a Value
func FromAny(v interface{}) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Document:
		return Map(t), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Number(json.Number(strconv.FormatUint(uint64(t), 10))), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Number(json.Number(strconv.FormatUint(t, 10))), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Null(), fmt.Errorf("contracts: unsupported number %v", t)
		}
		return Float(t), nil
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			converted, err := FromAny(item)
			if err != nil {
				return Null(), err
			}
			items = append(items, converted)
		}
		return Value{kind: ValueList, list: items}, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		doc := NewDocument()
		for _, k := range keys {
			converted, err := FromAny(t[k])
			if err != nil {
				return Null(), err
			}
			doc.Set(k, converted)
		}
		return Map(doc), nil
	default:
		return Null(), fmt.Errorf("contracts: unsupported content type %T", v)
	}
}

// Kind returns the variant held by v
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is the null value
func (v Value) IsNull() bool { return v.kind == ValueNull }

// AsString returns the string held by v
func (v Value) AsString() (string, bool) {
	return v.text, v.kind == ValueString
}

// AsNumber returns the number literal held by v
func (v Value) AsNumber() (json.Number, bool) {
	return json.Number(v.text), v.kind == ValueNumber
}

// AsInt returns v as an integer when it holds an integral number
func (v Value) AsInt() (int64, bool) {
	if v.kind != ValueNumber {
		return 0, false
	}
	i, err := strconv.ParseInt(v.text, 10, 64)
	return i, err == nil
}

// AsFloat returns v as a floating point number
func (v Value) AsFloat() (float64, bool) {
	if v.kind != ValueNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.text, 64)
	return f, err == nil
}

// AsBool returns the boolean held by v
func (v Value) AsBool() (bool, bool) {
	return v.flag, v.kind == ValueBool
}

// AsList returns a copy of the items held by v
func (v Value) AsList() ([]Value, bool) {
	if v.kind != ValueList {
		return nil, false
	}
	items := make([]Value, len(v.list))
	copy(items, v.list)
	return items, true
}

// AsMap returns the document held by v
func (v Value) AsMap() (*Document, bool) {
	return v.doc, v.kind == ValueMap
}

// Interface converts v back into plain Go values
func (v Value) Interface() interface{} {
	switch v.kind {
	case ValueString:
		return v.text
	case ValueNumber:
		return json.Number(v.text)
	case ValueBool:
		return v.flag
	case ValueList:
		items := make([]interface{}, len(v.list))
		for i, item := range v.list {
			items[i] = item.Interface()
		}
		return items
	case ValueMap:
		return v.doc.Interface()
	default:
		return nil
	}
}

func (v Value) clone() Value {
	switch v.kind {
	case ValueList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.clone()
		}
		return Value{kind: ValueList, list: items}
	case ValueMap:
		return Map(v.doc.Clone())
	default:
		return v
	}
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case ValueNull:
		buf.WriteString("null")
	case ValueString:
		encoded, err := json.Marshal(v.text)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case ValueNumber:
		if !json.Valid([]byte(v.text)) {
			return fmt.Errorf("contracts: invalid number literal %q", v.text)
		}
		buf.WriteString(v.text)
	case ValueBool:
		buf.WriteString(strconv.FormatBool(v.flag))
	case ValueList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case ValueMap:
		return v.doc.writeJSON(buf)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	decoded, err := decodeJSONValue(dec)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func decodeJSONValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Null(), err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		return Number(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := make([]Value, 0)
			for dec.More() {
				item, err := decodeJSONValue(dec)
				if err != nil {
					return Null(), err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Null(), err
			}
			return Value{kind: ValueList, list: items}, nil
		case '{':
			doc := NewDocument()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Null(), err
				}
				key, ok := keyTok.(string)
				if !ok {
					return Null(), fmt.Errorf("contracts: unexpected object key %v", keyTok)
				}
				item, err := decodeJSONValue(dec)
				if err != nil {
					return Null(), err
				}
				doc.Set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Null(), err
			}
			return Map(doc), nil
		}
	}
	return Null(), fmt.Errorf("contracts: unexpected token %v", tok)
}

// MarshalYAML implements yaml.Marshaler
func (v Value) MarshalYAML() (interface{}, error) {
	return v.yamlNode()
}

func (v Value) yamlNode() (*yaml.Node, error) {
	switch v.kind {
	case ValueString:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.text}, nil
	case ValueNumber:
		tag := "!!float"
		if _, err := strconv.ParseInt(v.text, 10, 64); err == nil {
			tag = "!!int"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: v.text}, nil
	case ValueBool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(v.flag)}, nil
	case ValueList:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range v.list {
			child, err := item.yamlNode()
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, child)
		}
		return node, nil
	case ValueMap:
		return v.doc.yamlNode()
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	}
}

// UnmarshalYAML implements yaml.Unmarshaler
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	decoded, err := decodeYAMLValue(node)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func decodeYAMLValue(node *yaml.Node) (Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return Null(), nil
		}
		return decodeYAMLValue(node.Content[0])
	case yaml.AliasNode:
		return decodeYAMLValue(node.Alias)
	case yaml.SequenceNode:
		items := make([]Value, 0, len(node.Content))
		for _, child := range node.Content {
			item, err := decodeYAMLValue(child)
			if err != nil {
				return Null(), err
			}
			items = append(items, item)
		}
		return Value{kind: ValueList, list: items}, nil
	case yaml.MappingNode:
		doc := NewDocument()
		if err := doc.decodeYAML(node); err != nil {
			return Null(), err
		}
		return Map(doc), nil
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!null":
			return Null(), nil
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return Null(), err
			}
			return Bool(b), nil
		case "!!int":
			var i int64
			if err := node.Decode(&i); err != nil {
				return Null(), err
			}
			return Int(i), nil
		case "!!float":
			var f float64
			if err := node.Decode(&f); err != nil {
				return Null(), err
			}
			if _, err := strconv.ParseFloat(node.Value, 64); err == nil {
				return Number(json.Number(node.Value)), nil
			}
			return Float(f), nil
		default:
			return String(node.Value), nil
		}
	}
	return Null(), fmt.Errorf("contracts: unsupported yaml node kind %d", node.Kind)
}

// Document is an insertion-ordered, string-keyed map of values.
// The zero value is an empty document ready to use.
type Document struct {
	keys   []string
	values map[string]Value
}

// NewDocument creates an empty document
func NewDocument() *Document {
	return &Document{values: make(map[string]Value)}
}

// Set stores value under key, keeping the original position of an existing key
func (d *Document) Set(key string, value Value) *Document {
	if d.values == nil {
		d.values = make(map[string]Value)
	}
	if _, exists := d.values[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
	return d
}

// Push merges value into key: an absent key is set, an existing list is appended to
// and any other existing value becomes a list of the old and the new value.
func (d *Document) Push(key string, value Value) *Document {
	existing, exists := d.Get(key)
	switch {
	case !exists:
		return d.Set(key, value)
	case existing.kind == ValueList:
		items := make([]Value, len(existing.list), len(existing.list)+1)
		copy(items, existing.list)
		return d.Set(key, Value{kind: ValueList, list: append(items, value)})
	default:
		return d.Set(key, List(existing, value))
	}
}

// Get returns the value stored under key
func (d *Document) Get(key string) (Value, bool) {
	if d == nil || d.values == nil {
		return Null(), false
	}
	v, ok := d.values[key]
	return v, ok
}

// Delete removes key
func (d *Document) Delete(key string) {
	if d == nil || d.values == nil {
		return
	}
	if _, exists := d.values[key]; !exists {
		return
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, len(d.keys))
	copy(keys, d.keys)
	return keys
}

// Len returns the number of keys
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Clone returns a deep copy of d
func (d *Document) Clone() *Document {
	out := NewDocument()
	if d == nil {
		return out
	}
	for _, k := range d.keys {
		out.Set(k, d.values[k].clone())
	}
	return out
}

// Interface converts d into a plain map
func (d *Document) Interface() map[string]interface{} {
	out := make(map[string]interface{}, d.Len())
	if d == nil {
		return out
	}
	for _, k := range d.keys {
		out[k] = d.values[k].Interface()
	}
	return out
}

// MarshalJSON implements json.Marshaler
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Document) writeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	if d != nil {
		for i, k := range d.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := d.values[k].writeJSON(buf); err != nil {
				return err
			}
		}
	}
	buf.WriteByte('}')
	return nil
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeJSONValue(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("contracts: trailing data after document")
	}
	switch v.kind {
	case ValueNull:
		*d = *NewDocument()
	case ValueMap:
		*d = *v.doc
	default:
		return fmt.Errorf("contracts: content must be an object, got %s", v.kind)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d *Document) MarshalYAML() (interface{}, error) {
	return d.yamlNode()
}

func (d *Document) yamlNode() (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if d == nil {
		return node, nil
	}
	for _, k := range d.keys {
		child, err := d.values[k].yamlNode()
		if err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			child,
		)
	}
	return node, nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Document) UnmarshalYAML(node *yaml.Node) error {
	out := NewDocument()
	if node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null" {
		*d = *out
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("contracts: content must be a mapping")
	}
	if err := out.decodeYAML(node); err != nil {
		return err
	}
	*d = *out
	return nil
}

func (d *Document) decodeYAML(node *yaml.Node) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		item, err := decodeYAMLValue(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("contracts: field %s: %w", key, err)
		}
		d.Set(key, item)
	}
	return nil
}
