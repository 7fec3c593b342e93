// Package entity describes the upstream collections that can be exported:
// their GraphQL query templates, how a page is unpacked, and how each element
// is parsed into a typed Record.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Variable names every paginated query template must declare.
const (
	VarLimit  = "limit"
	VarOffset = "offset"
	VarWhere  = "where"
)

var (
	// ErrInvalidQuery is returned when a query template fails validation.
	ErrInvalidQuery = errors.New("invalid query template")

	// ErrUnknownEntity is returned by Registry.Lookup for unregistered names.
	ErrUnknownEntity = errors.New("unknown entity")
)

// Window restricts an export to records whose marker falls in [Since, Until).
// Either bound may be empty. Bounds are ISO dates (YYYY-MM-DD).
type Window struct {
	Since string
	Until string
}

// IsZero reports whether the window has no bounds.
func (w Window) IsZero() bool {
	return w.Since == "" && w.Until == ""
}

// String renders the window in the form stored in checkpoints.
func (w Window) String() string {
	if w.IsZero() {
		return ""
	}
	return w.Since + ".." + w.Until
}

// Validate checks both bounds are dates and Since precedes Until.
func (w Window) Validate() error {
	var since, until time.Time
	var err error
	if w.Since != "" {
		if since, err = time.Parse(time.DateOnly, w.Since); err != nil {
			return fmt.Errorf("since %q: %w", w.Since, err)
		}
	}
	if w.Until != "" {
		if until, err = time.Parse(time.DateOnly, w.Until); err != nil {
			return fmt.Errorf("until %q: %w", w.Until, err)
		}
	}
	if w.Since != "" && w.Until != "" && !since.Before(until) {
		return fmt.Errorf("since %s must be before until %s", w.Since, w.Until)
	}
	return nil
}

// Definition describes one exportable collection.
type Definition struct {
	// Name is the root field of the collection in the query (e.g. "patients").
	Name        string
	Description string
	// Query is a GraphQL document declaring $limit and $offset, and
	// optionally $where when MarkerField is filterable.
	Query string
	// MarkerField is the orderable field used for markers and date windows.
	MarkerField string

	decode    decodeFunc
	variables map[string]bool
	kind      Kind
}

// Validate parses the query template and checks it is a single query
// operation over Name that declares the pagination variables.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: entity name is empty", ErrInvalidQuery)
	}
	if d.decode == nil {
		return fmt.Errorf("%w: %s has no decoder", ErrInvalidQuery, d.Name)
	}

	doc, err := parser.ParseQuery(&ast.Source{Name: d.Name, Input: d.Query})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidQuery, d.Name, err)
	}
	if len(doc.Operations) != 1 {
		return fmt.Errorf("%w: %s: want exactly one operation, got %d", ErrInvalidQuery, d.Name, len(doc.Operations))
	}
	op := doc.Operations[0]
	if op.Operation != ast.Query {
		return fmt.Errorf("%w: %s: operation is %s, want query", ErrInvalidQuery, d.Name, op.Operation)
	}

	vars := make(map[string]bool, len(op.VariableDefinitions))
	for _, v := range op.VariableDefinitions {
		vars[v.Variable] = true
	}
	for _, required := range []string{VarLimit, VarOffset} {
		if !vars[required] {
			return fmt.Errorf("%w: %s: missing $%s variable", ErrInvalidQuery, d.Name, required)
		}
	}

	found := false
	for _, sel := range op.SelectionSet {
		if f, ok := sel.(*ast.Field); ok && f.Name == d.Name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s: query does not select %s", ErrInvalidQuery, d.Name, d.Name)
	}

	d.variables = vars
	return nil
}

// SupportsWindow reports whether the query can be restricted by a date window.
func (d *Definition) SupportsWindow() bool {
	return d.MarkerField != "" && d.variables[VarWhere]
}

// Variables builds the GraphQL variables for one page.
func (d *Definition) Variables(limit, offset int, w Window) map[string]any {
	vars := map[string]any{
		VarLimit:  limit,
		VarOffset: offset,
	}
	if !w.IsZero() && d.SupportsWindow() {
		cond := map[string]any{}
		if w.Since != "" {
			cond["_gte"] = w.Since
		}
		if w.Until != "" {
			cond["_lt"] = w.Until
		}
		vars[VarWhere] = map[string]any{d.MarkerField: cond}
	}
	return vars
}

// Page extracts the collection array from a query's data object.
// A null or absent collection is an empty page.
func (d *Definition) Page(data json.RawMessage) ([]json.RawMessage, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", d.Name, err)
	}
	raw, ok := root[d.Name]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s page: %w", d.Name, err)
	}
	return items, nil
}

// Decode parses one page element. Records without an id are rejected with
// ErrMissingID.
func (d *Definition) Decode(raw json.RawMessage) (Record, error) {
	value, id, marker, err := d.decode(raw)
	if err != nil {
		return Record{}, fmt.Errorf("decode %s record: %w", d.Name, err)
	}
	if id == "" {
		return Record{}, fmt.Errorf("decode %s record: %w", d.Name, ErrMissingID)
	}
	return Record{
		Entity:  d.Name,
		Kind:    d.kind,
		ID:      id,
		Marker:  marker,
		Payload: raw,
		Value:   value,
	}, nil
}

// Registry holds entity definitions addressable by name or alias.
type Registry struct {
	defs    map[string]*Definition
	aliases map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:    make(map[string]*Definition),
		aliases: make(map[string]string),
	}
}

// Register validates and adds a definition, replacing any with the same name.
func (r *Registry) Register(d *Definition, aliases ...string) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.defs[d.Name] = d
	for _, a := range aliases {
		r.aliases[strings.ToLower(a)] = d.Name
	}
	return nil
}

// Lookup resolves a name or alias.
func (r *Registry) Lookup(name string) (*Definition, error) {
	if d, ok := r.defs[name]; ok {
		return d, nil
	}
	if target, ok := r.aliases[strings.ToLower(name)]; ok {
		return r.defs[target], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
}

// Resolve looks up each name in order, or returns every definition in
// default export order when names is empty.
func (r *Registry) Resolve(names []string) ([]*Definition, error) {
	if len(names) == 0 {
		out := make([]*Definition, 0, len(r.defs))
		for _, n := range r.Names() {
			out = append(out, r.defs[n])
		}
		return out, nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]*Definition, 0, len(names))
	for _, n := range names {
		d, err := r.Lookup(n)
		if err != nil {
			return nil, err
		}
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out, nil
}

// Names returns registered names with built-ins first in their export
// order, then custom definitions alphabetically.
func (r *Registry) Names() []string {
	order := make(map[string]int, len(builtinOrder))
	for i, n := range builtinOrder {
		order[n] = i
	}
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, iok := order[names[i]]
		oj, jok := order[names[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})
	return names
}
