package cep

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrInvalidExpression marks filter or projection expressions that fail to type-check.
var ErrInvalidExpression = errors.New("cep: invalid expression")

type compiledProjection struct {
	index   int
	program *vm.Program
	typ     Type
}

type query struct {
	index       int
	name        string
	source      *junction
	target      *junction
	filter      *vm.Program
	projections []compiledProjection
	onError     func(stream string, err error)
}

// compile turns plan text into an unstarted Runtime.
func compile(name, text string, bufferSize int, onError func(stream string, err error)) (*Runtime, error) {
	statements, err := splitStatements(text)
	if err != nil {
		return nil, &StatementError{Index: 0, Statement: text, Err: err}
	}
	if len(statements) == 0 {
		return nil, fmt.Errorf("%w: execution plan is empty", ErrSyntax)
	}

	r := newRuntime(name, bufferSize)
	for i, raw := range statements {
		parsed, err := parseStatement(raw)
		if err != nil {
			return nil, &StatementError{Index: i, Statement: raw, Err: err}
		}
		switch stmt := parsed.(type) {
		case *defineStmt:
			err = r.define(stmt)
		case *queryStmt:
			err = r.addQuery(i, stmt, onError)
		}
		if err != nil {
			return nil, &StatementError{Index: i, Statement: raw, Err: err}
		}
	}
	order, err := asyncOrder(r)
	if err != nil {
		var cyc *cycleError
		if errors.As(err, &cyc) {
			return nil, &StatementError{Index: cyc.query.index, Statement: statements[cyc.query.index], Err: err}
		}
		return nil, err
	}
	r.asyncOrder = order
	return r, nil
}

func (r *Runtime) define(stmt *defineStmt) error {
	if _, exists := r.junctions[stmt.id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateStream, stmt.id)
	}
	def := StreamDefinition{ID: stmt.id, Attributes: stmt.attributes}
	if cfg, ok := findAnnotation(stmt.annotations, "config"); ok && cfg.elements["async"] == "true" {
		def.Async = true
	}
	r.addJunction(def)
	return nil
}

func (r *Runtime) addQuery(index int, stmt *queryStmt, onError func(stream string, err error)) error {
	source, ok := r.junctions[stmt.source]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, stmt.source)
	}
	if stmt.source == stmt.target {
		return fmt.Errorf("%w: query cannot insert into its own source %q", ErrSyntax, stmt.source)
	}

	q := &query{
		index:   index,
		name:    fmt.Sprintf("query-%d", index+1),
		source:  source,
		onError: onError,
	}
	if info, ok := findAnnotation(stmt.annotations, "info"); ok && info.elements["name"] != "" {
		q.name = info.elements["name"]
	}

	env := source.def.typeEnv()
	if stmt.filter != "" {
		program, err := expr.Compile(stmt.filter, expr.Env(env), expr.AsBool())
		if err != nil {
			return fmt.Errorf("%w: filter %q: %v", ErrInvalidExpression, stmt.filter, err)
		}
		q.filter = program
	}

	var out []Attribute
	if stmt.selectAll {
		for i, attr := range source.def.Attributes {
			q.projections = append(q.projections, compiledProjection{index: i, typ: attr.Type})
			out = append(out, attr)
		}
	} else {
		seen := map[string]bool{}
		for _, p := range stmt.projections {
			if seen[p.alias] {
				return fmt.Errorf("%w: duplicate output attribute %q", ErrSyntax, p.alias)
			}
			seen[p.alias] = true
			cp, err := compileProjection(source.def, env, p)
			if err != nil {
				return err
			}
			q.projections = append(q.projections, cp)
			out = append(out, Attribute{Name: p.alias, Type: cp.typ})
		}
	}

	target, exists := r.junctions[stmt.target]
	if !exists {
		target = r.addJunction(StreamDefinition{ID: stmt.target, Attributes: out})
	} else if err := compatible(target.def, out); err != nil {
		return err
	}
	q.target = target
	source.receivers = append(source.receivers, q)
	r.queries = append(r.queries, q)
	return nil
}

func compileProjection(def StreamDefinition, env map[string]any, p projection) (compiledProjection, error) {
	if identifierPattern.MatchString(p.expression) {
		idx := def.index(p.expression)
		if idx < 0 {
			return compiledProjection{}, fmt.Errorf("%w: %q on stream %q", ErrUnknownAttribute, p.expression, def.ID)
		}
		return compiledProjection{index: idx, typ: def.Attributes[idx].Type}, nil
	}
	program, err := expr.Compile(p.expression, expr.Env(env))
	if err != nil {
		return compiledProjection{}, fmt.Errorf("%w: projection %q: %v", ErrInvalidExpression, p.expression, err)
	}
	return compiledProjection{index: -1, program: program, typ: typeOf(program.Node().Type())}, nil
}

func compatible(def StreamDefinition, out []Attribute) error {
	if len(def.Attributes) != len(out) {
		return fmt.Errorf("%w: stream %q expects %d attributes, query produces %d", ErrTypeMismatch, def.ID, len(def.Attributes), len(out))
	}
	for i, attr := range def.Attributes {
		if attr.Name != out[i].Name {
			return fmt.Errorf("%w: stream %q attribute %d is %q, query produces %q", ErrTypeMismatch, def.ID, i, attr.Name, out[i].Name)
		}
	}
	return nil
}

func (d StreamDefinition) typeEnv() map[string]any {
	env := make(map[string]any, len(d.Attributes))
	for _, attr := range d.Attributes {
		env[attr.Name] = attr.Type.zero()
	}
	return env
}

type cycleError struct {
	query  *query
	stream string
}

func (e *cycleError) Error() string {
	return fmt.Sprintf("%s: %s feeds back into stream %q", ErrCycle, e.query.name, e.stream)
}

func (e *cycleError) Unwrap() error { return ErrCycle }

// asyncOrder lists async junctions so that upstream streams drain before
// downstream ones on shutdown. A stream graph with a cycle is rejected.
func asyncOrder(r *Runtime) ([]*junction, error) {
	indegree := make(map[*junction]int, len(r.order))
	for _, q := range r.queries {
		indegree[q.target]++
	}
	var (
		sorted []*junction
		ready  []*junction
		placed = map[*junction]bool{}
	)
	for _, j := range r.order {
		if indegree[j] == 0 {
			ready = append(ready, j)
		}
	}
	for len(ready) > 0 {
		j := ready[0]
		ready = ready[1:]
		placed[j] = true
		sorted = append(sorted, j)
		for _, q := range j.receivers {
			indegree[q.target]--
			if indegree[q.target] == 0 {
				ready = append(ready, q.target)
			}
		}
	}
	if len(sorted) != len(r.order) {
		for _, q := range r.queries {
			if !placed[q.source] && reaches(q.target, q.source) {
				return nil, &cycleError{query: q, stream: q.target.def.ID}
			}
		}
	}

	var out []*junction
	for _, j := range sorted {
		if j.def.Async {
			out = append(out, j)
		}
	}
	return out, nil
}

// reaches reports whether events published on from can arrive at to.
func reaches(from, to *junction) bool {
	seen := map[*junction]bool{}
	stack := []*junction{from}
	for len(stack) > 0 {
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if j == to {
			return true
		}
		if seen[j] {
			continue
		}
		seen[j] = true
		for _, q := range j.receivers {
			stack = append(stack, q.target)
		}
	}
	return false
}

func (q *query) process(ev Event) {
	var env map[string]any
	if q.filter != nil || q.needsEnv() {
		env = make(map[string]any, len(q.source.def.Attributes))
		for i, attr := range q.source.def.Attributes {
			env[attr.Name] = ev.Data[i]
		}
	}
	if q.filter != nil {
		admitted, err := expr.Run(q.filter, env)
		if err != nil {
			q.fail(err)
			return
		}
		if ok, _ := admitted.(bool); !ok {
			return
		}
	}

	data := make([]any, len(q.projections))
	for i, p := range q.projections {
		if p.program == nil {
			data[i] = ev.Data[p.index]
			continue
		}
		value, err := expr.Run(p.program, env)
		if err != nil {
			q.fail(err)
			return
		}
		data[i] = value
	}
	if err := q.target.coerce(data); err != nil {
		q.fail(err)
		return
	}
	q.target.publish(Event{Timestamp: ev.Timestamp, Data: data})
}

func (q *query) needsEnv() bool {
	for _, p := range q.projections {
		if p.program != nil {
			return true
		}
	}
	return false
}

func (q *query) fail(err error) {
	if q.onError != nil {
		q.onError(q.source.def.ID, fmt.Errorf("%s: %w", q.name, err))
	}
}
