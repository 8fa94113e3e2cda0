// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package instrument rewrites guest JavaScript so that every executed
// statement and every loop iteration calls a counting hook first. Engines
// bind the hook to the task's statement quota.
package instrument

import (
	"errors"
	"reflect"
	"slices"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"github.com/oklog/ulid/v2"

	jssandbox "github.com/buke/js-sandbox"
)

// HookPrefix starts every generated hook name.
const HookPrefix = "__quota_"

// ErrWithStatement is wrapped by the compilation error for sources that use with.
var ErrWithStatement = errors.New("with statements are not supported")

// Result is an instrumented script.
type Result struct {
	Name    string       // Script name used for parsing and traces
	Hook    string       // Global function the instrumented code calls
	Source  string       // Instrumented source
	Program *ast.Program // Parsed instrumented source
	Map     *SourceMap   // Maps instrumented positions back to the original
}

type insertion struct {
	at    int // Byte offset in the original source
	text  string
	close bool // Ends a construct opened by an earlier insertion
	seq   int  // Order in which the walker added it
}

// Instrument parses src, inserts hook calls and parses the result again.
// Any parse failure is reported as a *jssandbox.CompilationError.
func Instrument(name, src string) (*Result, error) {
	prg, err := parser.ParseFile(nil, name, src, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return nil, &jssandbox.CompilationError{Source: name, Err: err}
	}

	hook := newHookName(src)
	w := &walker{
		src:      src,
		hook:     hook,
		seen:     make(map[uintptr]bool),
		fnBodies: make(map[*ast.BlockStatement]bool),
	}
	w.walk(reflect.ValueOf(prg))
	if w.err != nil {
		return nil, &jssandbox.CompilationError{Source: name, Err: w.err}
	}

	out, sm := apply(src, w.inserts)
	instrumented, err := parser.ParseFile(nil, name, out, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return nil, &jssandbox.CompilationError{Source: name, Err: err}
	}
	return &Result{Name: name, Hook: hook, Source: out, Program: instrumented, Map: sm}, nil
}

func newHookName(src string) string {
	for {
		name := HookPrefix + strings.ToLower(ulid.Make().String())
		if !strings.Contains(src, name) {
			return name
		}
	}
}

type walker struct {
	src      string
	hook     string
	seen     map[uintptr]bool
	fnBodies map[*ast.BlockStatement]bool
	inserts  []insertion
	err      error
}

func (w *walker) add(at int, text string) {
	if at > 0 && isIdentChar(w.src[at-1]) {
		text = " " + text
	}
	if slices.ContainsFunc(w.inserts, func(ins insertion) bool {
		return !ins.close && ins.at == at && ins.text == text
	}) {
		return
	}
	w.inserts = append(w.inserts, insertion{at: at, text: text, seq: len(w.inserts)})
}

// addClose adds the closing half of a wrapper. Closers are never merged
// because nested wrappers may end at the same offset.
func (w *walker) addClose(at int, text string) {
	w.inserts = append(w.inserts, insertion{at: at, text: text, close: true, seq: len(w.inserts)})
}

func (w *walker) call() string { return w.hook + "()" }

// walk visits every AST node reachable from v.
func (w *walker) walk(v reflect.Value) {
	if w.err != nil {
		return
	}
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			w.walk(v.Elem())
		}
	case reflect.Pointer:
		if v.IsNil() || v.Elem().Kind() != reflect.Struct {
			return
		}
		if w.seen[v.Pointer()] {
			return
		}
		w.seen[v.Pointer()] = true
		w.visit(v.Interface())
		w.walk(v.Elem())
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				w.walk(v.Field(i))
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i))
		}
	}
}

func (w *walker) visit(node any) {
	switch n := node.(type) {
	case *ast.Program:
		w.list(n.Body, true)
	case *ast.FunctionLiteral:
		w.fnBodies[n.Body] = true
	case *ast.ArrowFunctionLiteral:
		switch b := n.Body.(type) {
		case *ast.BlockStatement:
			w.fnBodies[b] = true
		case *ast.ExpressionBody:
			w.arrowBody(b)
		}
	case *ast.BlockStatement:
		fn := w.fnBodies[n]
		if !w.list(n.List, fn) && fn {
			// Natively invoked callbacks must cost something even when empty.
			w.add(offset(n.RightBrace), w.call()+";")
		}
	case *ast.CaseStatement:
		w.list(n.Consequent, false)
	case *ast.IfStatement:
		w.body(n.Consequent)
		w.body(n.Alternate)
	case *ast.ForInStatement:
		w.loopBody(n.Body)
	case *ast.ForOfStatement:
		w.loopBody(n.Body)
	case *ast.WhileStatement:
		w.header(n.Test)
	case *ast.DoWhileStatement:
		w.header(n.Test)
	case *ast.ForStatement:
		w.forHeader(n)
	case *ast.WithStatement:
		w.err = ErrWithStatement
	}
}

// list counts every statement of a statement list. A directive prologue is
// left in place for scripts and function bodies. It reports whether any
// statement was counted.
func (w *walker) list(stmts []ast.Statement, prologue bool) bool {
	counted := false
	for _, s := range stmts {
		if prologue && isDirective(s) {
			continue
		}
		prologue = false
		counted = true
		w.add(w.stmtStart(s), w.call()+";")
	}
	return counted
}

// body counts a statement that is the direct body of a branch. Blocks are
// counted through their list; other statements are either bounded by their
// enclosing counts or contain counted code themselves.
func (w *walker) body(s ast.Statement) {
	switch n := s.(type) {
	case *ast.ExpressionStatement:
		w.add(w.exprStart(n.Expression), w.call()+", ")
	case *ast.EmptyStatement:
		w.add(offset(n.Semicolon), w.call())
	}
}

// loopBody counts every iteration of a for-in or for-of loop, whatever its
// body is. The header has no expression evaluated per iteration, so the
// count goes into the body.
func (w *walker) loopBody(s ast.Statement) {
	switch n := s.(type) {
	case *ast.BlockStatement:
		if len(n.List) == 0 {
			w.add(offset(n.LeftBrace)+1, w.call()+";")
		}
	case *ast.ExpressionStatement, *ast.EmptyStatement:
		w.body(n)
	default:
		w.add(w.stmtStart(s), "{"+w.call()+"; ")
		w.addClose(w.stmtEnd(s), "}")
	}
}

// arrowBody counts each call of an arrow function with an expression body by
// turning the body into a sequence expression.
func (w *walker) arrowBody(b *ast.ExpressionBody) {
	w.add(w.exprStart(b.Expression), "("+w.call()+", ")
	w.addClose(offset(b.Expression.Idx1()), ")")
}

// header counts each evaluation of a while or do-while condition by putting
// the hook right inside the header's opening parenthesis.
func (w *walker) header(test ast.Expression) {
	at := w.innerStart(test)
	open := w.outerParen(at)
	if open < 0 {
		return
	}
	w.add(open+1, w.call()+", ")
}

// forHeader counts each iteration of a for loop through its test, its update,
// or an inserted update when the header has neither.
func (w *walker) forHeader(n *ast.ForStatement) {
	switch {
	case n.Test != nil:
		w.add(w.exprStart(n.Test), w.call()+", ")
	case n.Update != nil:
		w.add(w.exprStart(n.Update), w.call()+", ")
	default:
		closing := w.skipBackSpace(w.stmtStart(n.Body)) - 1
		if closing >= 0 && w.src[closing] == ')' {
			w.add(closing, w.call())
		}
	}
}

func isDirective(s ast.Statement) bool {
	es, ok := s.(*ast.ExpressionStatement)
	if !ok {
		return false
	}
	_, ok = es.Expression.(*ast.StringLiteral)
	return ok
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9'
}

func offset(idx file.Idx) int {
	return int(idx) - 1
}

// stmtEnd is the offset just past s. Expression ends exclude the parentheses
// around their last operand, and a statement is never followed by ')', so
// any that follow belong to s.
func (w *walker) stmtEnd(s ast.Statement) int {
	end := offset(s.Idx1())
	for {
		at := w.skipTrivia(end)
		if at >= len(w.src) || w.src[at] != ')' {
			return end
		}
		end = at + 1
	}
}

// skipTrivia skips whitespace and comments starting at at.
func (w *walker) skipTrivia(at int) int {
	for at < len(w.src) {
		switch {
		case strings.IndexByte(" \t\n\r\v\f", w.src[at]) >= 0:
			at++
		case strings.HasPrefix(w.src[at:], "//"):
			nl := strings.IndexByte(w.src[at:], '\n')
			if nl < 0 {
				return len(w.src)
			}
			at += nl
		case strings.HasPrefix(w.src[at:], "/*"):
			end := strings.Index(w.src[at+2:], "*/")
			if end < 0 {
				return len(w.src)
			}
			at += end + 4
		default:
			return at
		}
	}
	return at
}

func (w *walker) stmtStart(s ast.Statement) int {
	if es, ok := s.(*ast.ExpressionStatement); ok {
		return w.exprStart(es.Expression)
	}
	return offset(s.Idx0())
}

// exprStart is the offset of the first token of e including any
// parentheses wrapped around its leading operand.
func (w *walker) exprStart(e ast.Expression) int {
	at := w.innerStart(e)
	for j := at - 1; j >= 0; j-- {
		switch w.src[j] {
		case ' ', '\t', '\n', '\r', '\v', '\f':
		case '(':
			at = j
		default:
			return at
		}
	}
	return at
}

// outerParen returns the offset of the outermost parenthesis that directly
// encloses the code starting at at, or -1.
func (w *walker) outerParen(at int) int {
	open := -1
	for j := at - 1; j >= 0; j-- {
		switch w.src[j] {
		case ' ', '\t', '\n', '\r', '\v', '\f':
		case '(':
			open = j
		default:
			return open
		}
	}
	return open
}

func (w *walker) skipBackSpace(at int) int {
	for at > 0 && strings.IndexByte(" \t\n\r\v\f", w.src[at-1]) >= 0 {
		at--
	}
	return at
}

// innerStart finds the leftmost token of e, which the parser's own start
// position misses for tagged templates.
func (w *walker) innerStart(e ast.Expression) int {
	switch n := e.(type) {
	case *ast.TemplateLiteral:
		if n.Tag != nil {
			return w.innerStart(n.Tag)
		}
	case *ast.AssignExpression:
		return w.innerStart(n.Left)
	case *ast.BinaryExpression:
		return w.innerStart(n.Left)
	case *ast.BracketExpression:
		return w.innerStart(n.Left)
	case *ast.CallExpression:
		return w.innerStart(n.Callee)
	case *ast.ConditionalExpression:
		return w.innerStart(n.Test)
	case *ast.DotExpression:
		return w.innerStart(n.Left)
	case *ast.PrivateDotExpression:
		return w.innerStart(n.Left)
	case *ast.SequenceExpression:
		return w.innerStart(n.Sequence[0])
	case *ast.OptionalChain:
		return w.innerStart(n.Expression)
	case *ast.Optional:
		return w.innerStart(n.Expression)
	case *ast.UnaryExpression:
		if n.Postfix {
			return w.innerStart(n.Operand)
		}
	}
	return offset(e.Idx0())
}
