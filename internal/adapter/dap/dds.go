package dap

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type declKind int

const (
	kindAtom declKind = iota
	kindGrid
	kindStructure
)

type dim struct {
	name string
	size int
}

// decl is one declaration of a Dataset Descriptor Structure.
type decl struct {
	kind    declKind
	typ     string // atomic type for kindAtom
	name    string
	dims    []dim
	members []*decl // grid: array then maps; structure: fields
}

func (d *decl) dimNames() []string {
	names := make([]string, len(d.dims))
	for i, dd := range d.dims {
		names[i] = dd.name
	}
	return names
}

func (d *decl) shape() []int {
	shape := make([]int, len(d.dims))
	for i, dd := range d.dims {
		shape[i] = dd.size
	}
	return shape
}

// array is the declaration that carries a variable's values.
func (d *decl) array() *decl {
	if d.kind == kindGrid && len(d.members) > 0 {
		return d.members[0]
	}
	return d
}

// atoms flattens d into the atomic arrays in the order they are serialized.
func (d *decl) atoms() []*decl {
	if d.kind == kindAtom {
		return []*decl{d}
	}
	var out []*decl
	for _, m := range d.members {
		out = append(out, m.atoms()...)
	}
	return out
}

// dds is a parsed Dataset Descriptor Structure.
type dds struct {
	name  string
	decls []*decl
}

func (s *dds) lookup(name string) (*decl, bool) {
	for _, d := range s.decls {
		if d.name == name {
			return d, true
		}
	}
	return nil, false
}

func (s *dds) atoms() []*decl {
	var out []*decl
	for _, d := range s.decls {
		out = append(out, d.atoms()...)
	}
	return out
}

var (
	atomRe  = regexp.MustCompile(`^(\w+)\s+([\w.%-]+)((?:\s*\[[^\]]*\])*)\s*;$`)
	dimRe   = regexp.MustCompile(`\[\s*(?:([\w.%-]+)\s*=\s*)?(\d+)\s*\]`)
	closeRe = regexp.MustCompile(`^\}\s*([\w./%-]*)\s*;$`)
)

var atomicTypes = map[string]bool{
	"Byte": true, "Int16": true, "UInt16": true, "Int32": true, "UInt32": true,
	"Float32": true, "Float64": true, "String": true, "Url": true,
}

// parseDDS parses the text form of a DDS.
func parseDDS(text string) (*dds, error) {
	sc := bufio.NewScanner(strings.NewReader(text))
	var (
		root  *dds
		stack []*decl
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "Dataset {":
			if root != nil {
				return nil, fmt.Errorf("dds: nested Dataset")
			}
			root = &dds{}
		case root == nil:
			return nil, fmt.Errorf("dds: expected Dataset, got %q", line)
		case line == "Grid {":
			stack = append(stack, &decl{kind: kindGrid})
		case line == "Structure {":
			stack = append(stack, &decl{kind: kindStructure})
		case strings.HasPrefix(line, "Sequence"):
			return nil, fmt.Errorf("dds: sequences are not supported")
		case line == "ARRAY:" || line == "MAPS:":
			if len(stack) == 0 || stack[len(stack)-1].kind != kindGrid {
				return nil, fmt.Errorf("dds: %s outside Grid", line)
			}
		case strings.HasPrefix(line, "}"):
			m := closeRe.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("dds: bad closing line %q", line)
			}
			if len(stack) == 0 {
				root.name = m[1]
				return root, nil
			}
			d := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			d.name = m[1]
			if d.kind == kindGrid && len(d.members) == 0 {
				return nil, fmt.Errorf("dds: grid %s has no array", d.name)
			}
			if d.kind == kindGrid {
				d.dims = d.members[0].dims
			}
			add(root, stack, d)
		default:
			d, err := parseAtom(line)
			if err != nil {
				return nil, err
			}
			add(root, stack, d)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dds: %w", err)
	}
	return nil, fmt.Errorf("dds: unterminated Dataset")
}

func add(root *dds, stack []*decl, d *decl) {
	if len(stack) == 0 {
		root.decls = append(root.decls, d)
		return
	}
	parent := stack[len(stack)-1]
	parent.members = append(parent.members, d)
}

func parseAtom(line string) (*decl, error) {
	m := atomRe.FindStringSubmatch(line)
	if m == nil || !atomicTypes[m[1]] {
		return nil, fmt.Errorf("dds: bad declaration %q", line)
	}
	d := &decl{kind: kindAtom, typ: m[1], name: m[2]}
	for _, dm := range dimRe.FindAllStringSubmatch(m[3], -1) {
		size, err := strconv.Atoi(dm[2])
		if err != nil {
			return nil, fmt.Errorf("dds: bad dimension in %q", line)
		}
		name := dm[1]
		if name == "" {
			name = fmt.Sprintf("dim%d", len(d.dims))
		}
		d.dims = append(d.dims, dim{name: name, size: size})
	}
	return d, nil
}
