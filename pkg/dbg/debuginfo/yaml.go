// YAML loading for compile units, the tree-shaped counterpart of
// Manu343726-cucaracha's pkg/hw/cpu/mc/debuginfo_loader.go (which loads a
// flat, address-keyed debug-info map from the toolchain's own binary
// format). Debug info for this module's test programs is small and
// hand-written, so a human-editable YAML fixture is the natural format -
// the fixture shape mirrors the entity tree in debuginfo.go directly.
package debuginfo

import (
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Manu343726/t86dbg/pkg/dbg/dbgerr"
	"github.com/Manu343726/t86dbg/pkg/dbg/locvm"
)

type yamlInstr struct {
	Op       string `yaml:"op"`
	Offset   *int64 `yaml:"offset,omitempty"`
	Register string `yaml:"register,omitempty"`
	Constant int64  `yaml:"constant,omitempty"`
}

type yamlVariable struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Parameter bool   `yaml:"parameter,omitempty"`
	Location  []yamlInstr `yaml:"location"`
}

type yamlScope struct {
	Start     uint64          `yaml:"start"`
	End       uint64          `yaml:"end"`
	Variables []yamlVariable  `yaml:"variables,omitempty"`
	Children  []yamlScope     `yaml:"children,omitempty"`
}

type yamlLineMapping struct {
	Address uint64 `yaml:"address"`
	File    string `yaml:"file"`
	Line    int    `yaml:"line"`
}

type yamlFunction struct {
	Name       string        `yaml:"name"`
	Start      uint64        `yaml:"start"`
	End        uint64        `yaml:"end"`
	FrameBase  []yamlInstr   `yaml:"frame_base,omitempty"`
	Parameters []yamlVariable `yaml:"parameters,omitempty"`
	Scope      yamlScope      `yaml:"scope"`
}

type yamlType struct {
	Name    string         `yaml:"name"`
	Size    int64          `yaml:"size"`
	Kind    string         `yaml:"kind"`
	Elem    string         `yaml:"elem,omitempty"`
	Members []yamlMember   `yaml:"members,omitempty"`
}

type yamlMember struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Offset int64  `yaml:"offset"`
}

type yamlCompileUnit struct {
	Name      string            `yaml:"name"`
	Producer  string            `yaml:"producer"`
	Types     []yamlType        `yaml:"types,omitempty"`
	Functions []yamlFunction    `yaml:"functions"`
	Lines     []yamlLineMapping `yaml:"lines,omitempty"`
}

// Load reads a YAML-encoded compile unit fixture from r.
func Load(r io.Reader) (*CompileUnit, error) {
	var doc yamlCompileUnit
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, dbgerr.Wrap(dbgerr.ProtocolError, err, "decoding debug info YAML")
	}
	return fromYAML(doc)
}

// LoadFile reads a YAML-encoded compile unit fixture from a path.
func LoadFile(path string) (*CompileUnit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dbgerr.Wrap(dbgerr.DebugInfoMissing, err, "opening debug info file %s", path)
	}
	defer f.Close()
	return Load(f)
}

func fromYAML(doc yamlCompileUnit) (*CompileUnit, error) {
	cu := New(doc.Name, doc.Producer)

	for _, t := range doc.Types {
		cu.Types[t.Name] = &Type{Name: t.Name, Size: t.Size}
	}
	for _, t := range doc.Types {
		target := cu.Types[t.Name]
		switch t.Kind {
		case "", "base":
			target.Kind = KindBase
		case "pointer":
			target.Kind = KindPointer
			elem, ok := cu.Types[t.Elem]
			if !ok {
				return nil, dbgerr.New(dbgerr.DebugInfoMissing, "type %s points to unknown type %s", t.Name, t.Elem)
			}
			target.Elem = elem
		case "struct":
			target.Kind = KindStruct
			for _, m := range t.Members {
				mt, ok := cu.Types[m.Type]
				if !ok {
					return nil, dbgerr.New(dbgerr.DebugInfoMissing, "member %s.%s has unknown type %s", t.Name, m.Name, m.Type)
				}
				target.Members = append(target.Members, Member{Name: m.Name, Type: mt, Offset: m.Offset})
			}
		default:
			return nil, dbgerr.New(dbgerr.ProtocolError, "unknown type kind %q for type %s", t.Kind, t.Name)
		}
	}

	for _, l := range doc.Lines {
		cu.AddLineMapping(l.Address, l.File, l.Line)
	}

	for _, yf := range doc.Functions {
		fn := &Function{Name: yf.Name, StartAddress: yf.Start, EndAddress: yf.End}
		prog, err := instrsToProgram(yf.FrameBase)
		if err != nil {
			return nil, err
		}
		fn.FrameBaseProgram = prog

		for _, yv := range yf.Parameters {
			v, err := variableFromYAML(yv, cu)
			if err != nil {
				return nil, err
			}
			v.Parameter = true
			fn.Parameters = append(fn.Parameters, v)
		}

		root, err := scopeFromYAML(yf.Scope, cu)
		if err != nil {
			return nil, err
		}
		fn.Root = root
		cu.Functions = append(cu.Functions, fn)
	}

	return cu, nil
}

func scopeFromYAML(ys yamlScope, cu *CompileUnit) (*Scope, error) {
	s := &Scope{StartAddress: ys.Start, EndAddress: ys.End}
	for _, yv := range ys.Variables {
		v, err := variableFromYAML(yv, cu)
		if err != nil {
			return nil, err
		}
		s.Variables = append(s.Variables, v)
	}
	for _, yc := range ys.Children {
		child, err := scopeFromYAML(yc, cu)
		if err != nil {
			return nil, err
		}
		s.Children = append(s.Children, child)
	}
	return s, nil
}

func variableFromYAML(yv yamlVariable, cu *CompileUnit) (*Variable, error) {
	t, ok := cu.Types[yv.Type]
	if !ok {
		return nil, dbgerr.New(dbgerr.DebugInfoMissing, "variable %s has unknown type %s", yv.Name, yv.Type)
	}
	prog, err := instrsToProgram(yv.Location)
	if err != nil {
		return nil, err
	}
	return &Variable{Name: yv.Name, Type: t, Location: prog, Parameter: yv.Parameter}, nil
}

func instrsToProgram(instrs []yamlInstr) (locvm.Program, error) {
	prog := make(locvm.Program, 0, len(instrs))
	for _, i := range instrs {
		switch i.Op {
		case "push_offset":
			if i.Offset == nil {
				return nil, dbgerr.New(dbgerr.ProtocolError, "push_offset instruction missing offset")
			}
			prog = append(prog, locvm.PushOffset(*i.Offset))
		case "push_register":
			if i.Register == "" {
				return nil, dbgerr.New(dbgerr.ProtocolError, "push_register instruction missing register")
			}
			prog = append(prog, locvm.PushRegister(i.Register))
		case "add":
			prog = append(prog, locvm.Add())
		case "frame_base_offset":
			prog = append(prog, locvm.FrameBaseOffset(i.Constant))
		case "dereference":
			prog = append(prog, locvm.Dereference(i.Constant))
		default:
			return nil, dbgerr.New(dbgerr.ProtocolError, "unknown location opcode %q", i.Op)
		}
	}
	return prog, nil
}
