package hyperdb

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/roundup-tracker/hyperdb/pkg/storage"
)

// PropDef declares one property of a class.
type PropDef struct {
	Name     string
	Type     PropType
	Required bool
}

// ClassSpec declares a class for database construction. The schema
// is frozen once the database opens; adding properties later is a
// migration done by reopening with the extended spec.
type ClassSpec struct {
	Name  string
	Props []PropDef
	// Key names a unique String property for lookup-by-name.
	Key string
	// Journalled classes record every mutation and carry the
	// creation/activity/creator/actor system properties.
	Journalled bool
	// FileClass stores the "content" property in the blob store
	// instead of the backend row.
	FileClass bool
}

var classnameRE = regexp.MustCompile(`^[a-z]+$`)
var designatorRE = regexp.MustCompile(`^([a-z]+)([0-9]+)$`)

// SplitDesignator parses "issue123" into ("issue", "123").
func SplitDesignator(designator string) (classname, id string, err error) {
	m := designatorRE.FindStringSubmatch(designator)
	if m == nil {
		return "", "", &DesignatorError{Designator: designator}
	}
	return m[1], m[2], nil
}

// Class is a live class bound to its database.
type Class struct {
	db         *Database
	name       string
	props      map[string]PropType
	order      []string
	required   map[string]bool
	key        string
	journalled bool
	fileClass  bool

	auditors map[string][]Auditor
	reactors map[string][]Reactor
}

func newClass(db *Database, spec ClassSpec) (*Class, error) {
	if !classnameRE.MatchString(spec.Name) {
		return nil, fmt.Errorf("bad classname %q: lowercase letters only", spec.Name)
	}
	cl := &Class{
		db:         db,
		name:       spec.Name,
		props:      map[string]PropType{},
		required:   map[string]bool{},
		key:        spec.Key,
		journalled: spec.Journalled,
		fileClass:  spec.FileClass,
		auditors:   map[string][]Auditor{},
		reactors:   map[string][]Reactor{},
	}
	for _, def := range spec.Props {
		if _, dup := cl.props[def.Name]; dup {
			return nil, fmt.Errorf("class %s: duplicate property %q", spec.Name, def.Name)
		}
		if isSystemProp(def.Name) {
			return nil, fmt.Errorf("class %s: property %q is reserved", spec.Name, def.Name)
		}
		cl.props[def.Name] = def.Type
		cl.order = append(cl.order, def.Name)
		if def.Required {
			cl.required[def.Name] = true
		}
	}
	if spec.Key != "" {
		t, ok := cl.props[spec.Key]
		if !ok {
			return nil, fmt.Errorf("class %s: key property %q not defined", spec.Name, spec.Key)
		}
		if _, isString := t.(String); !isString {
			return nil, fmt.Errorf("class %s: key property %q must be a String", spec.Name, spec.Key)
		}
	}
	if spec.FileClass {
		if _, ok := cl.props["content"]; !ok {
			return nil, fmt.Errorf("class %s: file classes need a content property", spec.Name)
		}
	}
	return cl, nil
}

func isSystemProp(name string) bool {
	switch name {
	case "id", "creation", "activity", "creator", "actor":
		return true
	}
	return false
}

// Name returns the classname.
func (cl *Class) Name() string { return cl.name }

// Key returns the key property name, "" if the class has none.
func (cl *Class) Key() string { return cl.key }

// Journalled reports whether mutations are journalled.
func (cl *Class) Journalled() bool { return cl.journalled }

// PropNames returns the user property names in declaration order.
func (cl *Class) PropNames() []string {
	return append([]string(nil), cl.order...)
}

// Properties returns every property of the class including system
// properties, for schema introspection.
func (cl *Class) Properties() map[string]PropType {
	all := make(map[string]PropType, len(cl.props)+5)
	for name, t := range cl.props {
		all[name] = t
	}
	all["id"] = String{}
	if cl.journalled {
		all["creation"] = Date{}
		all["activity"] = Date{}
		all["creator"] = Link{Class: "user"}
		all["actor"] = Link{Class: "user"}
	}
	return all
}

// propType resolves a property name, system properties included.
func (cl *Class) propType(name string) (PropType, error) {
	if t, ok := cl.props[name]; ok {
		return t, nil
	}
	switch name {
	case "id":
		return String{}, nil
	case "creation", "activity":
		if cl.journalled {
			return Date{}, nil
		}
	case "creator", "actor":
		if cl.journalled {
			return Link{Class: "user"}, nil
		}
	}
	return nil, fmt.Errorf("class %s has no property %q: %w", cl.name, name, ErrNoSuchProperty)
}

// LabelProp picks the property used when an item stands in for
// itself in sorts and listings: the key property, else "name", else
// "title", else the first property alphabetically, else id.
func (cl *Class) LabelProp() string {
	if cl.key != "" {
		return cl.key
	}
	if _, ok := cl.props["name"]; ok {
		return "name"
	}
	if _, ok := cl.props["title"]; ok {
		return "title"
	}
	if len(cl.order) > 0 {
		names := append([]string(nil), cl.order...)
		sort.Strings(names)
		return names[0]
	}
	return "id"
}

// storageInfo reduces the class to the backend's view of it.
func (cl *Class) storageInfo() storage.ClassInfo {
	info := storage.ClassInfo{
		Name:       cl.name,
		Props:      map[string]storage.PropKind{},
		Key:        cl.key,
		Journalled: cl.journalled,
	}
	for name, t := range cl.props {
		if cl.fileClass && name == "content" {
			continue
		}
		info.Props[name] = t.Kind()
	}
	if cl.journalled {
		info.Props["creation"] = storage.KindDate
		info.Props["activity"] = storage.KindDate
		info.Props["creator"] = storage.KindLink
		info.Props["actor"] = storage.KindLink
	}
	return info
}

// indexedProps returns the String properties marked for full-text
// indexing.
func (cl *Class) indexedProps() []string {
	var names []string
	for _, name := range cl.order {
		if s, ok := cl.props[name].(String); ok && s.Indexed {
			names = append(names, name)
		}
	}
	return names
}
