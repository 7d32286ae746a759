package types

// Getter extracts a field value from a receiver. The receiver is the
// concrete context value the caller hands to the rendering procedure;
// getters type-assert it rather than reflect over it.
type Getter func(recv any) any

// Field is a single named member of a described struct. For methods the
// field type is a func type and the getter returns a bound closure.
type Field struct {
	Name string
	Type *Type
	Get  Getter
}

// Descriptor is the compile-time shape of a context type: an ordered set
// of named, typed fields with accessors. Templates can only reach data
// a descriptor declares.
type Descriptor struct {
	Name   string
	fields []Field
	index  map[string]int
}

// NewDescriptor creates an empty descriptor with the given display name.
func NewDescriptor(name string) *Descriptor {
	return &Descriptor{
		Name:  name,
		index: make(map[string]int),
	}
}

// AddField registers a field. Registering the same name twice replaces
// the earlier definition in place, keeping declaration order stable.
func (d *Descriptor) AddField(name string, typ *Type, get Getter) *Descriptor {
	field := Field{Name: name, Type: typ, Get: get}
	if i, ok := d.index[name]; ok {
		d.fields[i] = field
		return d
	}
	d.index[name] = len(d.fields)
	d.fields = append(d.fields, field)
	return d
}

// Callable is the runtime representation of a func-typed field value.
type Callable func(args []any) any

// AddMethod registers a zero-argument method as a callable field. The
// bind function receives the context value and returns a closure the
// generated code can invoke.
func (d *Descriptor) AddMethod(name string, result *Type, bind func(recv any) func() any) *Descriptor {
	return d.AddField(name, FuncOf(nil, result), func(recv any) any {
		fn := bind(recv)
		return Callable(func([]any) any { return fn() })
	})
}

// AddFunc registers a method with arguments as a callable field.
func (d *Descriptor) AddFunc(name string, params []*Type, result *Type, bind func(recv any) Callable) *Descriptor {
	return d.AddField(name, FuncOf(params, result), func(recv any) any {
		return bind(recv)
	})
}

// Field looks up a field by name.
func (d *Descriptor) Field(name string) (Field, bool) {
	if i, ok := d.index[name]; ok {
		return d.fields[i], true
	}
	return Field{}, false
}

// Fields returns the fields in declaration order.
func (d *Descriptor) Fields() []Field {
	return d.fields
}

// MapGetter returns a getter that reads the named key from a
// map[string]any receiver. Descriptors loaded from configuration use
// this since they have no concrete Go type to assert against.
func MapGetter(name string) Getter {
	return func(recv any) any {
		m, ok := recv.(map[string]any)
		if !ok {
			return nil
		}
		return m[name]
	}
}
