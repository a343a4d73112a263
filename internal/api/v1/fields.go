package v1

// Field is one name/value pair of an ordered container.
type Field struct {
	Name  string
	Value Value
}

// Fields is an insertion-ordered map from unique names to values.
// Overwriting a name keeps its position; inserting appends.
type Fields struct {
	list  []Field
	index map[string]int
}

// NewFields allocates a container with room for n fields.
func NewFields(n int) *Fields {
	return &Fields{
		list:  make([]Field, 0, n),
		index: make(map[string]int, n),
	}
}

// Len returns the number of stored fields.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.list)
}

// Get returns the value stored under name, or Unit when the key is absent.
// It never fails.
func (f *Fields) Get(name string) Value {
	if f == nil {
		return Unit()
	}
	if i, ok := f.index[name]; ok {
		return f.list[i].Value
	}
	return Unit()
}

// Has reports whether name is stored (Null counts as stored).
func (f *Fields) Has(name string) bool {
	if f == nil {
		return false
	}
	_, ok := f.index[name]
	return ok
}

// Set inserts or overwrites name. Storing Unit removes the key, since Unit is
// only observable through access.
func (f *Fields) Set(name string, v Value) {
	if v.IsUnit() {
		f.Delete(name)
		return
	}
	if i, ok := f.index[name]; ok {
		f.list[i].Value = v
		return
	}
	f.index[name] = len(f.list)
	f.list = append(f.list, Field{Name: name, Value: v})
}

// Delete removes name entirely. Deleting a missing key is a no-op.
func (f *Fields) Delete(name string) {
	i, ok := f.index[name]
	if !ok {
		return
	}
	copy(f.list[i:], f.list[i+1:])
	f.list = f.list[:len(f.list)-1]
	delete(f.index, name)
	for j := i; j < len(f.list); j++ {
		f.index[f.list[j].Name] = j
	}
}

// Keys returns the field names in insertion order.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	keys := make([]string, len(f.list))
	for i, fd := range f.list {
		keys[i] = fd.Name
	}
	return keys
}

// Range calls fn for each field in order until fn returns false.
func (f *Fields) Range(fn func(name string, v Value) bool) {
	if f == nil {
		return
	}
	for _, fd := range f.list {
		if !fn(fd.Name, fd.Value) {
			return
		}
	}
}

// Clone returns a deep copy.
func (f *Fields) Clone() *Fields {
	if f == nil {
		return NewFields(0)
	}
	out := NewFields(len(f.list))
	for _, fd := range f.list {
		out.index[fd.Name] = len(out.list)
		out.list = append(out.list, Field{Name: fd.Name, Value: fd.Value.Clone()})
	}
	return out
}

// Equal compares field-for-field, including order.
func (f *Fields) Equal(o *Fields) bool {
	if f.Len() != o.Len() {
		return false
	}
	for i := 0; i < f.Len(); i++ {
		a, b := f.list[i], o.list[i]
		if a.Name != b.Name || !a.Value.Equal(b.Value) {
			return false
		}
	}
	return true
}
