package domain

import "sort"

// DefaultIdentityField es el campo identidad cuando la tabla no declara otro.
const DefaultIdentityField = "id"

// TableSpec describe una tabla sincronizable y cómo se identifica cada registro.
// Las tablas clave-valor (ej. settings) declaran Identity: "key".
type TableSpec struct {
	Name     string `yaml:"name" json:"name"`
	Identity string `yaml:"identity,omitempty" json:"identity,omitempty"`
}

// IdentityField devuelve el campo identidad efectivo.
func (s TableSpec) IdentityField() string {
	if s.Identity == "" {
		return DefaultIdentityField
	}
	return s.Identity
}

// DefaultTables es la lista curada por defecto. Las tablas puramente locales o de auditoría
// (outbox, estado de sync, audit_log) nunca forman parte de ella.
func DefaultTables() []TableSpec {
	return []TableSpec{
		{Name: "products"},
		{Name: "customers"},
		{Name: "invoices"},
		{Name: "invoice_items"},
		{Name: "payments"},
		{Name: "settings", Identity: "key"},
	}
}

// TableRegistry es la allow-list de tablas sincronizables con su descriptor de identidad.
type TableRegistry struct {
	specs map[string]TableSpec
	order []string
}

func NewTableRegistry(specs ...TableSpec) *TableRegistry {
	r := &TableRegistry{specs: make(map[string]TableSpec, len(specs))}
	for _, s := range specs {
		if s.Name == "" {
			continue
		}
		if _, dup := r.specs[s.Name]; !dup {
			r.order = append(r.order, s.Name)
		}
		r.specs[s.Name] = s
	}
	return r
}

// IsSyncable indica si la tabla está en la allow-list.
func (r *TableRegistry) IsSyncable(table string) bool {
	_, ok := r.specs[table]
	return ok
}

// Names devuelve las tablas en el orden en que se declararon.
func (r *TableRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SortedNames se usa donde hace falta un orden estable independiente de la declaración.
func (r *TableRegistry) SortedNames() []string {
	out := r.Names()
	sort.Strings(out)
	return out
}

// Spec devuelve el descriptor de la tabla.
func (r *TableRegistry) Spec(table string) (TableSpec, bool) {
	s, ok := r.specs[table]
	return s, ok
}

// IdentityField devuelve el campo identidad de la tabla (o "id" si no está registrada).
func (r *TableRegistry) IdentityField(table string) string {
	if s, ok := r.specs[table]; ok {
		return s.IdentityField()
	}
	return DefaultIdentityField
}

// RecordID resuelve la identidad de un registro a partir de sus datos
// usando el descriptor de la tabla.
func (r *TableRegistry) RecordID(table string, data map[string]interface{}) (string, bool) {
	return IdentityFrom(data, r.IdentityField(table))
}
